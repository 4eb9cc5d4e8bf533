// Package trace implements the Trace Recorder: a non-blocking, batched
// writer of per-request TraceRecords to ClickHouse. The channel+ticker+batch
// shape is the teacher's internal/logger/logger.go pattern, generalized from
// a single slog sink to a durable ClickHouse sink with a slog fallback when
// ClickHouse is unreachable or disabled, so the hot path never blocks on a
// trace write and a trace write never crashes a request.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/llm-proxy/internal/models"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// Recorder is the Trace Recorder component.
type Recorder struct {
	ch        chan models.TraceRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedTraces int64

	conn  driver.Conn // nil => slog-only fallback
	table string
	log   *slog.Logger
}

// New builds a Recorder. If dsn is empty, or dialing ClickHouse fails, the
// Recorder falls back to writing every trace as a structured log line
// instead of refusing to start — a trace write failure must never be fatal
// to the proxy process.
func New(ctx context.Context, dsn, table string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if table == "" {
		table = "traces"
	}

	r := &Recorder{
		ch:    make(chan models.TraceRecord, channelBuffer),
		done:  make(chan struct{}),
		table: table,
		log:   log,
	}

	if dsn != "" {
		conn, err := dialClickHouse(dsn)
		if err != nil {
			log.Warn("trace: clickhouse dial failed, falling back to log sink", "error", err)
		} else if err := conn.Ping(ctx); err != nil {
			log.Warn("trace: clickhouse ping failed, falling back to log sink", "error", err)
		} else {
			r.conn = conn
		}
	}

	r.wg.Add(1)
	go r.run(ctx)

	return r
}

func dialClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("trace: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("trace: open connection: %w", err)
	}
	return conn, nil
}

// Record enqueues rec for asynchronous persistence. Never blocks: if the
// internal channel is full the record is dropped and counted in
// DroppedTraces, matching the teacher's logger.Log degrade-under-load
// behaviour exactly.
func (r *Recorder) Record(rec models.TraceRecord) {
	select {
	case r.ch <- rec:
	default:
		atomic.AddInt64(&r.droppedTraces, 1)
	}
}

// DroppedTraces reports how many records were discarded because the
// internal channel was full.
func (r *Recorder) DroppedTraces() int64 {
	return atomic.LoadInt64(&r.droppedTraces)
}

// Close flushes any buffered records and stops the background goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.TraceRecord, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.flushBatch(ctx, batch); err != nil {
			r.log.Error("trace: flush failed, logging records instead", "error", err, "count", len(batch))
			r.logFallback(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) flushBatch(ctx context.Context, recs []models.TraceRecord) error {
	if r.conn == nil {
		r.logFallback(recs)
		return nil
	}

	b, err := r.conn.PrepareBatch(ctx, "INSERT INTO "+r.table)
	if err != nil {
		return fmt.Errorf("trace: prepare batch: %w", err)
	}
	for _, rec := range recs {
		if err := b.Append(
			rec.TraceID,
			rec.ServiceKeyID,
			rec.UpstreamCredID,
			rec.VendorID,
			rec.StartedAt,
			rec.DurationMS,
			rec.RequestBytes,
			rec.ResponseBytes,
			rec.PromptTokens,
			rec.CompletionTokens,
			rec.CacheTokens,
			rec.Cost,
			rec.StatusCode,
			rec.IsSuccess,
			rec.ErrorClass,
			rec.Model,
		); err != nil {
			return fmt.Errorf("trace: append row: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("trace: send batch: %w", err)
	}
	return nil
}

func (r *Recorder) logFallback(recs []models.TraceRecord) {
	for _, rec := range recs {
		r.log.Info("trace",
			slog.String("trace_id", rec.TraceID),
			slog.String("service_key_id", rec.ServiceKeyID),
			slog.String("vendor_id", rec.VendorID),
			slog.String("model", rec.Model),
			slog.Int64("duration_ms", rec.DurationMS),
			slog.Int("status_code", rec.StatusCode),
			slog.Bool("is_success", rec.IsSuccess),
			slog.String("error_class", rec.ErrorClass),
			slog.Int64("prompt_tokens", rec.PromptTokens),
			slog.Int64("completion_tokens", rec.CompletionTokens),
			slog.Float64("cost", rec.Cost),
		)
	}
}
