package transform

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"
)

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func jsonHas(data []byte, path, want string) bool {
	return gjson.GetBytes(data, path).String() == want
}

func gjsonFromFloat(t *testing.T, f float64) gjson.Result {
	t.Helper()
	encoded, err := json.Marshal(map[string]float64{"v": f})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return gjson.GetBytes(encoded, "v")
}
