package broker

import (
	"encoding/json"
	"testing"
)

func TestBuildMockReply_Fields(t *testing.T) {
	r := buildMockReply("srv", "tool", map[string]any{"x": float64(1)})
	if !r.Mocked || r.Server != "srv" || r.Tool != "tool" {
		t.Errorf("unexpected reply: %+v", r)
	}
	if r.ParamsEcho["x"] != float64(1) {
		t.Errorf("params not echoed: %+v", r.ParamsEcho)
	}
}

func TestMockContentJSON_RoundTrips(t *testing.T) {
	content := mockContentJSON("srv", "tool", map[string]any{"x": float64(1)})

	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		t.Fatalf("mock content is not valid JSON: %v", err)
	}
	if decoded["mocked"] != true || decoded["server"] != "srv" || decoded["tool"] != "tool" {
		t.Errorf("unexpected decoded content: %+v", decoded)
	}
}
