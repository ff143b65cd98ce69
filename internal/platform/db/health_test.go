package db

import (
	"encoding/json"
	"testing"
)

func TestPoolStatsJSON(t *testing.T) {
	blob, err := json.Marshal(PoolStats{Total: 4, Idle: 2, Acquired: 2, Max: 10})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"total":4,"idle":2,"acquired":2,"max":10}`
	if string(blob) != want {
		t.Errorf("PoolStats JSON = %s, want %s", blob, want)
	}
}
