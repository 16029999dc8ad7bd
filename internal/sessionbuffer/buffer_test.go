package sessionbuffer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/noncelogic/cortex-plane/internal/models"
)

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	root := t.TempDir()

	buf, err := Open(root, 1, 10, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := buf.Append(models.EventSessionStart, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Append SESSION_START: %v", err)
	}
	if _, err := buf.Append(models.EventLLMRequest, json.RawMessage(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("Append LLM_REQUEST: %v", err)
	}
	cpData, _ := json.Marshal(map[string]int{"step": 1})
	if _, err := buf.Append(models.EventCheckpoint, cpData); err != nil {
		t.Fatalf("Append CHECKPOINT: %v", err)
	}
	if _, err := buf.Append(models.EventToolCall, json.RawMessage(`{"tool":"search"}`)); err != nil {
		t.Fatalf("Append TOOL_CALL: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec, err := Recover(root, 1)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rec.LastCheckpoint == nil {
		t.Fatal("expected a checkpoint to be recovered")
	}
	var step struct {
		Step int `json:"step"`
	}
	if err := json.Unmarshal(rec.LastCheckpoint.Data, &step); err != nil {
		t.Fatalf("unmarshal checkpoint data: %v", err)
	}
	if step.Step != 1 {
		t.Fatalf("checkpoint step = %d, want 1", step.Step)
	}
	if len(rec.EventsSinceCheckpoint) != 1 || rec.EventsSinceCheckpoint[0].Type != models.EventToolCall {
		t.Fatalf("eventsSinceCheckpoint = %+v, want exactly one TOOL_CALL", rec.EventsSinceCheckpoint)
	}
}

// TestRecoverDiscardsPartialTrailingLine simulates scenario S6: a process
// killed mid-write leaves a truncated final line, which recovery must
// discard without losing anything fully flushed before it.
func TestRecoverDiscardsPartialTrailingLine(t *testing.T) {
	root := t.TempDir()

	buf, err := Open(root, 2, 20, 200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := buf.Append(models.EventSessionStart, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := buf.Append(models.EventLLMRequest, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	cpData, _ := json.Marshal(map[string]int{"step": 1})
	if _, err := buf.Append(models.EventCheckpoint, cpData); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := buf.Append(models.EventToolCall, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := filepath.Join(root, "2", buf.CurrentFileName())
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write of a fifth TOOL_RESULT event: append a
	// truncated, unparseable JSON fragment directly to the file.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := f.WriteString(`{"version":1,"type":"TOOL_RESUL`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	f.Close()

	rec, err := Recover(root, 2)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if rec.LastCheckpoint == nil {
		t.Fatal("expected a recovered checkpoint")
	}
	if len(rec.EventsSinceCheckpoint) != 1 || rec.EventsSinceCheckpoint[0].Type != models.EventToolCall {
		t.Fatalf("eventsSinceCheckpoint = %+v, want exactly one TOOL_CALL", rec.EventsSinceCheckpoint)
	}
}

func TestCheckpointCRCMatchesStoredValue(t *testing.T) {
	crc := CheckpointCRC("resume-blob")
	if crc != CheckpointCRC("resume-blob") {
		t.Fatal("CRC must be deterministic for identical input")
	}
	if crc == CheckpointCRC("different-blob") {
		t.Fatal("different blobs should not collide in this test")
	}
}
