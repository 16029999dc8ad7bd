package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/noncelogic/cortex-plane/internal/backend"
	"github.com/noncelogic/cortex-plane/internal/models"
	"github.com/noncelogic/cortex-plane/internal/sessionbuffer"
)

func TestMapOutputEventType(t *testing.T) {
	cases := []struct {
		in   backend.OutputEventType
		want models.SessionEventType
	}{
		{backend.OutputText, models.EventLLMResponse},
		{backend.OutputUsage, models.EventLLMResponse},
		{backend.OutputToolCall, models.EventToolCall},
		{backend.OutputToolResult, models.EventToolResult},
		{backend.OutputComplete, models.EventComplete},
	}
	for _, c := range cases {
		if got := mapOutputEventType(c.in); got != c.want {
			t.Errorf("mapOutputEventType(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestArchiveBufferNoopWithoutArchiver(t *testing.T) {
	dir := t.TempDir()
	buf, err := sessionbuffer.Open(dir, 1, 1, 1)
	if err != nil {
		t.Fatalf("failed to open session buffer: %v", err)
	}
	defer buf.Close()

	s := &Scheduler{cfg: Config{SessionBufferDir: dir}}
	// archiver is nil; this must be a safe no-op, not a nil-pointer panic.
	s.archiveBuffer(context.Background(), &models.Job{ID: 1}, buf)
}

type fakeArchiver struct {
	gotJobID  string
	gotFile   string
	gotData   []byte
	callCount int
}

func (f *fakeArchiver) ArchiveSessionFile(ctx context.Context, jobID string, fileName string, data []byte) error {
	f.callCount++
	f.gotJobID = jobID
	f.gotFile = fileName
	f.gotData = data
	return nil
}

func TestArchiveBufferUploadsCurrentFile(t *testing.T) {
	dir := t.TempDir()
	buf, err := sessionbuffer.Open(dir, 7, 1, 1)
	if err != nil {
		t.Fatalf("failed to open session buffer: %v", err)
	}
	defer buf.Close()
	if _, err := buf.Append(models.EventSessionStart, []byte(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	archiver := &fakeArchiver{}
	s := &Scheduler{cfg: Config{SessionBufferDir: dir}, archiver: archiver}
	s.archiveBuffer(context.Background(), &models.Job{ID: 7}, buf)

	if archiver.callCount != 1 {
		t.Fatalf("ArchiveSessionFile called %d times, want 1", archiver.callCount)
	}
	if archiver.gotJobID != "7" {
		t.Errorf("gotJobID = %q, want 7", archiver.gotJobID)
	}
	if archiver.gotFile != buf.CurrentFileName() {
		t.Errorf("gotFile = %q, want %q", archiver.gotFile, buf.CurrentFileName())
	}
	expectedPath := filepath.Join(dir, "7", buf.CurrentFileName())
	if _, err := os.Stat(expectedPath); err != nil {
		t.Errorf("expected session file at %q: %v", expectedPath, err)
	}
	if len(archiver.gotData) == 0 {
		t.Error("expected archived data to be non-empty")
	}
}
