package hydrator

import (
	"context"
	"testing"

	"github.com/noncelogic/cortex-plane/internal/models"
)

func TestFetchMemoryContextNilJob(t *testing.T) {
	h := &DBHydrator{}
	data, err := h.FetchMemoryContext(context.Background(), 1, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil memory context for nil job, got %q", data)
	}
}

func TestFetchMemoryContextNoCheckpoint(t *testing.T) {
	h := &DBHydrator{}
	job := &models.Job{ID: 1}
	data, err := h.FetchMemoryContext(context.Background(), 1, job, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil memory context when checkpoint is unset, got %q", data)
	}
}

func TestFetchMemoryContextReturnsCheckpoint(t *testing.T) {
	h := &DBHydrator{}
	checkpoint := `{"state":"resumable"}`
	job := &models.Job{ID: 1, Checkpoint: &checkpoint}
	data, err := h.FetchMemoryContext(context.Background(), 1, job, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != checkpoint {
		t.Fatalf("FetchMemoryContext = %q, want %q", data, checkpoint)
	}
}

func TestRefreshSkillIndexNoOp(t *testing.T) {
	h := &DBHydrator{}
	if err := h.RefreshSkillIndex(context.Background(), 42); err != nil {
		t.Fatalf("RefreshSkillIndex returned error: %v", err)
	}
}
