package approval

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/noncelogic/cortex-plane/internal/backend"
)

func TestClampTTL(t *testing.T) {
	min, max := 30*time.Second, time.Hour

	if got := clampTTL(5*time.Second, min, max); got != min {
		t.Fatalf("clampTTL(below min) = %v, want %v", got, min)
	}
	if got := clampTTL(2*time.Hour, min, max); got != max {
		t.Fatalf("clampTTL(above max) = %v, want %v", got, max)
	}
	if got := clampTTL(5*time.Minute, min, max); got != 5*time.Minute {
		t.Fatalf("clampTTL(in range) = %v, want unchanged 5m", got)
	}
}

func TestMaybeRequestApprovalIgnoresOtherEvents(t *testing.T) {
	g := &Gate{}

	ok, err := g.MaybeRequestApproval(nil, nil, backend.OutputEvent{Type: backend.OutputText})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("non-tool_call event was treated as an approval trigger")
	}

	ok, err = g.MaybeRequestApproval(nil, nil, backend.OutputEvent{Type: backend.OutputToolCall, ToolName: "read_file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("unrelated tool_call name was treated as an approval trigger")
	}
}

func TestMaybeRequestApprovalRejectsMalformedArgs(t *testing.T) {
	g := &Gate{}
	ev := backend.OutputEvent{
		Type:     backend.OutputToolCall,
		ToolName: approvalToolName,
		ToolArgs: json.RawMessage(`not-json`),
	}
	if _, err := g.MaybeRequestApproval(nil, nil, ev); err == nil {
		t.Fatal("expected an error for malformed tool_call arguments")
	}
}
