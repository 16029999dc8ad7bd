package streammanager

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteSSESplitsMultiLinePayloadIntoOneDataLinePerLine(t *testing.T) {
	w := httptest.NewRecorder()
	ev := Event{ID: "1:1", Event: "text", Data: []byte("line one\nline two\nline three")}

	if err := writeSSE(w, ev); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}

	got := w.Body.String()
	want := "id:1:1\nevent:text\ndata:line one\ndata:line two\ndata:line three\n\n"
	if got != want {
		t.Fatalf("writeSSE output =\n%q\nwant\n%q", got, want)
	}
	if n := strings.Count(got, "data:"); n != 3 {
		t.Fatalf("expected 3 data: lines, got %d in %q", n, got)
	}
}

func TestWriteSSESingleLinePayload(t *testing.T) {
	w := httptest.NewRecorder()
	ev := Event{ID: "9:1", Data: []byte(`{"n":1}`)}

	if err := writeSSE(w, ev); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}

	got := w.Body.String()
	want := "id:9:1\ndata:{\"n\":1}\n\n"
	if got != want {
		t.Fatalf("writeSSE output = %q, want %q", got, want)
	}
}
