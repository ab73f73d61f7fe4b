package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondError(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondError(resp, http.StatusNotFound, "session not found")

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if strings.TrimSpace(resp.Body.String()) != `{"error":"session not found"}` {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestSendSSEEvent(t *testing.T) {
	resp := httptest.NewRecorder()
	SetupSSEHeaders(resp)

	if err := SendSSEEvent(resp, resp, "update", map[string]string{"id": "m1"}); err != nil {
		t.Fatalf("SendSSEEvent err: %v", err)
	}
	if got := resp.Body.String(); got != "event: update\ndata: {\"id\":\"m1\"}\n\n" {
		t.Fatalf("unexpected frame %q", got)
	}
	if !resp.Flushed {
		t.Fatal("expected flush")
	}
	if resp.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatal("missing sse content type")
	}
}
