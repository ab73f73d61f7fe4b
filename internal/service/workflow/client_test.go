package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/taxdesk/backend/internal/config"
)

type countingTransport struct {
	calls atomic.Int32
}

func (t *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return nil, context.Canceled
}

func newTestClient(url string, opts ...Option) *Client {
	return NewClient(config.WorkflowConfig{WebhookURL: url, Timeout: 5 * time.Second}, nil, opts...)
}

func jsonServer(t *testing.T, status int, contentType, body string, seen *Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallNotConfiguredMakesNoRequest(t *testing.T) {
	transport := &countingTransport{}
	client := newTestClient("", WithHTTPClient(&http.Client{Transport: transport}))

	got := client.Call(context.Background(), "question", "")

	assert.Equal(t, NotConfiguredText, got)
	assert.Zero(t, transport.calls.Load())
	assert.False(t, client.Enabled())
}

func TestCallSuccess(t *testing.T) {
	var seen Request
	srv := jsonServer(t, http.StatusOK, "application/json; charset=utf-8",
		`{"answer":"Yes, it is taxable.","citations":[{"source":"ITEPA 2003","section":"s.62","reference":"ITEPA 2003 s.62"}]}`, &seen)

	got := newTestClient(srv.URL).Call(context.Background(), "Is my bonus taxable?", "\n\nFILE: p.txt\nbonus 500")

	assert.Equal(t, "Yes, it is taxable.\n\nSources:\n- ITEPA 2003 (ITEPA 2003 s.62)", got)
	assert.True(t, strings.HasPrefix(seen.ChatInput, "DOCUMENT CONTEXT (FOR CITATION ONLY):"))
	assert.Contains(t, seen.ChatInput, "User question:\nIs my bonus taxable?")
}

func TestCallArrayPayload(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, "application/json", `[{"output":"from n8n","citations":[]}]`, nil)
	assert.Equal(t, "from n8n", newTestClient(srv.URL).Call(context.Background(), "q", ""))
}

func TestCallNon200(t *testing.T) {
	srv := jsonServer(t, http.StatusBadGateway, "application/json", `{}`, nil)
	assert.Equal(t, "Workflow service returned status 502", newTestClient(srv.URL).Call(context.Background(), "q", ""))
}

func TestCallWrongContentType(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, "text/html", `<html>{"answer":"x"}</html>`, nil)
	assert.Equal(t, InvalidContentTypeText, newTestClient(srv.URL).Call(context.Background(), "q", ""))
}

func TestCallMalformedJSON(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, "application/json", `{"answer":`, nil)
	got := newTestClient(srv.URL).Call(context.Background(), "q", "")
	assert.True(t, strings.HasPrefix(got, "Unexpected error: "), got)
}

func TestCallConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := newTestClient(url).Call(context.Background(), "q", "")
	assert.True(t, strings.HasPrefix(got, "Unexpected error: "), got)
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	got := newTestClient(srv.URL, WithTimeout(50*time.Millisecond)).Call(context.Background(), "q", "")

	require.Equal(t, TimeoutText, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewClientDefaultsTimeout(t *testing.T) {
	c := NewClient(config.WorkflowConfig{WebhookURL: "http://example.invalid"}, nil)
	assert.Equal(t, config.DefaultWorkflowTimeout, c.timeout)
	assert.Equal(t, 60*time.Second, c.timeout)
}
