package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/storage/sqlite"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CONFIG_FILE", "WORKFLOW_WEBHOOK_URL", "N8N_WEBHOOK_URL", "WORKFLOW_TIMEOUT", "DATABASE_URL", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestHelp(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "webhookprobe")
}

func TestExtract(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "memo.txt", "Net pay: 3000")

	out, err := run(t, "extract", path)
	require.NoError(t, err)
	assert.Equal(t, "FILE: memo.txt\nNet pay: 3000\n", out)
}

func TestAskDryRunPrintsPrompt(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "memo.txt", "Net pay: 3000")

	out, err := run(t, "ask", "--dry-run", "--file", path, "What", "is", "taxable?")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "DOCUMENT CONTEXT (FOR CITATION ONLY):\n"))
	assert.Contains(t, out, "Net pay: 3000")
	assert.True(t, strings.HasSuffix(out, "What is taxable?\n"))
}

func TestAskCallsWebhook(t *testing.T) {
	clearEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"Yes.","citations":[{"source":"VAT Act","reference":"art. 5"}]}`))
	}))
	defer srv.Close()

	out, err := run(t, "ask", "--url", srv.URL, "Is it taxable?")
	require.NoError(t, err)
	assert.Equal(t, "Yes.\n\nSources:\n- VAT Act (art. 5)\n", out)
}

func TestAskWithoutWebhook(t *testing.T) {
	clearEnv(t)
	out, err := run(t, "ask", "anything")
	require.NoError(t, err)
	assert.Equal(t, "Workflow webhook URL not configured.\n", out)
}

func TestThreadDump(t *testing.T) {
	clearEnv(t)
	dbURL := "sqlite://" + filepath.Join(t.TempDir(), "threads.db")

	ctx := context.Background()
	store, err := sqlite.Open(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, "t-1", chat.UserTurn("Can I deduct travel?")))
	require.NoError(t, store.AppendTurn(ctx, "t-1", chat.AssistantTurn("Only business travel.")))
	require.NoError(t, store.Close())

	out, err := run(t, "thread", "--database-url", dbURL, "t-1")
	require.NoError(t, err)
	assert.Contains(t, out, "id: t-1")
	assert.Contains(t, out, "Can I deduct travel?")
	assert.Contains(t, out, "role: assistant")
	assert.Contains(t, out, "content: Only business travel.")
}

func TestThreadRequiresDatabase(t *testing.T) {
	clearEnv(t)
	_, err := run(t, "thread", "t-1")
	assert.Error(t, err)
}
