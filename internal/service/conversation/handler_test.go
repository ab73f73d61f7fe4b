package conversation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/model/document"
	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	docservice "github.com/zhouzirui/taxdesk/backend/internal/service/document"
)

type recordedEvent struct {
	kind    string
	id      string
	content string
}

type recordingReplier struct {
	mu      sync.Mutex
	events  []recordedEvent
	sendErr error
}

func (r *recordingReplier) Send(_ context.Context, content string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return "", r.sendErr
	}
	r.events = append(r.events, recordedEvent{kind: "send", id: "m1", content: content})
	return "m1", nil
}

func (r *recordingReplier) Update(_ context.Context, id, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "update", id: id, content: content})
	return nil
}

func (r *recordingReplier) Step(_ context.Context, name, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "step", id: name, content: output})
	return nil
}

type fakeWorkflow struct {
	mu      sync.Mutex
	reply   func(msg, docCtx string) string
	calls   []string
	docCtxs []string
}

func (f *fakeWorkflow) Call(_ context.Context, msg, docCtx string) string {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	f.docCtxs = append(f.docCtxs, docCtx)
	f.mu.Unlock()
	return f.reply(msg, docCtx)
}

func newHandler(t *testing.T, wf Workflow) (*Handler, *chatservice.Service, *chat.MemoryStore) {
	t.Helper()
	store := chat.NewMemoryStore()
	sessions := chatservice.NewService(store, nil)
	return NewHandler(sessions, docservice.NewExtractor(nil, 2), wf, 2, nil), sessions, store
}

func TestHandleMessageTwoPhaseReply(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	wf := &fakeWorkflow{reply: func(string, string) string { return "  Yes.\n\nSources:\n- S (R)\n" }}
	h, sessions, store := newHandler(t, wf)
	ctx := context.Background()
	session, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)

	replier := &recordingReplier{}
	reply := h.HandleMessage(ctx, session, Inbound{Content: "Is it deductible?"}, replier)

	assert.Equal(t, Reply{MessageID: "m1", Content: "Yes.\n\nSources:\n- S (R)"}, reply)
	assert.Equal(t, []recordedEvent{
		{kind: "send", id: "m1", content: ""},
		{kind: "update", id: "m1", content: "Yes.\n\nSources:\n- S (R)"},
	}, replier.events)
	assert.Equal(t, []chat.Turn{
		chat.UserTurn("Is it deductible?"),
		chat.AssistantTurn("  Yes.\n\nSources:\n- S (R)\n"),
	}, session.History())
	assert.Equal(t, []string{""}, wf.docCtxs)

	thread, err := store.ReadThread(ctx, session.ID())
	require.NoError(t, err)
	assert.Len(t, thread.Steps, 2)
}

func TestHandleMessageReadsAttachments(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	path := filepath.Join(dir, "upload-1")
	require.NoError(t, os.WriteFile(path, []byte("Tax code 1257L"), 0o600))

	wf := &fakeWorkflow{reply: func(string, string) string { return "ok" }}
	h, sessions, _ := newHandler(t, wf)
	ctx := context.Background()
	session, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)

	replier := &recordingReplier{}
	h.HandleMessage(ctx, session, Inbound{
		Content: "Check my tax code",
		Attachments: []document.Upload{
			{Name: "payslip.txt", Path: path},
			{Name: "ignored"},
		},
	}, replier)

	require.Len(t, wf.docCtxs, 1)
	assert.Equal(t, "\n\nFILE: payslip.txt\nTax code 1257L", wf.docCtxs[0])
	require.Len(t, replier.events, 3)
	assert.Equal(t, recordedEvent{kind: "step", id: ReadingDocumentsStep, content: "Processed 1 document(s)"}, replier.events[0])
	assert.Equal(t, "send", replier.events[1].kind)
}

func TestHandleMessageRecordsFailureText(t *testing.T) {
	wf := &fakeWorkflow{reply: func(string, string) string { return "Request to the workflow service timed out." }}
	h, sessions, _ := newHandler(t, wf)
	ctx := context.Background()
	session, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)

	h.HandleMessage(ctx, session, Inbound{Content: "slow question"}, &recordingReplier{})

	assert.Equal(t, []chat.Turn{
		chat.UserTurn("slow question"),
		chat.AssistantTurn("Request to the workflow service timed out."),
	}, session.History())
}

func TestHandleMessagePlaceholderFailureStillRecords(t *testing.T) {
	wf := &fakeWorkflow{reply: func(string, string) string { return "answer" }}
	h, sessions, _ := newHandler(t, wf)
	ctx := context.Background()
	session, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)

	replier := &recordingReplier{sendErr: errors.New("socket closed")}
	reply := h.HandleMessage(ctx, session, Inbound{Content: "q"}, replier)

	assert.Empty(t, replier.events)
	assert.Equal(t, "answer", reply.Content)
	assert.Len(t, session.History(), 2)
}

func TestHandleMessageSerializesPerSession(t *testing.T) {
	var (
		mu       sync.Mutex
		active   int
		maxSeen  int
		released = make(chan struct{})
	)
	wf := &fakeWorkflow{reply: func(msg, _ string) string {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		<-released
		mu.Lock()
		active--
		mu.Unlock()
		return "re: " + msg
	}}
	h, sessions, _ := newHandler(t, wf)
	ctx := context.Background()
	session, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, msg := range []string{"first", "second", "third"} {
		msg := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.HandleMessage(ctx, session, Inbound{Content: msg}, &recordingReplier{})
		}()
		time.Sleep(10 * time.Millisecond)
	}
	close(released)
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	history := session.History()
	require.Len(t, history, 6)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, chat.RoleUser, history[i].Role)
		assert.Equal(t, chat.RoleAssistant, history[i+1].Role)
		assert.Equal(t, "re: "+history[i].Content, history[i+1].Content)
	}
}

func TestHandleMessageSessionsRunConcurrently(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	wf := &fakeWorkflow{reply: func(string, string) string {
		started <- struct{}{}
		<-release
		return "ok"
	}}
	h, sessions, _ := newHandler(t, wf)
	ctx := context.Background()
	a, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)
	b, err := sessions.StartSession(ctx, "admin")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range []*chatservice.Session{a, b} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.HandleMessage(ctx, s, Inbound{Content: "q"}, &recordingReplier{})
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("sessions did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestGreeting(t *testing.T) {
	assert.Contains(t, Greeting(auth.User{Identifier: "admin"}, true), "Hello admin")
	assert.Contains(t, Greeting(auth.User{}, false), "Hello there")
	assert.Contains(t, Greeting(auth.User{}, false), "tax compliance assistant")
}
