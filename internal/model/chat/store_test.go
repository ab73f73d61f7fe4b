package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreAppendAndRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateThread(ctx, Thread{ID: "t1", UserID: "admin"}); err != nil {
		t.Fatalf("CreateThread err: %v", err)
	}
	if err := store.AppendTurn(ctx, "t1", UserTurn("hi")); err != nil {
		t.Fatalf("AppendTurn err: %v", err)
	}
	if err := store.AppendTurn(ctx, "t1", AssistantTurn("hello")); err != nil {
		t.Fatalf("AppendTurn err: %v", err)
	}

	thread, err := store.ReadThread(ctx, "t1")
	if err != nil {
		t.Fatalf("ReadThread err: %v", err)
	}
	if thread.Name != "hi" {
		t.Fatalf("expected thread named after first user message, got %q", thread.Name)
	}
	if len(thread.Steps) != 2 || thread.Steps[0].Type != StepUserMessage || thread.Steps[1].Type != StepAssistantMessage {
		t.Fatalf("unexpected steps: %+v", thread.Steps)
	}

	// Returned threads are copies.
	thread.Steps[0].Output = "mutated"
	again, _ := store.ReadThread(ctx, "t1")
	if again.Steps[0].Output != "hi" {
		t.Fatal("ReadThread must not expose internal state")
	}
}

func TestMemoryStoreAppendExchange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.AppendExchange(ctx, Thread{ID: "t1", UserID: "admin"}, UserTurn("q"), AssistantTurn("a")); err != nil {
		t.Fatalf("AppendExchange err: %v", err)
	}
	if err := store.AppendExchange(ctx, Thread{ID: "t1", UserID: "other"}, UserTurn("q2")); err != nil {
		t.Fatalf("AppendExchange err: %v", err)
	}

	thread, err := store.ReadThread(ctx, "t1")
	if err != nil {
		t.Fatalf("ReadThread err: %v", err)
	}
	if thread.UserID != "admin" {
		t.Fatalf("expected owner admin, got %q", thread.UserID)
	}
	if len(thread.Steps) != 3 || thread.Name != "q" {
		t.Fatalf("unexpected thread: %+v", thread)
	}
	threads, _ := store.ListThreads(ctx, "admin")
	if len(threads) != 1 {
		t.Fatalf("expected thread listed for owner, got %+v", threads)
	}
}

func TestMemoryStoreReadMissing(t *testing.T) {
	if _, err := NewMemoryStore().ReadThread(context.Background(), "nope"); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestMemoryStoreListThreads(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	_ = store.CreateThread(ctx, Thread{ID: "a", UserID: "u", CreatedAt: base})
	_ = store.CreateThread(ctx, Thread{ID: "b", UserID: "u", CreatedAt: base.Add(time.Minute)})
	_ = store.CreateThread(ctx, Thread{ID: "c", UserID: "other", CreatedAt: base})
	_ = store.AppendTurn(ctx, "b", UserTurn("question"))

	threads, err := store.ListThreads(ctx, "u")
	if err != nil {
		t.Fatalf("ListThreads err: %v", err)
	}
	if len(threads) != 2 || threads[0].ID != "b" || threads[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", threads)
	}
	if threads[0].Steps != nil {
		t.Fatal("ListThreads should omit steps")
	}
}

func TestThreadNameTruncates(t *testing.T) {
	long := strings.Repeat("ä", 100)
	if got := []rune(ThreadName(long)); len(got) != 64 {
		t.Fatalf("expected 64 runes, got %d", len(got))
	}
	if ThreadName("short") != "short" {
		t.Fatal("short names must be kept")
	}
}
