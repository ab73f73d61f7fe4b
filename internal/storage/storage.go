// Package storage selects the thread store named by DATABASE_URL.
package storage

import (
	"context"
	"strings"

	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/storage/sqlite"
)

// MemoryURL keeps threads in process memory; they are lost on restart.
const MemoryURL = "memory://"

// Open returns the store for databaseURL, or nil when the URL is empty.
func Open(ctx context.Context, databaseURL string) (chat.ThreadStore, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return nil, nil
	case strings.EqualFold(databaseURL, MemoryURL):
		return chat.NewMemoryStore(), nil
	}

	store, err := sqlite.Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}
