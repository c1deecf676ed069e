package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/szaher/agentdeck/internal/storage"
)

func newFileStore(t *testing.T) *BackendStore {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend returned unexpected error: %v", err)
	}
	return NewStore(backend)
}

func TestStoreCreateAssignsDefaults(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "agent-1", "")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if sess.ID == "" {
		t.Error("session ID is empty")
	}
	if !IsDefaultTitle(sess.Title) {
		t.Errorf("title %q is not a default placeholder", sess.Title)
	}
	if sess.Log == nil || sess.Log.Len() != 0 {
		t.Error("new session log is not empty")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "agent-1", "Trip planning")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if _, err := sess.Log.Append(Message{Role: RoleUser, Content: "hello", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("Append returned unexpected error: %v", err)
	}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save returned unexpected error: %v", err)
	}

	got, err := store.Get(ctx, "agent-1", sess.ID)
	if err != nil {
		t.Fatalf("Get returned unexpected error: %v", err)
	}
	if got.Title != "Trip planning" {
		t.Errorf("title = %q, want %q", got.Title, "Trip planning")
	}
	if got.Log.Len() != 1 {
		t.Errorf("log length = %d, want 1", got.Log.Len())
	}
}

func TestStoreGetUnknown(t *testing.T) {
	store := newFileStore(t)

	_, err := store.Get(context.Background(), "agent-1", "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get unknown session: err = %v, want ErrSessionNotFound", err)
	}
}

func TestStoreListOrdersByRecency(t *testing.T) {
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend, err := storage.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend returned unexpected error: %v", err)
	}
	store := NewStore(backend, WithStoreClock(func() time.Time { return clock }))
	ctx := context.Background()

	old, err := store.Create(ctx, "agent-1", "old")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	clock = clock.Add(time.Hour)
	recent, err := store.Create(ctx, "agent-1", "recent")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	sessions, err := store.List(ctx, "agent-1")
	if err != nil {
		t.Fatalf("List returned unexpected error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("List returned %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != recent.ID || sessions[1].ID != old.ID {
		t.Errorf("order = %s, %s; want recent first", sessions[0].Title, sessions[1].Title)
	}

	// Touching the old session moves it to the front.
	clock = clock.Add(time.Hour)
	oldSess, _ := store.Get(ctx, "agent-1", old.ID)
	oldSess.UpdatedAt = clock
	if err := store.Save(ctx, oldSess); err != nil {
		t.Fatalf("Save returned unexpected error: %v", err)
	}

	sessions, err = store.List(ctx, "agent-1")
	if err != nil {
		t.Fatalf("List returned unexpected error: %v", err)
	}
	if sessions[0].ID != old.ID {
		t.Errorf("after touch, first session = %s, want the touched one", sessions[0].Title)
	}
}

func TestStoreListIsolatesAgents(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "agent-a", "a"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if _, err := store.Create(ctx, "agent-b", "b"); err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}

	sessions, err := store.List(ctx, "agent-a")
	if err != nil {
		t.Fatalf("List returned unexpected error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "a" {
		t.Errorf("agent-a sessions = %d, want exactly its own", len(sessions))
	}
}

func TestStoreDelete(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "agent-1", "")
	if err != nil {
		t.Fatalf("Create returned unexpected error: %v", err)
	}
	if err := store.Delete(ctx, "agent-1", sess.ID); err != nil {
		t.Fatalf("Delete returned unexpected error: %v", err)
	}
	if _, err := store.Get(ctx, "agent-1", sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrSessionNotFound", err)
	}
	if err := store.Delete(ctx, "agent-1", sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete: err = %v, want ErrSessionNotFound", err)
	}
}
