package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/larkbridge/larkbridge/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "interactions.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleInteraction(id string) *domain.Interaction {
	return &domain.Interaction{
		ID:             id,
		Model:          "skylark",
		Streaming:      true,
		Status:         domain.InteractionStatusSuccess,
		FinishReason:   domain.FinishReasonStop,
		PromptChars:    42,
		ResponseChars:  120,
		Duration:       350 * time.Millisecond,
		ConversationID: "conv-1",
		CreatedAt:      time.Now(),
	}
}

func TestSaveAndListInteraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveInteraction(ctx, sampleInteraction("int-1")); err != nil {
		t.Fatalf("SaveInteraction() error = %v", err)
	}

	got, err := store.ListInteractions(ctx, 10)
	if err != nil {
		t.Fatalf("ListInteractions() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("interactions = %d, want 1", len(got))
	}
	i := got[0]
	if i.ID != "int-1" || i.Model != "skylark" {
		t.Errorf("round trip mismatch: %+v", i)
	}
	if !i.Streaming {
		t.Error("streaming flag lost")
	}
	if i.Duration != 350*time.Millisecond {
		t.Errorf("duration = %s", i.Duration)
	}
	if i.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q", i.ConversationID)
	}
}

func TestListInteractions_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for n, id := range []string{"int-a", "int-b", "int-c"} {
		i := sampleInteraction(id)
		i.CreatedAt = base.Add(time.Duration(n) * time.Minute)
		if err := store.SaveInteraction(ctx, i); err != nil {
			t.Fatalf("SaveInteraction(%s) error = %v", id, err)
		}
	}

	got, err := store.ListInteractions(ctx, 2)
	if err != nil {
		t.Fatalf("ListInteractions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("interactions = %d, want 2 (limit applied)", len(got))
	}
	if got[0].ID != "int-c" || got[1].ID != "int-b" {
		t.Errorf("order = %s, %s; want int-c, int-b", got[0].ID, got[1].ID)
	}
}

func TestListInteractions_Empty(t *testing.T) {
	store := newTestStore(t)
	got, err := store.ListInteractions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListInteractions() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("interactions = %d, want 0", len(got))
	}
}
