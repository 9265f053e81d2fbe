// Package conversation records completed interactions without blocking
// the request path.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/larkbridge/larkbridge/internal/domain"
)

const saveTimeout = 10 * time.Second

// Store persists interactions.
type Store interface {
	SaveInteraction(ctx context.Context, interaction *domain.Interaction) error
}

// Recorder writes interactions to a Store in the background. Failures
// are logged, never surfaced to the caller.
type Recorder struct {
	store  Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record persists interaction asynchronously. A background context is
// used so the write survives the request being done.
func (r *Recorder) Record(interaction domain.Interaction) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.store.SaveInteraction(ctx, &interaction); err != nil {
			r.logger.Warn("failed to record interaction",
				slog.String("interaction_id", interaction.ID),
				slog.String("error", err.Error()))
		}
	}()
}

// Flush blocks until all pending writes complete. Call on shutdown.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
