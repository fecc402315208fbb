package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/store"
)

// JournalSink appends every event to the store as an immutable record.
type JournalSink struct {
	store    store.Store
	instance string
	now      func() time.Time
}

// NewJournalSink creates a journal writer tagging records with instance.
func NewJournalSink(st store.Store, instance string) *JournalSink {
	return &JournalSink{store: st, instance: instance, now: time.Now}
}

func (j *JournalSink) Name() string { return "journal" }

func (j *JournalSink) Handle(ctx context.Context, e model.Event) error {
	rec := &model.EventRecord{
		ID:         uuid.New().String(),
		Type:       e.Type,
		Kind:       e.Kind,
		Amount:     e.Amount,
		Price:      e.Price,
		Token:      e.Token,
		Tick:       e.Tick,
		Instance:   j.instance,
		RecordedAt: j.now().UTC(),
	}
	if err := j.store.InsertEvent(ctx, rec); err != nil {
		return fmt.Errorf("journal %s: %w", e.Token, err)
	}
	return nil
}
