package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tripwire/fimd/internal/store"
)

// EventGetter is the store lookup CrossCheck needs.
type EventGetter interface {
	GetEvent(ctx context.Context, id int64) (store.EventRecord, error)
}

// Mismatch describes one journalled event that disagrees with the store.
type Mismatch struct {
	Seq     int64  `json:"seq"`
	EventID int64  `json:"event_id"`
	Reason  string `json:"reason"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("seq %d, event %d: %s", m.Seq, m.EventID, m.Reason)
}

// CrossCheck compares each journalled event against the stored row with the
// same id. It returns every mismatch found; an error is returned only when
// the store itself fails.
func CrossCheck(ctx context.Context, entries []Entry, events EventGetter) ([]Mismatch, error) {
	var out []Mismatch
	for _, e := range entries {
		var p EventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("audit: cross-check seq %d: %w", e.Seq, err)
		}
		if p.Type != TypeEvent {
			continue
		}

		rec, err := events.GetEvent(ctx, p.EventID)
		if errors.Is(err, store.ErrNotFound) {
			out = append(out, Mismatch{Seq: e.Seq, EventID: p.EventID, Reason: "event missing from store"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("audit: cross-check event %d: %w", p.EventID, err)
		}

		switch {
		case rec.Kind.String() != p.Kind:
			out = append(out, Mismatch{Seq: e.Seq, EventID: p.EventID,
				Reason: fmt.Sprintf("kind %s in store, %s journalled", rec.Kind, p.Kind)})
		case rec.Path != p.Path:
			out = append(out, Mismatch{Seq: e.Seq, EventID: p.EventID,
				Reason: fmt.Sprintf("path %q in store, %q journalled", rec.Path, p.Path)})
		case DiffDigest(rec.Diff) != p.DiffSHA256:
			out = append(out, Mismatch{Seq: e.Seq, EventID: p.EventID, Reason: "diff altered"})
		}
	}
	return out, nil
}
