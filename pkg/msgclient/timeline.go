package msgclient

import (
	"sort"
	"time"

	"msgsync/internal/domain"

	"github.com/google/uuid"
)

// ItemState is how the device shows a message. Confirmed rows come from the
// server; pending and failed rows come from the outbox.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemConfirmed ItemState = "confirmed"
	ItemFailed    ItemState = "failed"
)

type TimelineItem struct {
	State ItemState
	// LocalID is set for outbox items and for confirmed rows the device sent
	// with a clientMessageId.
	LocalID        string
	ConversationID uuid.UUID
	Ciphertext     string
	At             time.Time
	// Message is set for confirmed items.
	Message   *domain.Message
	LastError string
}

// BuildTimeline merges confirmed server rows with outbox entries. An entry
// whose LocalID matches a confirmed row's clientMessageId was stored by an
// earlier attempt and is dropped. Items are ordered by time, confirmed rows
// first on ties.
func BuildTimeline(confirmed []domain.Message, queued []Entry) []TimelineItem {
	seen := make(map[string]struct{}, len(confirmed))
	items := make([]TimelineItem, 0, len(confirmed)+len(queued))
	for i := range confirmed {
		m := confirmed[i]
		item := TimelineItem{
			State:          ItemConfirmed,
			ConversationID: m.ConversationID,
			Ciphertext:     m.Ciphertext,
			At:             m.CreatedAt,
			Message:        &m,
		}
		if m.ClientMessageID != nil {
			item.LocalID = *m.ClientMessageID
			seen[item.LocalID] = struct{}{}
		}
		items = append(items, item)
	}
	for _, e := range queued {
		if _, ok := seen[e.LocalID]; ok {
			continue
		}
		state := ItemPending
		if e.Status == EntryFailed {
			state = ItemFailed
		}
		items = append(items, TimelineItem{
			State:          state,
			LocalID:        e.LocalID,
			ConversationID: e.ConversationID,
			Ciphertext:     e.Payload,
			At:             e.CreatedAt,
			LastError:      e.LastError,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].At.Equal(items[j].At) {
			return items[i].At.Before(items[j].At)
		}
		return items[i].State == ItemConfirmed && items[j].State != ItemConfirmed
	})
	return items
}

// QueuedFor filters outbox entries down to one conversation.
func QueuedFor(entries []Entry, convID uuid.UUID) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.ConversationID == convID {
			out = append(out, e)
		}
	}
	return out
}
