package msgclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDrainInProgress = errors.New("msgclient: drain already in progress")
	ErrEntryNotFound   = errors.New("msgclient: outbox entry not found")
)

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryFailed  EntryStatus = "failed"
)

// Entry is a send that has not been confirmed by the server. LocalID doubles
// as the clientMessageId, so a replay of an entry the server already stored
// is deduplicated there.
type Entry struct {
	LocalID        string      `json:"local_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Payload        string      `json:"payload"`
	CreatedAt      time.Time   `json:"created_at"`
	Status         EntryStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error,omitempty"`
}

// SendFunc delivers one entry. Errors wrapping ErrRejected mark the entry
// failed; any other error stops the drain.
type SendFunc func(ctx context.Context, e Entry) error

type DrainReport struct {
	Sent      []string
	Failed    []string
	Expired   []string
	Remaining int
}

type OutboxOptions struct {
	// MaxAge fails pending entries older than this instead of sending them.
	// Zero keeps entries forever.
	MaxAge time.Duration
	Clock  func() time.Time
}

// Outbox is the device's durable queue of unsent messages, persisted as a
// JSON file.
type Outbox struct {
	path   string
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry

	draining sync.Mutex
}

// OpenOutbox loads the queue at path. A missing file is an empty queue.
func OpenOutbox(path string, opts OutboxOptions) (*Outbox, error) {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	o := &Outbox{path: path, maxAge: opts.MaxAge, now: now}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return o, nil
	case err != nil:
		return nil, err
	}
	if len(data) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(data, &o.entries); err != nil {
		return nil, fmt.Errorf("read outbox %s: %w", path, err)
	}
	return o, nil
}

// Enqueue appends a pending send and persists the queue before returning.
func (o *Outbox) Enqueue(convID uuid.UUID, payload string) (string, error) {
	if convID == uuid.Nil {
		return "", errors.New("msgclient: conversation id is required")
	}
	e := Entry{
		LocalID:        uuid.NewString(),
		ConversationID: convID,
		Payload:        payload,
		CreatedAt:      o.now().UTC(),
		Status:         EntryPending,
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	if err := o.saveLocked(); err != nil {
		o.entries = o.entries[:len(o.entries)-1]
		return "", err
	}
	return e.LocalID, nil
}

// Entries returns a copy of the queue in enqueue order.
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Entry(nil), o.entries...)
}

func (o *Outbox) Remove(localID string) error {
	return o.mutate(localID, func(i int) {
		o.entries = append(o.entries[:i], o.entries[i+1:]...)
	})
}

// Retry moves a failed entry back to pending.
func (o *Outbox) Retry(localID string) error {
	return o.mutate(localID, func(i int) {
		o.entries[i].Status = EntryPending
		o.entries[i].LastError = ""
		o.entries[i].CreatedAt = o.now().UTC()
	})
}

func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = nil
	return o.saveLocked()
}

func (o *Outbox) mutate(localID string, fn func(i int)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.entries {
		if o.entries[i].LocalID == localID {
			fn(i)
			return o.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrEntryNotFound, localID)
}

// Drain replays pending entries in enqueue order, one at a time. It stops at
// the first transport failure so later messages never overtake earlier ones.
// Only one drain runs at a time.
func (o *Outbox) Drain(ctx context.Context, send SendFunc) (report DrainReport, err error) {
	if !o.draining.TryLock() {
		return DrainReport{}, ErrDrainInProgress
	}
	defer o.draining.Unlock()

	// Remaining is counted after the loop, on every return path.
	defer func() { report.Remaining = o.pendingCount() }()

	for _, e := range o.pending() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if o.maxAge > 0 && o.now().Sub(e.CreatedAt) > o.maxAge {
			if err := o.fail(e.LocalID, "expired before it could be sent", false); err != nil {
				return report, err
			}
			report.Expired = append(report.Expired, e.LocalID)
			continue
		}

		sendErr := send(ctx, e)
		switch {
		case sendErr == nil:
			if err := o.Remove(e.LocalID); err != nil && !errors.Is(err, ErrEntryNotFound) {
				return report, err
			}
			report.Sent = append(report.Sent, e.LocalID)
		case errors.Is(sendErr, ErrRejected):
			if err := o.fail(e.LocalID, sendErr.Error(), true); err != nil {
				return report, err
			}
			report.Failed = append(report.Failed, e.LocalID)
		default:
			if err := o.attempted(e.LocalID, sendErr.Error()); err != nil {
				return report, err
			}
			return report, sendErr
		}
	}
	return report, nil
}

func (o *Outbox) pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Entry
	for _, e := range o.entries {
		if e.Status == EntryPending {
			out = append(out, e)
		}
	}
	return out
}

func (o *Outbox) pendingCount() int {
	return len(o.pending())
}

func (o *Outbox) fail(localID, reason string, attempted bool) error {
	return o.mutate(localID, func(i int) {
		o.entries[i].Status = EntryFailed
		o.entries[i].LastError = reason
		if attempted {
			o.entries[i].Attempts++
		}
	})
}

func (o *Outbox) attempted(localID, reason string) error {
	return o.mutate(localID, func(i int) {
		o.entries[i].Attempts++
		o.entries[i].LastError = reason
	})
}

// saveLocked writes the queue via a temp file and rename so a crash never
// leaves a truncated file behind.
func (o *Outbox) saveLocked() error {
	data, err := json.MarshalIndent(o.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(o.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}
