package msgclient

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestOutbox(t *testing.T, opts OutboxOptions) (*Outbox, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.json")
	o, err := OpenOutbox(path, opts)
	require.NoError(t, err)
	return o, path
}

func collect(sent *[]string, fail map[string]error) SendFunc {
	return func(_ context.Context, e Entry) error {
		if err, ok := fail[e.LocalID]; ok {
			return err
		}
		*sent = append(*sent, e.LocalID)
		return nil
	}
}

func TestOutboxPersistsAcrossReopen(t *testing.T) {
	o, path := openTestOutbox(t, OutboxOptions{})
	conv := uuid.New()
	first, err := o.Enqueue(conv, "one")
	require.NoError(t, err)
	second, err := o.Enqueue(conv, "two")
	require.NoError(t, err)

	reopened, err := OpenOutbox(path, OutboxOptions{})
	require.NoError(t, err)
	entries := reopened.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, first, entries[0].LocalID)
	require.Equal(t, second, entries[1].LocalID)
	require.Equal(t, EntryPending, entries[0].Status)
	require.Equal(t, "two", entries[1].Payload)

	_, err = o.Enqueue(uuid.Nil, "x")
	require.Error(t, err)
}

func TestDrainStopsAtTransportFailure(t *testing.T) {
	o, _ := openTestOutbox(t, OutboxOptions{})
	conv := uuid.New()
	a, _ := o.Enqueue(conv, "a")
	b, _ := o.Enqueue(conv, "b")
	c, _ := o.Enqueue(conv, "c")

	var sent []string
	offline := errors.New("connection refused")
	report, err := o.Drain(context.Background(), collect(&sent, map[string]error{b: offline}))
	require.ErrorIs(t, err, offline)
	require.Equal(t, []string{a}, sent)
	require.Equal(t, []string{a}, report.Sent)
	require.Equal(t, 2, report.Remaining)

	entries := o.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, b, entries[0].LocalID)
	require.Equal(t, EntryPending, entries[0].Status)
	require.Equal(t, 1, entries[0].Attempts)
	require.Equal(t, "connection refused", entries[0].LastError)

	sent = nil
	report, err = o.Drain(context.Background(), collect(&sent, nil))
	require.NoError(t, err)
	require.Equal(t, []string{b, c}, sent)
	require.Zero(t, report.Remaining)
	require.Empty(t, o.Entries())
}

func TestDrainMarksRejectedFailedAndContinues(t *testing.T) {
	o, _ := openTestOutbox(t, OutboxOptions{})
	conv := uuid.New()
	a, _ := o.Enqueue(conv, "a")
	b, _ := o.Enqueue(conv, "b")

	var sent []string
	report, err := o.Drain(context.Background(), collect(&sent, map[string]error{
		a: &APIError{Status: http.StatusForbidden, Message: "not a participant"},
	}))
	require.NoError(t, err)
	require.Equal(t, []string{b}, sent)
	require.Equal(t, []string{a}, report.Failed)

	entries := o.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, EntryFailed, entries[0].Status)
	require.Contains(t, entries[0].LastError, "not a participant")

	// Failed entries stay visible but are not replayed.
	sent = nil
	_, err = o.Drain(context.Background(), collect(&sent, nil))
	require.NoError(t, err)
	require.Empty(t, sent)

	require.NoError(t, o.Retry(a))
	_, err = o.Drain(context.Background(), collect(&sent, nil))
	require.NoError(t, err)
	require.Equal(t, []string{a}, sent)
}

func TestDrainExpiresOldEntries(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	o, _ := openTestOutbox(t, OutboxOptions{MaxAge: time.Hour, Clock: clock.Now})
	old, _ := o.Enqueue(uuid.New(), "old")
	clock.Advance(2 * time.Hour)
	fresh, _ := o.Enqueue(uuid.New(), "fresh")

	var sent []string
	report, err := o.Drain(context.Background(), collect(&sent, nil))
	require.NoError(t, err)
	require.Equal(t, []string{fresh}, sent)
	require.Equal(t, []string{old}, report.Expired)

	entries := o.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, EntryFailed, entries[0].Status)
	require.Zero(t, entries[0].Attempts)
}

func TestDrainIsSingleFlight(t *testing.T) {
	o, _ := openTestOutbox(t, OutboxOptions{})
	_, err := o.Enqueue(uuid.New(), "a")
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := o.Drain(context.Background(), func(context.Context, Entry) error {
			close(started)
			<-release
			return nil
		})
		done <- err
	}()
	<-started

	_, err = o.Drain(context.Background(), collect(new([]string), nil))
	require.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	require.NoError(t, <-done)
	require.Empty(t, o.Entries())
}

func TestOutboxRemoveAndClear(t *testing.T) {
	o, path := openTestOutbox(t, OutboxOptions{})
	a, _ := o.Enqueue(uuid.New(), "a")
	_, _ = o.Enqueue(uuid.New(), "b")

	require.NoError(t, o.Remove(a))
	require.ErrorIs(t, o.Remove(a), ErrEntryNotFound)
	require.Len(t, o.Entries(), 1)

	require.NoError(t, o.Clear())
	reopened, err := OpenOutbox(path, OutboxOptions{})
	require.NoError(t, err)
	require.Empty(t, reopened.Entries())
}
