package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/dupwatch/internal/notify"
)

type memOutbox struct {
	mu      sync.Mutex
	nextID  int64
	entries []notify.Pending
}

func (m *memOutbox) Enqueue(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.entries = append(m.entries, notify.Pending{ID: m.nextID, Notification: n})
	return nil
}

func (m *memOutbox) Dequeue(_ context.Context, max int) ([]notify.Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max > len(m.entries) {
		max = len(m.entries)
	}
	return append([]notify.Pending(nil), m.entries[:max]...), nil
}

func (m *memOutbox) Ack(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	kept := m.entries[:0]
	for _, p := range m.entries {
		if !acked[p.ID] {
			kept = append(kept, p)
		}
	}
	m.entries = kept
	return nil
}

func (m *memOutbox) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type recordingSink struct {
	mu     sync.Mutex
	got    []notify.Notification
	failAt string
}

func (s *recordingSink) Deliver(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Path == s.failAt {
		return errors.New("sink offline")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, n := range s.got {
		out[i] = n.Path
	}
	return out
}

type consoleLines struct {
	mu    sync.Mutex
	lines []string
}

func (c *consoleLines) Log(msg string) {
	c.mu.Lock()
	c.lines = append(c.lines, msg)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcher_DrainDeliversInOrderAndAcks(t *testing.T) {
	ctx := context.Background()
	box := &memOutbox{}
	sink := &recordingSink{}
	d := notify.NewDispatcher(box, sink, notify.DispatcherOptions{BatchSize: 2, Logger: quietLogger()})

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(ctx, notify.Notification{Path: p}))
	}
	assert.Equal(t, 3, d.Stats().Pending)

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{"a", "b", "c"}, sink.paths())
	st := d.Stats()
	assert.Equal(t, int64(3), st.Delivered)
	assert.Equal(t, 0, st.Pending)
}

func TestDispatcher_FailedDeliveryIsRetried(t *testing.T) {
	ctx := context.Background()
	box := &memOutbox{}
	sink := &recordingSink{failAt: "b"}
	d := notify.NewDispatcher(box, sink, notify.DispatcherOptions{Logger: quietLogger()})

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(ctx, notify.Notification{Path: p}))
	}

	n, err := d.DrainOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, box.Depth(), "failed entry and the rest stay queued")

	sink.mu.Lock()
	sink.failAt = ""
	sink.mu.Unlock()

	n, err = d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c"}, sink.paths())
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestDispatcher_DirectDeliveryWithoutOutbox(t *testing.T) {
	sink := &recordingSink{}
	d := notify.NewDispatcher(nil, sink, notify.DispatcherOptions{Logger: quietLogger()})

	require.NoError(t, d.Notify(context.Background(), notify.Notification{Path: "x"}))
	assert.Equal(t, []string{"x"}, sink.paths())
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	box := &memOutbox{}
	sink := &recordingSink{}
	d := notify.NewDispatcher(box, sink, notify.DispatcherOptions{
		PollInterval: 5 * time.Millisecond,
		Logger:       quietLogger(),
	})
	require.NoError(t, d.Notify(context.Background(), notify.Notification{Path: "late"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return box.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBlocked(t *testing.T) {
	cases := map[string]bool{
		`C:\Users\a\setup.EXE`: true,
		"/tmp/run.ps1":         true,
		"/tmp/link.lnk":        true,
		"/tmp/payload.html":    true,
		"/tmp/tool.py":         true,
		"/tmp/app.desktop":     true,
		"/tmp/job.wsf":         true,
		"/tmp/panel.cpl":       true,
		"/tmp/report.pdf":      false,
		"/tmp/noext":           false,
		"/tmp/archive.tar.gz":  false,
	}
	for path, want := range cases {
		assert.Equal(t, want, notify.Blocked(path), path)
	}
}

// deliverClickable delivers a clickable notification for path through d
// and returns the ID the sink received.
func deliverClickable(t *testing.T, d *notify.Dispatcher, sink *recordingSink, path string) string {
	t.Helper()
	require.NoError(t, d.Notify(context.Background(), notify.Notification{Title: "Created", Path: path, Clickable: true}))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.got)
	id := sink.got[len(sink.got)-1].ID
	require.NotEmpty(t, id)
	return id
}

func TestClick(t *testing.T) {
	dir := t.TempDir()
	safe := filepath.Join(dir, "photo.jpg")
	unsafe := filepath.Join(dir, "tool.bat")
	gone := filepath.Join(dir, "gone.txt")
	for _, p := range []string{safe, unsafe, gone} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	var opened []string
	console := &consoleLines{}
	sink := &recordingSink{}
	d := notify.NewDispatcher(nil, sink, notify.DispatcherOptions{
		Opener:  notify.OpenerFunc(func(p string) error { opened = append(opened, p); return nil }),
		Console: console,
		Logger:  quietLogger(),
	})

	safeID := deliverClickable(t, d, sink, safe)
	unsafeID := deliverClickable(t, d, sink, unsafe)
	goneID := deliverClickable(t, d, sink, gone)
	require.NoError(t, os.Remove(gone))

	require.NoError(t, d.Click(safeID))
	assert.ErrorIs(t, d.Click(unsafeID), notify.ErrBlocked)
	assert.ErrorIs(t, d.Click(goneID), os.ErrNotExist)

	assert.Equal(t, []string{safe}, opened)
	assert.Equal(t, int64(1), d.Stats().Blocked)
	require.Len(t, console.lines, 2)
	assert.Contains(t, console.lines[0], "[SECURITY] Blocked potentially unsafe file")
	assert.Contains(t, console.lines[1], "[WARNING] File no longer exists")
}

func TestClick_OnlyDeliveredNotifications(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	var opened []string
	sink := &recordingSink{}
	d := notify.NewDispatcher(nil, sink, notify.DispatcherOptions{
		Opener: notify.OpenerFunc(func(p string) error { opened = append(opened, p); return nil }),
		Logger: quietLogger(),
	})

	// a raw path is not a notification ID
	assert.ErrorIs(t, d.Click(target), notify.ErrUnknownNotification)
	assert.ErrorIs(t, d.Click(""), notify.ErrUnknownNotification)

	// non-clickable notifications are never assigned an ID
	require.NoError(t, d.Notify(context.Background(), notify.Notification{Title: "Removed", Path: target}))
	require.Len(t, sink.got, 1)
	assert.Empty(t, sink.got[0].ID)

	// a failed delivery leaves no clickable ID behind
	sink.failAt = target
	require.Error(t, d.Notify(context.Background(), notify.Notification{Title: "Created", Path: target, Clickable: true}))
	assert.Len(t, sink.got, 1)

	assert.Empty(t, opened)
}

func TestClick_AfterOutboxDelivery(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	var opened []string
	ob := &memOutbox{}
	sink := &recordingSink{}
	d := notify.NewDispatcher(ob, sink, notify.DispatcherOptions{
		Opener: notify.OpenerFunc(func(p string) error { opened = append(opened, p); return nil }),
		Logger: quietLogger(),
	})
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, notify.Notification{Path: target, Clickable: true}))
	assert.Empty(t, ob.entries[0].Notification.ID, "IDs are issued on delivery, not on enqueue")

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	id := sink.got[0].ID
	require.NotEmpty(t, id)

	require.NoError(t, d.Click(id))
	assert.Equal(t, []string{target}, opened)
}
