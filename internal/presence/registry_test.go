package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/presence/presencetest"
	"cipherchat/internal/protocol"
)

type recordedStatus struct {
	uid      string
	status   protocol.Status
	lastSeen *time.Time
}

type fakeRecorder struct {
	mu   sync.Mutex
	got  []recordedStatus
	fail bool
}

func (f *fakeRecorder) RecordStatus(_ context.Context, uid string, status protocol.Status, lastSeen *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, recordedStatus{uid, status, lastSeen})
	if f.fail {
		return errors.New("store down")
	}
	return nil
}

func (f *fakeRecorder) recorded() []recordedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedStatus(nil), f.got...)
}

// slowRecorder blocks every write until release is closed or the write's
// context expires.
type slowRecorder struct {
	fakeRecorder
	release chan struct{}
}

func (s *slowRecorder) RecordStatus(ctx context.Context, uid string, status protocol.Status, lastSeen *time.Time) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.fakeRecorder.RecordStatus(ctx, uid, status, lastSeen)
}

func TestRegisterNotifiesWatchersOnce(t *testing.T) {
	rec := &fakeRecorder{}
	r := NewRegistry(rec, nil)
	ctx := context.Background()

	watcher := presencetest.NewConn("bob")
	r.Subscribe(watcher, []string{"alice"})

	alice := presencetest.NewConn("alice")
	r.Register(ctx, "alice", alice)

	updates := watcher.Events(protocol.EventStatusUpdate)
	require.Len(t, updates, 1)
	st := updates[0].Data.(protocol.StatusUpdate)
	assert.Equal(t, "alice", st.UID)
	assert.Equal(t, protocol.StatusOnline, st.Status)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, alice, got)

	require.True(t, r.Unregister(ctx, "alice", alice))
	updates = watcher.Events(protocol.EventStatusUpdate)
	require.Len(t, updates, 2)
	st = updates[1].Data.(protocol.StatusUpdate)
	assert.Equal(t, protocol.StatusOffline, st.Status)
	require.NotNil(t, st.LastSeen)

	_, ok = r.Lookup("alice")
	assert.False(t, ok)

	r.Close()
	recs := rec.recorded()
	require.Len(t, recs, 2)
	assert.Equal(t, protocol.StatusOnline, recs[0].status)
	assert.Nil(t, recs[0].lastSeen)
	assert.Equal(t, protocol.StatusOffline, recs[1].status)
	assert.NotNil(t, recs[1].lastSeen)
}

func TestSlowRecorderDoesNotBlockRegistration(t *testing.T) {
	rec := &slowRecorder{release: make(chan struct{})}
	r := NewRegistry(rec, nil)
	ctx := context.Background()

	watcher := presencetest.NewConn("carol")
	r.Subscribe(watcher, []string{"bob"})

	alice, bob := presencetest.NewConn("alice"), presencetest.NewConn("bob")
	start := time.Now()
	r.Register(ctx, "alice", alice)
	r.Register(ctx, "bob", bob)
	require.True(t, r.Unregister(ctx, "alice", alice))
	assert.Less(t, time.Since(start), time.Second, "registration waited on a status write")

	assert.True(t, r.Online("bob"))
	assert.Len(t, watcher.Events(protocol.EventStatusUpdate), 1)
	assert.Empty(t, rec.recorded())

	close(rec.release)
	r.Close()
	got := rec.recorded()
	require.Len(t, got, 3)
	assert.Equal(t, recordedStatus{"alice", protocol.StatusOnline, nil}, got[0])
	assert.Equal(t, "bob", got[1].uid)
	assert.Equal(t, protocol.StatusOffline, got[2].status)
}

func TestStatusWritesSurviveCallerCancellation(t *testing.T) {
	rec := &fakeRecorder{}
	r := NewRegistry(rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Register(ctx, "alice", presencetest.NewConn("alice"))
	r.Close()
	require.Len(t, rec.recorded(), 1)

	r.Register(context.Background(), "bob", presencetest.NewConn("bob"))
	assert.Len(t, rec.recorded(), 1, "changes after Close are not recorded")
}

func TestLastConnectWins(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	first := presencetest.NewConn("alice")
	second := presencetest.NewConn("alice")

	assert.Nil(t, r.Register(ctx, "alice", first))
	prev := r.Register(ctx, "alice", second)
	assert.Same(t, first, prev)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	// The replaced connection closing must not take the user offline.
	watcher := presencetest.NewConn("bob")
	r.Subscribe(watcher, []string{"alice"})
	assert.False(t, r.Unregister(ctx, "alice", first))
	assert.True(t, r.Online("alice"))
	assert.Empty(t, watcher.Frames())
	assert.Equal(t, 1, r.Len())
}

func TestSubscribeIgnoresBlankAndDuplicates(t *testing.T) {
	r := NewRegistry(nil, nil)
	watcher := presencetest.NewConn("bob")

	r.Subscribe(watcher, nil)
	r.Subscribe(watcher, []string{""})
	r.Subscribe(watcher, []string{"alice", "alice"})
	r.Subscribe(watcher, []string{"alice"})

	r.Register(context.Background(), "alice", presencetest.NewConn("alice"))
	assert.Len(t, watcher.Events(protocol.EventStatusUpdate), 1)
}

func TestForgetStopsUpdates(t *testing.T) {
	r := NewRegistry(nil, nil)
	watcher := presencetest.NewConn("bob")
	r.Subscribe(watcher, []string{"alice", "carol"})
	r.Forget(watcher)

	r.Register(context.Background(), "alice", presencetest.NewConn("alice"))
	r.Register(context.Background(), "carol", presencetest.NewConn("carol"))
	assert.Empty(t, watcher.Frames())
}

func TestRecorderFailureDoesNotBlockDelivery(t *testing.T) {
	r := NewRegistry(&fakeRecorder{fail: true}, nil)
	t.Cleanup(r.Close)
	watcher := presencetest.NewConn("bob")
	r.Subscribe(watcher, []string{"alice"})

	r.Register(context.Background(), "alice", presencetest.NewConn("alice"))
	assert.Len(t, watcher.Events(protocol.EventStatusUpdate), 1)
	assert.True(t, r.Online("alice"))
}

func TestCloseDropsEverything(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(context.Background(), "alice", presencetest.NewConn("alice"))
	r.Close()
	assert.Equal(t, 0, r.Len())
}

func TestRecordersFanOut(t *testing.T) {
	a, b := &fakeRecorder{fail: true}, &fakeRecorder{}
	err := Recorders{a, b}.RecordStatus(context.Background(), "alice", protocol.StatusOnline, nil)
	assert.Error(t, err)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}
