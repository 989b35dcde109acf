package pregao

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/licitabr/pregao-core/pregao"
)

// fakeClock is an injectable deterministic clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeStore is an in-memory core.Store. Setting fail makes every write
// return an error, for exercising the rollback paths.
type fakeStore struct {
	mu       sync.Mutex
	fail     bool
	sessions map[string]core.Session
	bids     []core.Bid
	events   []core.AuditEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]core.Session)}
}

func (f *fakeStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeStore) CreateSession(_ context.Context, s core.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) UpdateSession(_ context.Context, s core.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (core.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return core.Session{}, core.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeStore) ListOpenSessions(context.Context) ([]core.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateBid(_ context.Context, b core.Bid) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.bids = append(f.bids, b)
	return nil
}

func (f *fakeStore) SetBidCancelled(_ context.Context, bidID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	for i := range f.bids {
		if f.bids[i].ID == bidID {
			f.bids[i].Cancelled = true
			return nil
		}
	}
	return core.ErrBidNotFound
}

func (f *fakeStore) ListBids(_ context.Context, sessionID, itemID string) ([]core.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Bid
	for _, b := range f.bids {
		if b.SessionID == sessionID && b.ItemID == itemID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateEvent(_ context.Context, e core.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) ListEvents(_ context.Context, sessionID string) ([]core.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.AuditEvent
	for _, e := range f.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) eventKinds(sessionID string) []core.EventKind {
	events, _ := f.ListEvents(context.Background(), sessionID)
	kinds := make([]core.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

var _ core.Store = (*fakeStore)(nil)

func newTestEngine(t *testing.T, store core.Store, clock *fakeClock) *Engine {
	t.Helper()
	e, err := New(store, Config{
		InactivityTimeout: time.Second * 180,
		WindowMin:         time.Minute * 2,
		WindowMax:         time.Minute * 30,
		// The real ticker stays quiet; tests drive tickAll by hand.
		TickInterval: time.Hour,
		Rand:         rand.New(rand.NewSource(42)),
		Now:          clock.now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func createRunningSession(t *testing.T, e *Engine, items ...string) core.Session {
	t.Helper()
	ctx := context.Background()
	its := make([]core.Item, len(items))
	for i, id := range items {
		its[i] = core.Item{ID: id, Description: "item " + id}
	}
	sess, err := e.CreateSession(ctx, "", "proc-77", its)
	require.NoError(t, err)
	require.NoError(t, e.StartItemDispute(ctx, sess.ID, items[0], "Pregoeiro"))
	return sess
}

func (e *Engine) sessionForTest(t *testing.T, id string) core.Session {
	t.Helper()
	s, err := e.actor(id)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.session()
}

func TestNewEventID(t *testing.T) {
	t.Parallel()
	e := &Engine{}

	// Ensure monotonic, also within the same millisecond.
	now := time.Now()
	var last string
	for i := 0; i < 10000; i++ {
		id, err := e.newID(now)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, id, last)
		}
		last = id
	}
}

func TestCreateSessionAwaitsStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)

	_, err := e.CreateSession(ctx, "s1", "proc-1", nil)
	require.Error(t, err, "a session needs at least one item")

	sess, err := e.CreateSession(ctx, "s1", "proc-1", []core.Item{{ID: "i1"}})
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusAwaitingStart, sess.Status)

	// No bids before the auctioneer opens the dispute.
	_, err = e.SubmitBid(ctx, "s1", "i1", "alice", dec("100"), "10.0.0.1")
	var reject *core.BidRejectedError
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectSessionNotOpen, reject.Reason)
}

func TestStartItemDisputeStartsSession(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)

	sess := createRunningSession(t, e, "i1", "i2")
	got := e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusRunning, got.Status)
	assert.Equal(t, "i1", got.CurrentItemID)
	assert.Equal(t, []core.EventKind{
		core.EventSessionStarted,
		core.EventItemDisputeStarted,
	}, store.eventKinds(sess.ID))
}

func TestSubmitBidArbitration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1", "i2")

	var reject *core.BidRejectedError

	_, err := e.SubmitBid(ctx, sess.ID, "i2", "alice", dec("100"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectWrongItem, reject.Reason)

	_, err = e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("0"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectNotImproving, reject.Reason)

	b1, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "alice", b1.BidderID)

	// Ties lose; only a strict decrease is accepted.
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("100.00"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectNotImproving, reject.Reason)

	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("99.99"), "")
	require.NoError(t, err)

	// The best holder must also beat their own standing bid.
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("99.99"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectNotImproving, reject.Reason)

	bids, err := store.ListBids(ctx, sess.ID, "i1")
	require.NoError(t, err)
	require.Len(t, bids, 2, "rejected bids are never recorded")

	// Rejections leave no audit trace.
	for _, k := range store.eventKinds(sess.ID) {
		assert.NotEqual(t, core.EventBidCancelled, k)
	}
}

func TestInactivityOpensRandomWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)

	// One second short of the quiet period: nothing happens.
	e.tickAll(clock.advance(time.Second * 179))
	got := e.sessionForTest(t, sess.ID)
	require.Equal(t, core.SessionStatusRunning, got.Status)

	e.tickAll(clock.advance(time.Second))
	got = e.sessionForTest(t, sess.ID)
	require.Equal(t, core.SessionStatusRandomWindow, got.Status)
	assert.True(t, got.InWindow())
	assert.GreaterOrEqual(t, got.WindowDuration, time.Minute*2)
	assert.LessOrEqual(t, got.WindowDuration, time.Minute*30)

	// A second tick must not re-roll the window.
	duration := got.WindowDuration
	e.tickAll(clock.advance(time.Second))
	got = e.sessionForTest(t, sess.ID)
	assert.Equal(t, duration, got.WindowDuration)

	kinds := store.eventKinds(sess.ID)
	assert.Equal(t, core.EventRandomWindow, kinds[len(kinds)-1])
}

func TestBidDuringWindowExtendsDispute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	e.tickAll(clock.advance(time.Second * 180))
	require.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, sess.ID).Status)

	clock.advance(time.Second * 30)
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("90"), "")
	require.NoError(t, err)

	got := e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusRunning, got.Status, "the window bid reopens the dispute")
	assert.False(t, got.InWindow())
	assert.Equal(t, 1, got.ExtensionsUsed)

	kinds := store.eventKinds(sess.ID)
	assert.Equal(t, core.EventExtensionApplied, kinds[len(kinds)-1])

	// The quiet period restarts; a second window can open later.
	e.tickAll(clock.advance(time.Second * 180))
	assert.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, sess.ID).Status)
}

func TestWindowExpiryClosesItemAndSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)

	var adjudicated []core.Bid
	var adjMu sync.Mutex
	e.cfg.OnAdjudication = func(sessionID string, item core.Item, winner *core.Bid) {
		adjMu.Lock()
		defer adjMu.Unlock()
		if winner != nil {
			adjudicated = append(adjudicated, *winner)
		}
	}

	sess := createRunningSession(t, e, "i1")

	best, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	e.tickAll(clock.advance(time.Second * 180))
	got := e.sessionForTest(t, sess.ID)
	require.Equal(t, core.SessionStatusRandomWindow, got.Status)

	// One tick before expiry the window holds.
	e.tickAll(clock.advance(got.WindowDuration - time.Second))
	require.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, sess.ID).Status)

	e.tickAll(clock.advance(time.Second))

	// The last item closed, so the whole session is terminal and torn down.
	_, err = e.Snapshot(sess.ID)
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusClosed, stored.Status)
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.Items[0].Closed)
	assert.Equal(t, best.ID, stored.Items[0].WinningBidID)

	kinds := store.eventKinds(sess.ID)
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, core.EventItemDisputeEnded, kinds[len(kinds)-2])
	assert.Equal(t, core.EventSessionClosed, kinds[len(kinds)-1])

	events, err := e.ListMinutes(ctx, sess.ID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind == core.EventItemDisputeEnded {
			assert.Equal(t, core.ActorSystem, ev.Actor)
		}
	}

	adjMu.Lock()
	defer adjMu.Unlock()
	require.Len(t, adjudicated, 1)
	assert.Equal(t, best.ID, adjudicated[0].ID)
}

func TestCloseItemAutoStartsNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1", "i2")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	require.NoError(t, e.CloseItemDispute(ctx, sess.ID, "Pregoeiro"))

	got := e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusRunning, got.Status)
	assert.Equal(t, "i2", got.CurrentItemID, "the next open item starts automatically")

	// Bids for the closed item are refused.
	var reject *core.BidRejectedError
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("90"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectWrongItem, reject.Reason)

	// An item with no valid bids closes with no winner.
	require.NoError(t, e.CloseItemDispute(ctx, sess.ID, "Pregoeiro"))
	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusClosed, stored.Status)
	assert.Empty(t, stored.Items[1].WinningBidID)
}

func TestSuspendResumeRestartsQuietPeriod(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	e.tickAll(clock.advance(time.Second * 180))
	require.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, sess.ID).Status)

	require.NoError(t, e.Suspend(ctx, sess.ID, "connectivity incident", "Pregoeiro"))
	got := e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusSuspended, got.Status)
	assert.False(t, got.InWindow(), "suspension discards the interrupted window")

	// Ticks are inert while suspended, no matter how long it lasts.
	e.tickAll(clock.advance(time.Hour * 4))
	require.Equal(t, core.SessionStatusSuspended, e.sessionForTest(t, sess.ID).Status)

	var reject *core.BidRejectedError
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("90"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectSessionNotOpen, reject.Reason)

	require.NoError(t, e.Resume(ctx, sess.ID, "Pregoeiro"))

	// The quiet period restarts from zero, never from where it left off.
	e.tickAll(clock.advance(time.Second * 179))
	require.Equal(t, core.SessionStatusRunning, e.sessionForTest(t, sess.ID).Status)
	e.tickAll(clock.advance(time.Second))
	require.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, sess.ID).Status)

	kinds := store.eventKinds(sess.ID)
	assert.Contains(t, kinds, core.EventSessionSuspended)
	assert.Contains(t, kinds, core.EventSessionResumed)
}

func TestCancelSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	require.NoError(t, e.CancelSession(ctx, sess.ID, "procurement revoked", "Pregoeiro"))
	_, err := e.Snapshot(sess.ID)
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SessionStatusCancelled, stored.Status)

	err = e.CancelSession(ctx, sess.ID, "again", "Pregoeiro")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestCancelBidRestoresPreviousBest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100.00"), "")
	require.NoError(t, err)
	b2, err := e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("95.00"), "")
	require.NoError(t, err)

	require.NoError(t, e.CancelBid(ctx, sess.ID, b2.ID, "typo confirmed by the supplier", "Pregoeiro"))

	// The cancelled amount is competitive again against the restored best.
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "carol", dec("95.00"), "")
	require.NoError(t, err)

	events, err := e.ListMinutes(ctx, sess.ID)
	require.NoError(t, err)
	var cancelled *core.AuditEvent
	for i := range events {
		if events[i].Kind == core.EventBidCancelled {
			cancelled = &events[i]
		}
	}
	require.NotNil(t, cancelled)
	assert.Equal(t, "typo confirmed by the supplier", cancelled.Description)
	assert.Equal(t, b2.ID, cancelled.BidID)
	assert.Equal(t, "Pregoeiro", cancelled.Actor)

	err = e.CancelBid(ctx, sess.ID, "nope", "x", "Pregoeiro")
	require.ErrorIs(t, err, core.ErrBidNotFound)
}

func TestMirrorFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	store.setFail(true)

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.ErrorIs(t, err, core.ErrStorageUnavailable)

	err = e.Suspend(ctx, sess.ID, "x", "Pregoeiro")
	require.ErrorIs(t, err, core.ErrStorageUnavailable)

	store.setFail(false)

	// The failed operations left no trace: the session still runs and the
	// rolled-back bid does not count as best.
	got := e.sessionForTest(t, sess.ID)
	require.Equal(t, core.SessionStatusRunning, got.Status)
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)

	bids, err := store.ListBids(ctx, sess.ID, "i1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
}

func TestMirrorFailureInWindowKeepsWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	e.tickAll(clock.advance(time.Second * 180))
	entered := e.sessionForTest(t, sess.ID)
	require.Equal(t, core.SessionStatusRandomWindow, entered.Status)

	store.setFail(true)
	clock.advance(time.Second * 10)
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("90"), "")
	require.ErrorIs(t, err, core.ErrStorageUnavailable)

	// The rolled-back bid must not consume the closing window or count
	// an extension that has no bid behind it.
	got := e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusRandomWindow, got.Status, "the window survives the rolled-back bid")
	assert.True(t, got.InWindow())
	assert.Equal(t, 0, got.ExtensionsUsed)
	assert.Equal(t, entered.WindowDuration, got.WindowDuration)
	assert.Equal(t, entered.LastBidAt, got.LastBidAt)

	store.setFail(false)
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("90"), "")
	require.NoError(t, err)

	got = e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusRunning, got.Status)
	assert.Equal(t, 1, got.ExtensionsUsed)
}

func TestAuditTimestampsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)

	// The wall clock jumps backwards; the minutes must not.
	clock.set(clock.now().Add(-time.Minute))
	_, err = e.SubmitBid(ctx, sess.ID, "i1", "bob", dec("90"), "")
	require.NoError(t, err)
	require.NoError(t, e.SendChat(ctx, sess.ID, "op", core.RoleAuctioneer, "registrado"))

	events, err := e.ListMinutes(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].RecordedAt.Before(events[i-1].RecordedAt),
			"event %d recorded before its predecessor", i)
		assert.Greater(t, events[i].ID, events[i-1].ID, "ids must sort in legal order")
	}
}

func TestRecoveryFromDurableMirror(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()

	e1 := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e1, "i1")
	_, err := e1.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	best, err := e1.SubmitBid(ctx, sess.ID, "i1", "bob", dec("95"), "")
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := New(store, Config{TickInterval: time.Hour, Now: clock.now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	got := e2.sessionForTest(t, sess.ID)
	assert.Equal(t, core.SessionStatusRunning, got.Status)
	assert.Equal(t, "i1", got.CurrentItemID)

	// Arbitration picks up exactly where it stopped.
	var reject *core.BidRejectedError
	_, err = e2.SubmitBid(ctx, sess.ID, "i1", "carol", dec("95"), "")
	require.ErrorAs(t, err, &reject)
	assert.Equal(t, core.RejectNotImproving, reject.Reason)
	assert.Contains(t, reject.Detail, best.Amount.StringFixed(2))

	_, err = e2.SubmitBid(ctx, sess.ID, "i1", "carol", dec("94.99"), "")
	require.NoError(t, err)
}

func TestAdvancePhase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	require.NoError(t, e.AdvancePhase(ctx, sess.ID, core.PhaseNegotiation, "Pregoeiro"))
	got := e.sessionForTest(t, sess.ID)
	assert.Equal(t, core.PhaseNegotiation, got.Phase)
	kinds := store.eventKinds(sess.ID)
	assert.Equal(t, core.EventPhaseChanged, kinds[len(kinds)-1])
}

func TestConcurrentBidsStrictlyDecrease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	const bidders = 8
	const attempts = 50

	var accepted int64
	var acceptedMu sync.Mutex
	var wg sync.WaitGroup
	for b := 0; b < bidders; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			src := rand.New(rand.NewSource(int64(b)))
			price := decimal.NewFromInt(10000)
			for i := 0; i < attempts; i++ {
				price = price.Sub(decimal.NewFromInt(src.Int63n(20) + 1))
				_, err := e.SubmitBid(ctx, sess.ID, "i1", fmt.Sprintf("bidder-%d", b), price, "")
				if err == nil {
					acceptedMu.Lock()
					accepted++
					acceptedMu.Unlock()
					continue
				}
				var reject *core.BidRejectedError
				assert.ErrorAs(t, err, &reject)
			}
		}(b)
	}
	wg.Wait()

	require.Greater(t, accepted, int64(0))

	// Acceptance order is total and strictly decreasing: no two racing
	// bids ever committed out of order.
	s, err := e.actor(sess.ID)
	require.NoError(t, err)
	s.mu.Lock()
	committed := s.ledger.ranked("i1")
	s.mu.Unlock()
	require.Len(t, committed, int(accepted))
	for i := 1; i < len(committed); i++ {
		assert.True(t, committed[i-1].Amount.LessThan(committed[i].Amount),
			"bid %s (R$ %s) does not strictly beat its predecessor (R$ %s)",
			committed[i-1].ID, committed[i-1].Amount, committed[i].Amount)
	}

	bids, err := store.ListBids(ctx, sess.ID, "i1")
	require.NoError(t, err)
	assert.Len(t, bids, int(accepted), "every accepted bid reached the durable mirror")
}

func TestTickFailureIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)

	sick := createRunningSession(t, e, "i1")
	healthy := createRunningSession(t, e, "i1")

	_, err := e.SubmitBid(ctx, sick.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)
	_, err = e.SubmitBid(ctx, healthy.ID, "i1", "bob", dec("100"), "")
	require.NoError(t, err)

	// Make the sick session's window transition fail durably; the healthy
	// session must still advance on the same tick.
	store.setFail(true)
	e.tickAll(clock.advance(time.Second * 180))
	require.Equal(t, core.SessionStatusRunning, e.sessionForTest(t, sick.ID).Status)
	require.Equal(t, core.SessionStatusRunning, e.sessionForTest(t, healthy.ID).Status)

	store.setFail(false)
	e.tickAll(clock.now())
	assert.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, sick.ID).Status,
		"the failed tick retries once storage is back")
	assert.Equal(t, core.SessionStatusRandomWindow, e.sessionForTest(t, healthy.ID).Status)
}

func TestJoinBroadcastsMaskedSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	op := &fakeSink{}
	alice := &fakeSink{}
	_, err := e.Join(sess.ID, "op", "Maria", core.RoleAuctioneer, "c-op", op)
	require.NoError(t, err)
	clock.advance(time.Second)
	snap, err := e.Join(sess.ID, "alice", "Fornecedora Alice LTDA", core.RoleBidder, "c-alice", alice)
	require.NoError(t, err)

	require.Len(t, snap.Participants, 2)
	assert.Equal(t, "Pregoeiro", snap.Participants[0].Name)
	assert.Equal(t, "Fornecedor 01", snap.Participants[1].Name, "real supplier names never leak")

	_, err = e.SubmitBid(ctx, sess.ID, "i1", "alice", dec("100"), "")
	require.NoError(t, err)

	snap, err = e.Snapshot(sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, "Fornecedor 01", snap.Bids[0].Bidder)
	assert.Equal(t, "100.00", snap.Bids[0].Amount)

	e.Leave(sess.ID, "c-alice")
	snap, err = e.Snapshot(sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.Participants, 1)
}

func TestSendChatIsAudited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	store := newFakeStore()
	e := newTestEngine(t, store, clock)
	sess := createRunningSession(t, e, "i1")

	require.NoError(t, e.SendChat(ctx, sess.ID, "op", core.RoleAuctioneer, "iniciando a disputa do item 1"))

	kinds := store.eventKinds(sess.ID)
	assert.Equal(t, core.EventChatMessage, kinds[len(kinds)-1])

	snap, err := e.Snapshot(sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.Chat, 1)
	assert.Equal(t, "iniciando a disputa do item 1", snap.Chat[0].Text)
}
