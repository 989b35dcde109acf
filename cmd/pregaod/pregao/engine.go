package pregao

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	golog "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/licitabr/pregao-core/cmd/pregaod/cast"
	"github.com/licitabr/pregao-core/finalizer"
	core "github.com/licitabr/pregao-core/pregao"
)

var log = golog.Logger("pregao/engine")

// Defaults for the session timing rules.
var (
	// DefaultInactivityTimeout is the quiet period after which the random
	// closing window opens.
	DefaultInactivityTimeout = time.Second * 180
	// DefaultWindowMin and DefaultWindowMax bound the sampled random
	// closing window duration.
	DefaultWindowMin = time.Minute * 2
	DefaultWindowMax = time.Minute * 30
	// DefaultTickInterval is how often active sessions are advanced.
	DefaultTickInterval = time.Second
)

// AdjudicationHandler receives the winning bid reference when an item
// dispute ends, for the surrounding adjudication workflow to pick up.
type AdjudicationHandler func(sessionID string, item core.Item, winner *core.Bid)

// Config defines params for the session engine.
type Config struct {
	InactivityTimeout time.Duration
	WindowMin         time.Duration
	WindowMax         time.Duration
	TickInterval      time.Duration

	// Rand samples the random closing window duration. It is only ever
	// used from the ticker goroutine. Injectable for deterministic tests.
	Rand *rand.Rand
	// Now is the clock. Injectable for deterministic tests.
	Now func() time.Time

	OnAdjudication AdjudicationHandler
}

// Engine runs live dispute sessions: it composes the session state machine,
// the in-memory bid ledger, the closing-timer coordinator, the participant
// registry and the audit trail behind the participant-facing operations.
//
// All state-mutating operations on one session are serialized by that
// session's lock; sessions never contend with each other. The in-memory
// state is authoritative and mirrored to the durable store: state
// transitions mirror while holding the session lock, the bid hot path
// mirrors after releasing it (a crash between decision and durable write can
// lose the last bid; the gap is deliberate and logged, never swallowed).
type Engine struct {
	cfg   Config
	store core.Store
	now   func() time.Time

	lk       sync.Mutex
	sessions map[string]*session

	entropy   *ulid.MonotonicEntropy
	entropyLk sync.Mutex

	ctx       context.Context
	finalizer *finalizer.Finalizer
	wg        sync.WaitGroup

	metricBids         metricCounter
	metricRejectedBids metricCounter
	metricExtensions   metricCounter
	metricClosedItems  metricCounter
}

// session is one independently lifecycled dispute actor, created on first
// activity and torn down when the session reaches a terminal status.
type session struct {
	mu     sync.Mutex
	state  *sessionState
	ledger *ledger

	// lastEventAt clamps audit timestamps so the minutes ordering is
	// monotonically non-decreasing per session.
	lastEventAt time.Time

	registry *registry
}

// New returns a new Engine backed by store, recovering open sessions from it.
func New(store core.Store, cfg Config) (*Engine, error) {
	fin := finalizer.NewFinalizer()
	ctx, cancel := context.WithCancel(context.Background())
	fin.Add(finalizer.NewContextCloser(cancel))

	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.WindowMin <= 0 {
		cfg.WindowMin = DefaultWindowMin
	}
	if cfg.WindowMax < cfg.WindowMin {
		cfg.WindowMax = DefaultWindowMax
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		now:       cfg.Now,
		sessions:  make(map[string]*session),
		ctx:       ctx,
		finalizer: fin,
	}
	e.initMetrics()

	if err := e.recover(ctx); err != nil {
		return nil, fin.Cleanupf("recovering open sessions: %v", err)
	}

	e.wg.Add(1)
	go e.runTicker()
	return e, nil
}

// Close stops the ticker and releases resources.
func (e *Engine) Close() error {
	err := e.finalizer.Cleanup(nil)
	e.wg.Wait()
	return err
}

// recover rebuilds the in-memory actors from the durable mirror. Presence is
// not recovered; it is a cache the participants rebuild by reconnecting.
func (e *Engine) recover(ctx context.Context) error {
	open, err := e.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing open sessions: %v", err)
	}
	for _, sess := range open {
		s := &session{
			state:    newSessionState(sess),
			ledger:   newLedger(),
			registry: newRegistry(),
		}
		for _, item := range sess.Items {
			bids, err := e.store.ListBids(ctx, sess.ID, item.ID)
			if err != nil {
				return fmt.Errorf("listing bids of session %s: %v", sess.ID, err)
			}
			s.ledger.load(bids)
		}
		e.sessions[sess.ID] = s
		log.Infof("recovered session %s (%s)", sess.ID, sess.Status)
	}
	return nil
}

func (e *Engine) actor(sessionID string) (*session, error) {
	e.lk.Lock()
	defer e.lk.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, core.ErrSessionNotFound)
	}
	return s, nil
}

func (e *Engine) activeSessions() []*session {
	e.lk.Lock()
	defer e.lk.Unlock()
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// teardown removes a terminal session's actor from the active scan.
func (e *Engine) teardown(sessionID string) {
	e.lk.Lock()
	delete(e.sessions, sessionID)
	e.lk.Unlock()
	log.Debugf("session %s torn down", sessionID)
}

// newID returns a lexically sortable event id. Ids generated from equal or
// ascending timestamps sort in generation order.
func (e *Engine) newID(t time.Time) (string, error) {
	e.entropyLk.Lock()
	defer e.entropyLk.Unlock()
	if e.entropy == nil {
		e.entropy = ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	}
	id, err := ulid.New(ulid.Timestamp(t), e.entropy)
	if err != nil {
		e.entropy = nil
		return "", fmt.Errorf("generating id: %v", err)
	}
	return strings.ToLower(id.String()), nil
}

// stampEvent assigns id, default actor and the per-session monotonic
// timestamp. Caller must hold s.mu.
func (e *Engine) stampEvent(s *session, ev core.AuditEvent) core.AuditEvent {
	now := e.now()
	if now.Before(s.lastEventAt) {
		now = s.lastEventAt
	}
	s.lastEventAt = now
	id, err := e.newID(now)
	if err != nil {
		// entropy exhaustion within one millisecond; ids stay unique
		id = uuid.NewString()
	}
	ev.ID = id
	ev.SessionID = s.state.sess.ID
	ev.RecordedAt = now
	if ev.Actor == "" {
		ev.Actor = core.ActorSystem
	}
	return ev
}

// mirror writes a session snapshot, new bids and audit entries to the
// durable store. The first failure aborts: a silently lost legal record is
// unacceptable, so callers must surface the error.
func (e *Engine) mirror(ctx context.Context, sess core.Session, bids []core.Bid, events []core.AuditEvent) error {
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("updating session: %v", err)
	}
	for _, b := range bids {
		if err := e.store.CreateBid(ctx, b); err != nil {
			return fmt.Errorf("saving bid: %v", err)
		}
	}
	for _, ev := range events {
		if err := e.store.CreateEvent(ctx, ev); err != nil {
			return fmt.Errorf("appending audit event: %v", err)
		}
	}
	return nil
}

// transition runs f under the session lock, stamps the events it returns,
// mirrors durably (still under the lock; transitions are rare and not
// latency sensitive) and broadcasts. On any failure the pre-transition state
// is restored and the session is left untouched.
func (e *Engine) transition(
	ctx context.Context,
	s *session,
	f func(now time.Time) ([]core.AuditEvent, func(), error),
) error {
	now := e.now()
	s.mu.Lock()
	prev := s.state.session()
	events, post, err := f(now)
	if err != nil {
		s.state.sess = prev
		s.mu.Unlock()
		return err
	}
	if len(events) == 0 && post == nil {
		// f decided nothing needed doing (e.g. a timer decision that a
		// concurrent bid already overtook).
		s.mu.Unlock()
		return nil
	}
	for i := range events {
		events[i] = e.stampEvent(s, events[i])
	}
	sess := s.state.session()
	if err := e.mirror(ctx, sess, nil, events); err != nil {
		s.state.sess = prev
		s.mu.Unlock()
		log.Errorf("session %s: durable mirror failed, transition rolled back: %v", sess.ID, err)
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	s.mu.Unlock()

	e.emit(s, events)
	if post != nil {
		post()
	}
	if sess.Status.Terminal() {
		e.teardown(sess.ID)
	}
	return nil
}

// emit broadcasts each audit entry followed by a fresh state snapshot.
func (e *Engine) emit(s *session, events []core.AuditEvent) {
	for _, ev := range events {
		s.registry.broadcast(cast.Envelope{Type: cast.TypeEvent, Payload: cast.EventToView(ev)})
	}
	s.registry.broadcast(cast.Envelope{Type: cast.TypeSnapshot, Payload: e.snapshotOf(s)})
}

func (e *Engine) snapshotOf(s *session) cast.Snapshot {
	s.mu.Lock()
	sess := s.state.session()
	var bids []core.Bid
	if sess.CurrentItemID != "" {
		bids = s.ledger.ranked(sess.CurrentItemID)
	}
	s.mu.Unlock()
	return cast.SnapshotView(
		sess,
		bids,
		s.registry.participants(),
		s.registry.recentChat(),
		s.registry.maskOrdinals(),
		e.now(),
	)
}

// CreateSession registers a new dispute session for a procurement record
// confirmed ready for dispute. The session awaits the auctioneer's start.
func (e *Engine) CreateSession(
	ctx context.Context,
	id, procurementID string,
	items []core.Item,
) (core.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(items) == 0 {
		return core.Session{}, fmt.Errorf("session %s has no items to dispute", id)
	}
	now := e.now()
	sess := core.Session{
		ID:                id,
		ProcurementID:     procurementID,
		Status:            core.SessionStatusAwaitingStart,
		Phase:             core.PhaseOpening,
		Items:             items,
		InactivityTimeout: e.cfg.InactivityTimeout,
		UpdatedAt:         now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return core.Session{}, fmt.Errorf("%w: creating session: %v", core.ErrStorageUnavailable, err)
	}

	e.lk.Lock()
	e.sessions[id] = &session{
		state:    newSessionState(sess),
		ledger:   newLedger(),
		registry: newRegistry(),
	}
	e.lk.Unlock()

	log.Debugf("created session %s for procurement %s", id, procurementID)
	return sess, nil
}

// Join records a participant's presence and returns the current snapshot.
// Reconnecting under a new connection id supersedes the old presence but
// does not affect bid history.
func (e *Engine) Join(
	sessionID, participantID, name string,
	role core.Role,
	connectionID string,
	sink Sink,
) (cast.Snapshot, error) {
	s, err := e.actor(sessionID)
	if err != nil {
		return cast.Snapshot{}, err
	}
	s.registry.join(core.Participant{
		ConnectionID:  connectionID,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Name:          name,
		Role:          role,
		JoinedAt:      e.now(),
	}, sink)
	snap := e.snapshotOf(s)
	s.registry.broadcast(cast.Envelope{Type: cast.TypeSnapshot, Payload: snap})
	return snap, nil
}

// Leave drops a connection's presence. An in-flight bid decision is never
// affected.
func (e *Engine) Leave(sessionID, connectionID string) {
	s, err := e.actor(sessionID)
	if err != nil {
		return
	}
	if _, ok := s.registry.leave(connectionID); ok {
		s.registry.broadcast(cast.Envelope{Type: cast.TypeSnapshot, Payload: e.snapshotOf(s)})
	}
}

// Snapshot returns the externally visible state of a session. It never
// mutates.
func (e *Engine) Snapshot(sessionID string) (cast.Snapshot, error) {
	s, err := e.actor(sessionID)
	if err != nil {
		return cast.Snapshot{}, err
	}
	return e.snapshotOf(s), nil
}

// ListSessions returns a snapshot of every active (non-terminal) session,
// sorted by session id.
func (e *Engine) ListSessions() []cast.Snapshot {
	actors := e.activeSessions()
	out := make([]cast.Snapshot, 0, len(actors))
	for _, s := range actors {
		out = append(out, e.snapshotOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ListMinutes returns the session's electronic minutes: every audit entry in
// ascending legal order. It reads the durable log, so it also serves closed
// sessions.
func (e *Engine) ListMinutes(ctx context.Context, sessionID string) ([]core.AuditEvent, error) {
	events, err := e.store.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %v", err)
	}
	return events, nil
}

// StartItemDispute opens bidding for an item. Starting the first item also
// starts the session itself.
func (e *Engine) StartItemDispute(ctx context.Context, sessionID, itemID, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	return e.transition(ctx, s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		var events []core.AuditEvent
		if s.state.sess.Status == core.SessionStatusAwaitingStart {
			if err := s.state.start(now); err != nil {
				return nil, nil, err
			}
			events = append(events, core.AuditEvent{
				Kind:        core.EventSessionStarted,
				Description: "dispute session opened",
				Actor:       actorName,
			})
		}
		if err := s.state.beginItemDispute(itemID, now); err != nil {
			return nil, nil, err
		}
		events = append(events, core.AuditEvent{
			Kind:        core.EventItemDisputeStarted,
			Description: fmt.Sprintf("dispute started for item %s", itemID),
			ItemID:      itemID,
			Actor:       actorName,
		})
		return events, nil, nil
	})
}

// SubmitBid validates and commits a bid atomically for the session. Bids are
// accepted while running and also during the random closing window, where
// they extend the dispute.
func (e *Engine) SubmitBid(
	ctx context.Context,
	sessionID, itemID, bidderID string,
	amount decimal.Decimal,
	origin string,
) (bid core.Bid, err error) {
	defer func() { e.countBid(ctx, err) }()

	s, aerr := e.actor(sessionID)
	if aerr != nil {
		return core.Bid{}, aerr
	}
	now := e.now()

	s.mu.Lock()
	sess := s.state.sess
	switch sess.Status {
	case core.SessionStatusRunning, core.SessionStatusRandomWindow:
	default:
		s.mu.Unlock()
		return core.Bid{}, &core.BidRejectedError{
			Reason: core.RejectSessionNotOpen,
			Detail: fmt.Sprintf("session is %s", sess.Status),
		}
	}
	if sess.CurrentItemID == "" || itemID != sess.CurrentItemID {
		s.mu.Unlock()
		return core.Bid{}, &core.BidRejectedError{
			Reason: core.RejectWrongItem,
			Detail: fmt.Sprintf("item %s is not under dispute", itemID),
		}
	}
	if !amount.IsPositive() {
		s.mu.Unlock()
		return core.Bid{}, &core.BidRejectedError{
			Reason: core.RejectNotImproving,
			Detail: "amount must be positive",
		}
	}
	if best := s.ledger.best(itemID); best != nil && amount.Cmp(best.Amount) >= 0 {
		s.mu.Unlock()
		return core.Bid{}, &core.BidRejectedError{
			Reason: core.RejectNotImproving,
			Detail: fmt.Sprintf("must be lower than the current best bid of R$ %s", best.Amount.StringFixed(2)),
		}
	}
	if last := s.ledger.lastByBidder(itemID, bidderID); last != nil && amount.Cmp(last.Amount) >= 0 {
		s.mu.Unlock()
		return core.Bid{}, &core.BidRejectedError{
			Reason: core.RejectNotSelfImproving,
			Detail: fmt.Sprintf("must be lower than your previous bid of R$ %s", last.Amount.StringFixed(2)),
		}
	}

	bid = core.Bid{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ItemID:     itemID,
		BidderID:   bidderID,
		Amount:     amount,
		Origin:     origin,
		ReceivedAt: now,
	}
	prev := s.state.session()
	committed := bid
	s.ledger.append(&committed)
	extended := s.state.recordBid(now)

	events := []core.AuditEvent{e.stampEvent(s, core.AuditEvent{
		Kind:        core.EventBidRegistered,
		Description: fmt.Sprintf("bid of R$ %s registered for item %s", amount.StringFixed(2), itemID),
		ItemID:      itemID,
		BidderID:    bidderID,
		BidID:       bid.ID,
		Amount:      amount,
	})}
	if extended {
		events = append(events, e.stampEvent(s, core.AuditEvent{
			Kind:        core.EventExtensionApplied,
			Description: "bid during the random closing window extended the dispute",
			ItemID:      itemID,
			BidderID:    bidderID,
			BidID:       bid.ID,
		}))
	}
	sessCopy := s.state.session()
	s.mu.Unlock()

	// Durable mirror happens outside the session lock so storage latency
	// never serializes into concurrent arbitration. A crash between the
	// decision above and this write loses the bid; that gap is the
	// documented cost of keeping the lock short.
	if merr := e.mirror(ctx, sessCopy, []core.Bid{bid}, events); merr != nil {
		s.mu.Lock()
		switch {
		case !s.ledger.removeIfHead(&committed):
			log.Errorf("session %s: cannot roll back bid %s, later bids committed on top; durable record is behind",
				sessionID, bid.ID)
		case s.state.sess.Status == sessCopy.Status && s.state.sess.LastBidAt.Equal(sessCopy.LastBidAt):
			// No transition raced in between the unlock and here, so the
			// inactivity clock, the closing window and the extension
			// counter go back to their pre-bid values.
			s.state.sess = prev
		default:
			log.Errorf("session %s: cannot restore pre-bid state after bid %s, a later transition committed on top",
				sessionID, bid.ID)
		}
		s.mu.Unlock()
		return core.Bid{}, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, merr)
	}

	if extended {
		e.countExtension(ctx)
	}
	log.Debugf("session %s: accepted bid %s of R$ %s from %s", sessionID, bid.ID, amount.StringFixed(2), bidderID)
	e.emit(s, events)
	return bid, nil
}

// CancelBid flags a bid as cancelled. Operator-only; the justification is
// recorded verbatim in the audit trail. Ordering against other bids is not
// re-validated: a cancelled bid simply stops counting toward best and
// last-by-bidder on the next query.
func (e *Engine) CancelBid(ctx context.Context, sessionID, bidID, justification, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	b, err := s.ledger.cancel(bidID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ev := e.stampEvent(s, core.AuditEvent{
		Kind:        core.EventBidCancelled,
		Description: justification,
		ItemID:      b.ItemID,
		BidderID:    b.BidderID,
		BidID:       b.ID,
		Amount:      b.Amount,
		Payload:     map[string]string{"justification": justification},
		Actor:       actorName,
	})
	s.mu.Unlock()

	if merr := func() error {
		if err := e.store.SetBidCancelled(ctx, bidID); err != nil {
			return fmt.Errorf("flagging bid cancelled: %v", err)
		}
		if err := e.store.CreateEvent(ctx, ev); err != nil {
			return fmt.Errorf("appending audit event: %v", err)
		}
		return nil
	}(); merr != nil {
		s.mu.Lock()
		b.Cancelled = false
		s.mu.Unlock()
		log.Errorf("session %s: durable mirror failed, bid cancellation rolled back: %v", sessionID, merr)
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, merr)
	}

	e.emit(s, []core.AuditEvent{ev})
	return nil
}

// CloseItemDispute is the auctioneer's manual override of the closing timer.
func (e *Engine) CloseItemDispute(ctx context.Context, sessionID, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	return e.transition(ctx, s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		return e.closeItemLocked(s, now, actorName, "dispute ended by the auctioneer")
	})
}

// closeItemLocked ends the current item's dispute and auto-starts the next
// open item when one remains. Caller must hold s.mu (via transition).
func (e *Engine) closeItemLocked(
	s *session,
	now time.Time,
	actorName, cause string,
) ([]core.AuditEvent, func(), error) {
	itemID := s.state.sess.CurrentItemID
	winner := s.ledger.best(itemID)

	winnerID := ""
	if winner != nil {
		winnerID = winner.ID
	}
	item, sessionClosed, err := s.state.closeCurrentItem(winnerID, now)
	if err != nil {
		return nil, nil, err
	}

	desc := cause + "; no valid bids"
	ev := core.AuditEvent{
		Kind:        core.EventItemDisputeEnded,
		Description: desc,
		ItemID:      item.ID,
		Actor:       actorName,
	}
	if winner != nil {
		ev.Description = fmt.Sprintf("%s; best bid R$ %s", cause, winner.Amount.StringFixed(2))
		ev.BidderID = winner.BidderID
		ev.BidID = winner.ID
		ev.Amount = winner.Amount
	}
	events := []core.AuditEvent{ev}

	if sessionClosed {
		events = append(events, core.AuditEvent{
			Kind:        core.EventSessionClosed,
			Description: "all items disputed; session closed",
			Actor:       actorName,
		})
	} else if next := s.state.nextOpenItem(); next != nil {
		nextID := next.ID
		if err := s.state.beginItemDispute(nextID, now); err != nil {
			return nil, nil, err
		}
		events = append(events, core.AuditEvent{
			Kind:        core.EventItemDisputeStarted,
			Description: fmt.Sprintf("dispute started for item %s", nextID),
			ItemID:      nextID,
		})
	}

	var post func()
	if handler := e.cfg.OnAdjudication; handler != nil && winner != nil {
		w := *winner
		sessionID := s.state.sess.ID
		post = func() { handler(sessionID, item, &w) }
	}
	e.countClosedItem(context.Background())
	return events, post, nil
}

// Suspend pauses the session. Suspending mid-window discards the window; it
// is re-rolled from a fresh inactivity period after resume.
func (e *Engine) Suspend(ctx context.Context, sessionID, reason, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	return e.transition(ctx, s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		if err := s.state.suspend(reason, now); err != nil {
			return nil, nil, err
		}
		return []core.AuditEvent{{
			Kind:        core.EventSessionSuspended,
			Description: reason,
			Actor:       actorName,
		}}, nil, nil
	})
}

// Resume returns a suspended session to open bidding. The inactivity clock
// restarts from zero.
func (e *Engine) Resume(ctx context.Context, sessionID, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	return e.transition(ctx, s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		if err := s.state.resume(now); err != nil {
			return nil, nil, err
		}
		return []core.AuditEvent{{
			Kind:        core.EventSessionResumed,
			Description: "session resumed",
			Actor:       actorName,
		}}, nil, nil
	})
}

// CancelSession terminates the session from any non-terminal state.
func (e *Engine) CancelSession(ctx context.Context, sessionID, reason, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	return e.transition(ctx, s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		if err := s.state.cancel(now); err != nil {
			return nil, nil, err
		}
		return []core.AuditEvent{{
			Kind:        core.EventSessionCancelled,
			Description: reason,
			Actor:       actorName,
		}}, nil, nil
	})
}

// AdvancePhase records the legal-workflow stage advanced by the surrounding
// procurement system.
func (e *Engine) AdvancePhase(ctx context.Context, sessionID string, phase core.Phase, actorName string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	return e.transition(ctx, s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		s.state.setPhase(phase, now)
		return []core.AuditEvent{{
			Kind:        core.EventPhaseChanged,
			Description: fmt.Sprintf("phase advanced to %s", phase),
			Actor:       actorName,
		}}, nil, nil
	})
}

// SendChat appends a chat message. Chat is part of the electronic minutes,
// so the entry is durably audited before it is broadcast.
func (e *Engine) SendChat(ctx context.Context, sessionID, participantID string, role core.Role, text string) error {
	s, err := e.actor(sessionID)
	if err != nil {
		return err
	}
	now := e.now()
	msg := core.ChatMessage{
		SessionID: sessionID,
		Sender:    participantID,
		Role:      role,
		Text:      text,
		SentAt:    now,
	}

	s.mu.Lock()
	ev := e.stampEvent(s, core.AuditEvent{
		Kind:        core.EventChatMessage,
		Description: text,
		Actor:       participantID,
	})
	s.mu.Unlock()

	if err := e.store.CreateEvent(ctx, ev); err != nil {
		return fmt.Errorf("%w: appending audit event: %v", core.ErrStorageUnavailable, err)
	}
	s.registry.addChat(msg)
	e.emit(s, []core.AuditEvent{ev})
	return nil
}
