package pregao

import (
	"fmt"
	"time"

	core "github.com/licitabr/pregao-core/pregao"
)

// sessionState owns one session's status, current item and timing fields.
// Its methods are the only code that mutates them. Callers must hold the
// owning session's lock.
type sessionState struct {
	sess core.Session
}

func newSessionState(s core.Session) *sessionState {
	return &sessionState{sess: s}
}

// session returns a copy safe to use after the lock is released.
func (st *sessionState) session() core.Session {
	c := st.sess
	c.Items = append([]core.Item(nil), st.sess.Items...)
	return c
}

func (st *sessionState) touch(now time.Time) {
	st.sess.UpdatedAt = now
}

// start moves the session from awaiting-start to running.
func (st *sessionState) start(now time.Time) error {
	if st.sess.Status != core.SessionStatusAwaitingStart {
		return fmt.Errorf("starting session in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	st.sess.Status = core.SessionStatusRunning
	st.sess.StartedAt = now
	st.touch(now)
	return nil
}

// beginItemDispute puts itemID under active bidding and restarts the
// inactivity clock. Allowed while running with no open dispute in progress.
func (st *sessionState) beginItemDispute(itemID string, now time.Time) error {
	if st.sess.Status != core.SessionStatusRunning {
		return fmt.Errorf("starting item dispute in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	if st.sess.CurrentItemID != "" {
		return fmt.Errorf("item %s dispute still open: %w", st.sess.CurrentItemID, core.ErrInvalidTransition)
	}
	item := st.item(itemID)
	if item == nil {
		return fmt.Errorf("item %s: %w", itemID, core.ErrItemNotFound)
	}
	if item.Closed {
		return fmt.Errorf("item %s dispute already ended: %w", itemID, core.ErrInvalidTransition)
	}
	st.sess.CurrentItemID = itemID
	st.clearWindow()
	st.sess.LastBidAt = now
	st.touch(now)
	return nil
}

// recordBid restamps the inactivity clock. If the random closing window was
// active it is cleared, the extension counter is incremented and the session
// returns to running; the returned flag tells the caller to emit the
// extension audit event.
func (st *sessionState) recordBid(now time.Time) (extended bool) {
	st.sess.LastBidAt = now
	if st.sess.Status == core.SessionStatusRandomWindow {
		st.clearWindow()
		st.sess.Status = core.SessionStatusRunning
		st.sess.ExtensionsUsed++
		extended = true
	}
	st.touch(now)
	return extended
}

// enterRandomWindow starts the randomized closing window with the sampled
// duration. Calling it while the window is already active is a no-op; this
// guards double entry from concurrent timer ticks.
func (st *sessionState) enterRandomWindow(duration time.Duration, now time.Time) (entered bool, err error) {
	if st.sess.Status == core.SessionStatusRandomWindow && st.sess.InWindow() {
		return false, nil
	}
	if st.sess.Status != core.SessionStatusRunning {
		return false, fmt.Errorf("entering random window in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	if st.sess.CurrentItemID == "" {
		return false, fmt.Errorf("entering random window with no item under dispute: %w", core.ErrInvalidTransition)
	}
	st.sess.Status = core.SessionStatusRandomWindow
	st.sess.WindowStartedAt = now
	st.sess.WindowDuration = duration
	st.touch(now)
	return true, nil
}

// closeCurrentItem ends the dispute of the current item, recording the
// winning bid if any. The session moves back to running when open items
// remain and to closed otherwise.
func (st *sessionState) closeCurrentItem(winningBidID string, now time.Time) (closed core.Item, sessionClosed bool, err error) {
	if st.sess.CurrentItemID == "" {
		return core.Item{}, false, fmt.Errorf("no item under dispute: %w", core.ErrInvalidTransition)
	}
	if st.sess.Status != core.SessionStatusRunning && st.sess.Status != core.SessionStatusRandomWindow {
		return core.Item{}, false, fmt.Errorf("closing item in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	item := st.item(st.sess.CurrentItemID)
	item.Closed = true
	item.WinningBidID = winningBidID
	st.sess.CurrentItemID = ""
	st.clearWindow()
	if st.nextOpenItem() == nil {
		st.sess.Status = core.SessionStatusClosed
		sessionClosed = true
	} else {
		st.sess.Status = core.SessionStatusRunning
	}
	st.touch(now)
	return *item, sessionClosed, nil
}

// suspend pauses the session. A suspension mid-window discards the window;
// it is re-rolled from a fresh inactivity period on resume.
func (st *sessionState) suspend(reason string, now time.Time) error {
	if st.sess.Status != core.SessionStatusRunning && st.sess.Status != core.SessionStatusRandomWindow {
		return fmt.Errorf("suspending in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	st.clearWindow()
	st.sess.Status = core.SessionStatusSuspended
	st.sess.SuspendReason = reason
	st.touch(now)
	return nil
}

// resume returns a suspended session to running. The inactivity clock
// restarts from zero, never from where it left off.
func (st *sessionState) resume(now time.Time) error {
	if st.sess.Status != core.SessionStatusSuspended {
		return fmt.Errorf("resuming in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	st.sess.Status = core.SessionStatusRunning
	st.sess.SuspendReason = ""
	st.sess.LastBidAt = now
	st.touch(now)
	return nil
}

// cancel terminates the session from any non-terminal state.
func (st *sessionState) cancel(now time.Time) error {
	if st.sess.Status.Terminal() {
		return fmt.Errorf("cancelling in status %s: %w", st.sess.Status, core.ErrInvalidTransition)
	}
	st.sess.Status = core.SessionStatusCancelled
	st.sess.CurrentItemID = ""
	st.clearWindow()
	st.touch(now)
	return nil
}

// setPhase records the legal-workflow stage advanced by external
// collaborators. The engine only reads it for gating.
func (st *sessionState) setPhase(p core.Phase, now time.Time) {
	st.sess.Phase = p
	st.touch(now)
}

func (st *sessionState) clearWindow() {
	st.sess.WindowStartedAt = time.Time{}
	st.sess.WindowDuration = 0
}

func (st *sessionState) item(id string) *core.Item {
	for i := range st.sess.Items {
		if st.sess.Items[i].ID == id {
			return &st.sess.Items[i]
		}
	}
	return nil
}

func (st *sessionState) nextOpenItem() *core.Item {
	for i := range st.sess.Items {
		if !st.sess.Items[i].Closed {
			return &st.sess.Items[i]
		}
	}
	return nil
}
