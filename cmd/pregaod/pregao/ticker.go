package pregao

import (
	"context"
	"fmt"
	"time"

	"github.com/licitabr/pregao-core/cmd/pregaod/cast"
	core "github.com/licitabr/pregao-core/pregao"
)

// runTicker advances every active session once per tick interval. Terminal
// sessions are torn down on close, so the scan only ever visits live actors.
func (e *Engine) runTicker() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.tickAll(e.now())
		}
	}
}

// tickAll ticks every session, isolating per-session failures: one session's
// tick never aborts the others and never crashes the process.
func (e *Engine) tickAll(now time.Time) {
	for _, s := range e.activeSessions() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("session tick panicked, will retry next tick: %v", r)
				}
			}()
			if err := e.tickSession(s, now); err != nil {
				log.Errorf("session tick failed, will retry next tick: %v", err)
			}
		}()
	}
}

// tickSession advances one session's clock. Status is re-read under the
// session lock at the top of every tick, never cached, so a concurrent
// suspend or bid always wins over a stale timer decision.
func (e *Engine) tickSession(s *session, now time.Time) error {
	s.mu.Lock()
	sess := s.state.sess
	s.mu.Unlock()

	switch sess.Status {
	case core.SessionStatusRunning:
		if sess.CurrentItemID != "" && !sess.LastBidAt.IsZero() &&
			now.Sub(sess.LastBidAt) >= sess.InactivityTimeout {
			return e.openRandomWindow(s, now)
		}
	case core.SessionStatusRandomWindow:
		if now.Sub(sess.WindowStartedAt) >= sess.WindowDuration {
			return e.closeByTimer(s)
		}
	default:
		return nil
	}

	s.registry.broadcast(cast.Envelope{Type: cast.TypeTick, Payload: cast.TickView{
		SessionID:        sess.ID,
		Status:           sess.Status.String(),
		RemainingSeconds: cast.RemainingSeconds(sess, now),
	}})
	return nil
}

// openRandomWindow samples a duration and enters the random closing window.
// enterRandomWindow is idempotent, so a racing tick or bid makes this a
// clean no-op.
func (e *Engine) openRandomWindow(s *session, now time.Time) error {
	duration := e.sampleWindowDuration()
	var entered bool
	var sessionID string
	err := e.transition(context.Background(), s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		sessionID = s.state.sess.ID
		// Re-check inactivity under the lock: a bid arriving between the
		// tick decision and here restarts the quiet period.
		if s.state.sess.Status != core.SessionStatusRunning ||
			now.Sub(s.state.sess.LastBidAt) < s.state.sess.InactivityTimeout {
			return nil, nil, nil
		}
		var err error
		entered, err = s.state.enterRandomWindow(duration, now)
		if err != nil || !entered {
			return nil, nil, err
		}
		return []core.AuditEvent{{
			Kind: core.EventRandomWindow,
			Description: fmt.Sprintf("no bids for %s; random closing window opened",
				s.state.sess.InactivityTimeout),
			ItemID: s.state.sess.CurrentItemID,
		}}, nil, nil
	})
	if err != nil {
		return fmt.Errorf("entering random window: %v", err)
	}
	if entered {
		log.Debugf("session %s entered random closing window (%s)", sessionID, duration)
	}
	return nil
}

// closeByTimer ends the current item's dispute because the random window ran
// out with no further bids.
func (e *Engine) closeByTimer(s *session) error {
	err := e.transition(context.Background(), s, func(now time.Time) ([]core.AuditEvent, func(), error) {
		sess := s.state.sess
		// Re-check: a bid may have cleared the window, or the auctioneer
		// may have suspended, between the decision and acquiring the lock.
		if sess.Status != core.SessionStatusRandomWindow ||
			now.Sub(sess.WindowStartedAt) < sess.WindowDuration {
			return nil, nil, nil
		}
		return e.closeItemLocked(s, now, core.ActorSystem, "dispute ended automatically by time")
	})
	if err != nil {
		return fmt.Errorf("closing item by timer: %v", err)
	}
	return nil
}

// sampleWindowDuration draws a uniformly random window duration within the
// configured bounds, truncated to whole seconds. Only the ticker goroutine
// samples, so the source needs no locking.
func (e *Engine) sampleWindowDuration() time.Duration {
	minSecs := int64(e.cfg.WindowMin / time.Second)
	maxSecs := int64(e.cfg.WindowMax / time.Second)
	if maxSecs <= minSecs {
		return e.cfg.WindowMin
	}
	return time.Duration(minSecs+e.cfg.Rand.Int63n(maxSecs-minSecs+1)) * time.Second
}
