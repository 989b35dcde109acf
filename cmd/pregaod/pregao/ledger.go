package pregao

import (
	"fmt"

	core "github.com/licitabr/pregao-core/pregao"
)

// ledger is the in-memory append-only bid record of one session, partitioned
// by item. Accepted order is arbitration order; because every accepted bid
// strictly improves on the previous one, the best (lowest) non-cancelled bid
// is always the most recent non-cancelled entry. Callers must hold the
// owning session's lock.
type ledger struct {
	byItem map[string][]*core.Bid
	byID   map[string]*core.Bid
}

func newLedger() *ledger {
	return &ledger{
		byItem: make(map[string][]*core.Bid),
		byID:   make(map[string]*core.Bid),
	}
}

// load seeds the ledger from the durable mirror on restart. Bids must come
// in acceptance order.
func (l *ledger) load(bids []core.Bid) {
	for i := range bids {
		b := bids[i]
		l.append(&b)
	}
}

func (l *ledger) append(b *core.Bid) {
	l.byItem[b.ItemID] = append(l.byItem[b.ItemID], b)
	l.byID[b.ID] = b
}

// removeIfHead undoes the most recent append for an item, used to roll back
// a bid whose durable mirror write failed. Returns false when a later bid
// already committed on top of it.
func (l *ledger) removeIfHead(b *core.Bid) bool {
	bids := l.byItem[b.ItemID]
	if len(bids) == 0 || bids[len(bids)-1].ID != b.ID {
		return false
	}
	l.byItem[b.ItemID] = bids[:len(bids)-1]
	delete(l.byID, b.ID)
	return true
}

// best returns the current best (lowest non-cancelled) bid for an item, or
// nil when there is none.
func (l *ledger) best(itemID string) *core.Bid {
	bids := l.byItem[itemID]
	for i := len(bids) - 1; i >= 0; i-- {
		if !bids[i].Cancelled {
			return bids[i]
		}
	}
	return nil
}

// lastByBidder returns a bidder's most recent non-cancelled bid for an item,
// or nil when there is none.
func (l *ledger) lastByBidder(itemID, bidderID string) *core.Bid {
	bids := l.byItem[itemID]
	for i := len(bids) - 1; i >= 0; i-- {
		if bids[i].BidderID == bidderID && !bids[i].Cancelled {
			return bids[i]
		}
	}
	return nil
}

// cancel flags a bid as cancelled. The bid record itself is never removed;
// it simply stops counting toward best and last-by-bidder queries.
func (l *ledger) cancel(bidID string) (*core.Bid, error) {
	b, ok := l.byID[bidID]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", bidID, core.ErrBidNotFound)
	}
	b.Cancelled = true
	return b, nil
}

// ranked returns an item's bids best-first (most recent acceptance first),
// cancelled entries included so the feed shows them struck through.
func (l *ledger) ranked(itemID string) []core.Bid {
	bids := l.byItem[itemID]
	out := make([]core.Bid, 0, len(bids))
	for i := len(bids) - 1; i >= 0; i-- {
		out = append(out, *bids[i])
	}
	return out
}
