package pregao

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/licitabr/pregao-core/pregao"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedgerBest(t *testing.T) {
	t.Parallel()
	l := newLedger()
	require.Nil(t, l.best("i1"))

	l.append(&core.Bid{ID: "b1", ItemID: "i1", BidderID: "alice", Amount: dec("100.00")})
	l.append(&core.Bid{ID: "b2", ItemID: "i1", BidderID: "bob", Amount: dec("95.50")})
	l.append(&core.Bid{ID: "b3", ItemID: "i2", BidderID: "alice", Amount: dec("42.00")})

	best := l.best("i1")
	require.NotNil(t, best)
	assert.Equal(t, "b2", best.ID)
	assert.Equal(t, "b3", l.best("i2").ID, "items rank independently")
}

func TestLedgerLastByBidder(t *testing.T) {
	t.Parallel()
	l := newLedger()
	l.append(&core.Bid{ID: "b1", ItemID: "i1", BidderID: "alice", Amount: dec("100")})
	l.append(&core.Bid{ID: "b2", ItemID: "i1", BidderID: "bob", Amount: dec("95")})
	l.append(&core.Bid{ID: "b3", ItemID: "i1", BidderID: "alice", Amount: dec("90")})

	require.Equal(t, "b3", l.lastByBidder("i1", "alice").ID)
	require.Equal(t, "b2", l.lastByBidder("i1", "bob").ID)
	require.Nil(t, l.lastByBidder("i1", "carol"))
}

func TestLedgerCancel(t *testing.T) {
	t.Parallel()
	l := newLedger()
	l.append(&core.Bid{ID: "b1", ItemID: "i1", BidderID: "alice", Amount: dec("100")})
	l.append(&core.Bid{ID: "b2", ItemID: "i1", BidderID: "bob", Amount: dec("95")})

	_, err := l.cancel("nope")
	require.ErrorIs(t, err, core.ErrBidNotFound)

	b, err := l.cancel("b2")
	require.NoError(t, err)
	assert.True(t, b.Cancelled)

	// Best falls back to the previous valid bid; the record itself stays.
	require.Equal(t, "b1", l.best("i1").ID)
	require.Nil(t, l.lastByBidder("i1", "bob"))
	ranked := l.ranked("i1")
	require.Len(t, ranked, 2)
	assert.True(t, ranked[0].Cancelled)
}

func TestLedgerRemoveIfHead(t *testing.T) {
	t.Parallel()
	l := newLedger()
	b1 := &core.Bid{ID: "b1", ItemID: "i1", BidderID: "alice", Amount: dec("100")}
	b2 := &core.Bid{ID: "b2", ItemID: "i1", BidderID: "bob", Amount: dec("95")}
	l.append(b1)
	l.append(b2)

	require.False(t, l.removeIfHead(b1), "a buried bid cannot be rolled back")
	require.True(t, l.removeIfHead(b2))
	require.Equal(t, "b1", l.best("i1").ID)
	require.Nil(t, l.lastByBidder("i1", "bob"))
}

func TestLedgerRanked(t *testing.T) {
	t.Parallel()
	l := newLedger()
	l.load([]core.Bid{
		{ID: "b1", ItemID: "i1", BidderID: "alice", Amount: dec("100")},
		{ID: "b2", ItemID: "i1", BidderID: "bob", Amount: dec("95")},
		{ID: "b3", ItemID: "i1", BidderID: "alice", Amount: dec("90")},
	})
	ranked := l.ranked("i1")
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"b3", "b2", "b1"}, []string{ranked[0].ID, ranked[1].ID, ranked[2].ID})

	assert.Empty(t, l.ranked("i2"))
}
