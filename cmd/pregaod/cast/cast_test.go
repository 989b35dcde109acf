package cast

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/licitabr/pregao-core/pregao"
)

func TestMaskBidder(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Fornecedor 01", MaskBidder(1))
	assert.Equal(t, "Fornecedor 12", MaskBidder(12))
}

func TestRemainingSeconds(t *testing.T) {
	t.Parallel()
	now := time.Now()

	s := core.Session{
		Status:            core.SessionStatusRunning,
		InactivityTimeout: time.Second * 180,
		LastBidAt:         now.Add(-time.Second * 30),
	}
	assert.EqualValues(t, 150, RemainingSeconds(s, now))

	s.LastBidAt = time.Time{}
	assert.EqualValues(t, 180, RemainingSeconds(s, now), "a fresh dispute shows the full quiet period")

	s.LastBidAt = now.Add(-time.Minute * 10)
	assert.EqualValues(t, 0, RemainingSeconds(s, now), "never negative")

	s.Status = core.SessionStatusRandomWindow
	s.WindowStartedAt = now.Add(-time.Minute)
	s.WindowDuration = time.Minute * 5
	assert.EqualValues(t, 240, RemainingSeconds(s, now))

	s.Status = core.SessionStatusSuspended
	assert.EqualValues(t, 0, RemainingSeconds(s, now))
}

func TestViewsMaskBidders(t *testing.T) {
	t.Parallel()
	ordinals := map[string]int{"alice": 1, "bob": 2}

	bids := BidViews([]core.Bid{
		{ID: "b1", ItemID: "i1", BidderID: "bob", Amount: decimal.RequireFromString("99.9")},
	}, ordinals)
	require.Len(t, bids, 1)
	assert.Equal(t, "Fornecedor 02", bids[0].Bidder)
	assert.Equal(t, "99.90", bids[0].Amount)

	ps := ParticipantViews([]core.Participant{
		{ParticipantID: "op", Name: "Maria da Silva", Role: core.RoleAuctioneer},
		{ParticipantID: "alice", Name: "Fornecedora Alice LTDA", Role: core.RoleBidder},
	}, ordinals)
	require.Len(t, ps, 2)
	assert.Equal(t, AuctioneerLabel, ps[0].Name)
	assert.Equal(t, "Fornecedor 01", ps[1].Name)

	chat := ChatViews([]core.ChatMessage{
		{Sender: "op", Role: core.RoleAuctioneer, Text: "bom dia"},
		{Sender: "alice", Role: core.RoleBidder, Text: "bom dia"},
	}, ordinals)
	require.Len(t, chat, 2)
	assert.Equal(t, AuctioneerLabel, chat[0].Sender)
	assert.Equal(t, "Fornecedor 01", chat[1].Sender)
}

func TestEventToView(t *testing.T) {
	t.Parallel()
	recorded := time.Now()
	v := EventToView(core.AuditEvent{
		ID:          "ev1",
		Kind:        core.EventBidRegistered,
		Description: "bid of R$ 99.90 registered for item i1",
		ItemID:      "i1",
		BidderID:    "alice",
		Amount:      decimal.RequireFromString("99.9"),
		Actor:       core.ActorSystem,
		RecordedAt:  recorded,
	})
	assert.Equal(t, "bid-registered", v.Kind)
	assert.Equal(t, "99.90", v.Amount)
	assert.Equal(t, recorded, v.RecordedAt)

	// Zero amounts stay out of the feed entirely.
	v = EventToView(core.AuditEvent{Kind: core.EventSessionStarted})
	assert.Empty(t, v.Amount)
}

func TestSnapshotView(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := core.Session{
		ID:                "s1",
		ProcurementID:     "proc-1",
		Status:            core.SessionStatusRunning,
		Phase:             core.PhaseBidding,
		CurrentItemID:     "i1",
		InactivityTimeout: time.Second * 180,
		LastBidAt:         now.Add(-time.Second * 60),
		ExtensionsUsed:    2,
		Items: []core.Item{
			{ID: "i1", Description: "canetas"},
			{ID: "i0", Description: "papel", Closed: true},
		},
	}
	snap := SnapshotView(s, nil, nil, nil, nil, now)
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, "bidding", snap.Phase)
	assert.Equal(t, "i1", snap.CurrentItemID)
	assert.EqualValues(t, 120, snap.RemainingSeconds)
	assert.Equal(t, 2, snap.ExtensionsUsed)
	require.Len(t, snap.Items, 2)
	assert.True(t, snap.Items[1].Closed)
}
