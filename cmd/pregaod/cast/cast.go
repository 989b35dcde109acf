package cast

import (
	"fmt"
	"time"

	core "github.com/licitabr/pregao-core/pregao"
)

// Outbound envelope types of the real-time session surface.
const (
	TypeSnapshot = "state-snapshot"
	TypeTick     = "tick"
	TypeEvent    = "event"
	TypeError    = "error"
)

// Inbound envelope types.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeSubmitBid   = "submit-bid"
	TypeCancelBid   = "cancel-bid"
	TypeStartItem   = "start-item"
	TypeCloseItem   = "close-item"
	TypeSuspend     = "suspend"
	TypeResume      = "resume"
	TypeChatMessage = "chat-message"
)

// AuctioneerLabel is the fixed display label of the auctioneer-role
// participant. It is always shown as-is, never anonymized.
const AuctioneerLabel = "Pregoeiro"

// Envelope is the wire frame of every real-time message, in and out.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Snapshot is the full externally visible state of one session.
type Snapshot struct {
	SessionID        string            `json:"session_id"`
	ProcurementID    string            `json:"procurement_id"`
	Status           string            `json:"status"`
	Phase            string            `json:"phase"`
	CurrentItemID    string            `json:"current_item_id,omitempty"`
	RemainingSeconds int64             `json:"remaining_seconds"`
	ExtensionsUsed   int               `json:"extensions_used"`
	Items            []ItemView        `json:"items"`
	Bids             []BidView         `json:"bids"`
	Participants     []ParticipantView `json:"participants"`
	Chat             []ChatView        `json:"chat"`
}

// ItemView is the wire shape of a procurement item.
type ItemView struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Closed      bool   `json:"closed"`
}

// BidView is the wire shape of a ranked bid. Bidder carries the masked
// supplier label, never the real name.
type BidView struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	Bidder     string    `json:"bidder"`
	Amount     string    `json:"amount"`
	ReceivedAt time.Time `json:"received_at"`
	Cancelled  bool      `json:"cancelled,omitempty"`
}

// ParticipantView is the wire shape of a connected participant.
type ParticipantView struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// ChatView is the wire shape of a session chat message.
type ChatView struct {
	Sender string    `json:"sender"`
	Role   string    `json:"role"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// EventView is the wire shape of a single audit entry.
type EventView struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Description string            `json:"description"`
	ItemID      string            `json:"item_id,omitempty"`
	Bidder      string            `json:"bidder,omitempty"`
	BidID       string            `json:"bid_id,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	Actor       string            `json:"actor"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// TickView is the lightweight remaining-time heartbeat.
type TickView struct {
	SessionID        string `json:"session_id"`
	Status           string `json:"status"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// ErrorView reports a rejected operation to the requester only.
type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MaskBidder returns the supplier label shown to other participants during
// an active dispute. Ordinals are stable per session, assigned in join order.
func MaskBidder(ordinal int) string {
	return fmt.Sprintf("Fornecedor %02d", ordinal)
}

// RemainingSeconds computes how many whole seconds remain before the session
// transitions on its own: until the random window opens while running, until
// the item closes while the window is active, zero otherwise.
func RemainingSeconds(s core.Session, now time.Time) int64 {
	var left time.Duration
	switch s.Status {
	case core.SessionStatusRunning:
		if s.LastBidAt.IsZero() {
			return int64(s.InactivityTimeout / time.Second)
		}
		left = s.InactivityTimeout - now.Sub(s.LastBidAt)
	case core.SessionStatusRandomWindow:
		left = s.WindowDuration - now.Sub(s.WindowStartedAt)
	default:
		return 0
	}
	if left < 0 {
		left = 0
	}
	return int64(left / time.Second)
}

// SnapshotView assembles the broadcast snapshot. ordinals maps bidder
// participant ids to their stable masking ordinal.
func SnapshotView(
	s core.Session,
	bids []core.Bid,
	participants []core.Participant,
	chat []core.ChatMessage,
	ordinals map[string]int,
	now time.Time,
) Snapshot {
	items := make([]ItemView, len(s.Items))
	for i, it := range s.Items {
		items[i] = ItemView{ID: it.ID, Description: it.Description, Closed: it.Closed}
	}
	return Snapshot{
		SessionID:        s.ID,
		ProcurementID:    s.ProcurementID,
		Status:           s.Status.String(),
		Phase:            string(s.Phase),
		CurrentItemID:    s.CurrentItemID,
		RemainingSeconds: RemainingSeconds(s, now),
		ExtensionsUsed:   s.ExtensionsUsed,
		Items:            items,
		Bids:             BidViews(bids, ordinals),
		Participants:     ParticipantViews(participants, ordinals),
		Chat:             ChatViews(chat, ordinals),
	}
}

// BidViews masks and converts a ranked bid list.
func BidViews(bids []core.Bid, ordinals map[string]int) []BidView {
	views := make([]BidView, len(bids))
	for i, b := range bids {
		views[i] = BidView{
			ID:         b.ID,
			ItemID:     b.ItemID,
			Bidder:     MaskBidder(ordinals[b.BidderID]),
			Amount:     b.Amount.StringFixed(2),
			ReceivedAt: b.ReceivedAt,
			Cancelled:  b.Cancelled,
		}
	}
	return views
}

// ParticipantViews converts the presence list. Bidder names are masked with
// their stable session ordinal; the auctioneer always appears under the
// fixed label.
func ParticipantViews(ps []core.Participant, ordinals map[string]int) []ParticipantView {
	views := make([]ParticipantView, len(ps))
	for i, p := range ps {
		name := AuctioneerLabel
		if p.Role == core.RoleBidder {
			name = MaskBidder(ordinals[p.ParticipantID])
		}
		views[i] = ParticipantView{Name: name, Role: string(p.Role)}
	}
	return views
}

// ChatViews converts recent chat, masking bidder senders.
func ChatViews(msgs []core.ChatMessage, ordinals map[string]int) []ChatView {
	views := make([]ChatView, len(msgs))
	for i, m := range msgs {
		sender := AuctioneerLabel
		if m.Role == core.RoleBidder {
			sender = MaskBidder(ordinals[m.Sender])
		}
		views[i] = ChatView{Sender: sender, Role: string(m.Role), Text: m.Text, SentAt: m.SentAt}
	}
	return views
}

// EventToView converts an audit entry for the real-time feed. The bidder
// reference is the pseudonymous handle already; it is passed through.
func EventToView(e core.AuditEvent) EventView {
	v := EventView{
		ID:          e.ID,
		Kind:        string(e.Kind),
		Description: e.Description,
		ItemID:      e.ItemID,
		Bidder:      e.BidderID,
		BidID:       e.BidID,
		Payload:     e.Payload,
		Actor:       e.Actor,
		RecordedAt:  e.RecordedAt,
	}
	if !e.Amount.IsZero() {
		v.Amount = e.Amount.StringFixed(2)
	}
	return v
}

// EventViews converts a slice of audit entries in order.
func EventViews(events []core.AuditEvent) []EventView {
	views := make([]EventView, len(events))
	for i, e := range events {
		views[i] = EventToView(e)
	}
	return views
}
