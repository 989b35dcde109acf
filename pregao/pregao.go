package pregao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the coarse machine state of a dispute session.
type SessionStatus int

const (
	// SessionStatusUnspecified indicates the initial or invalid status of a session.
	SessionStatusUnspecified SessionStatus = iota
	// SessionStatusAwaitingStart indicates the session was created but bidding has not begun.
	SessionStatusAwaitingStart
	// SessionStatusRunning indicates open bidding is in progress.
	SessionStatusRunning
	// SessionStatusRandomWindow indicates the randomized closing window is counting down.
	SessionStatusRandomWindow
	// SessionStatusClosed indicates the dispute ended for every item.
	SessionStatusClosed
	// SessionStatusSuspended indicates the auctioneer suspended the session.
	SessionStatusSuspended
	// SessionStatusCancelled indicates the session was cancelled before completion.
	SessionStatusCancelled
)

// String returns a string-encoded status.
func (s SessionStatus) String() string {
	switch s {
	case SessionStatusUnspecified:
		return "unspecified"
	case SessionStatusAwaitingStart:
		return "awaiting-start"
	case SessionStatusRunning:
		return "running"
	case SessionStatusRandomWindow:
		return "random-window"
	case SessionStatusClosed:
		return "closed"
	case SessionStatusSuspended:
		return "suspended"
	case SessionStatusCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transition may leave this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusClosed || s == SessionStatusCancelled
}

// Phase is the legal-workflow stage of the surrounding procurement record.
// It is advanced by external collaborators; the engine only reads it for gating.
type Phase string

// Legal-workflow phases in their usual order.
const (
	PhaseOpening          Phase = "opening"
	PhaseProposalAnalysis Phase = "proposal-analysis"
	PhaseBidding          Phase = "bidding"
	PhaseNegotiation      Phase = "negotiation"
	PhaseHabilitation     Phase = "habilitation"
	PhaseAppeal           Phase = "appeal"
	PhaseAdjudication     Phase = "adjudication"
	PhaseClosing          Phase = "closing"
)

// Session is one live dispute session for a procurement process. Bidding runs
// for one item at a time; CurrentItemID points at the item under dispute.
type Session struct {
	ID            string
	ProcurementID string
	Status        SessionStatus
	Phase         Phase
	Items         []Item
	CurrentItemID string

	// InactivityTimeout is the fixed quiet period after which the random
	// closing window opens.
	InactivityTimeout time.Duration
	LastBidAt         time.Time
	WindowStartedAt   time.Time
	WindowDuration    time.Duration
	ExtensionsUsed    int

	SuspendReason string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// InWindow reports whether the random closing window is active. Both window
// fields are set together or not at all.
func (s Session) InWindow() bool {
	return !s.WindowStartedAt.IsZero() && s.WindowDuration > 0
}

// Item is one procurement item put up for dispute within a session.
type Item struct {
	ID           string
	Description  string
	Closed       bool
	WinningBidID string
}

// Bid is a single reverse-auction bid. Amount uses decimal arithmetic so the
// strict-decrease comparison never suffers float rounding. BidderID is the
// pseudonymous supplier handle, never the real identity.
type Bid struct {
	ID         string
	SessionID  string
	ItemID     string
	BidderID   string
	Amount     decimal.Decimal
	Origin     string
	ReceivedAt time.Time
	Cancelled  bool
}

// EventKind enumerates the audit-trail event types.
type EventKind string

// Audit event kinds. The ordered sequence of these per session forms the
// electronic minutes (ata) of the proceeding.
const (
	EventSessionStarted     EventKind = "session-started"
	EventSessionSuspended   EventKind = "session-suspended"
	EventSessionResumed     EventKind = "session-resumed"
	EventSessionClosed      EventKind = "session-closed"
	EventSessionCancelled   EventKind = "session-cancelled"
	EventItemDisputeStarted EventKind = "item-dispute-started"
	EventItemDisputeEnded   EventKind = "item-dispute-ended"
	EventBidRegistered      EventKind = "bid-registered"
	EventBidCancelled       EventKind = "bid-cancelled"
	EventBidRejected        EventKind = "bid-rejected"
	EventRandomWindow       EventKind = "random-window-started"
	EventExtensionApplied   EventKind = "extension-applied"
	EventPhaseChanged       EventKind = "phase-changed"
	EventChatMessage        EventKind = "chat-message"
)

// AuditEvent is one append-only entry of the electronic minutes. Events are
// never updated or deleted; RecordedAt is monotonically non-decreasing per
// session.
type AuditEvent struct {
	ID          string
	SessionID   string
	Kind        EventKind
	Description string

	ItemID   string
	BidderID string
	BidID    string
	Amount   decimal.Decimal

	Payload    map[string]string
	Actor      string
	RecordedAt time.Time
}

// ActorSystem is the audit actor used for transitions caused by the engine
// itself rather than a named user.
const ActorSystem = "system"

// Role is the display role of a connected participant.
type Role string

const (
	// RoleAuctioneer runs the session. Its identity is shown as a fixed
	// label, never anonymized.
	RoleAuctioneer Role = "auctioneer"
	// RoleBidder competes in the dispute. Its name is masked from other
	// bidders while the dispute is active.
	RoleBidder Role = "bidder"
)

// Participant is the ephemeral presence of one connection in a session. It is
// a presence cache, not source of truth; losing it on restart is tolerated.
type Participant struct {
	ConnectionID  string
	SessionID     string
	ParticipantID string
	Name          string
	Role          Role
	JoinedAt      time.Time
}

// ChatMessage is one session chat entry. Chat is part of the legal minutes.
type ChatMessage struct {
	SessionID string
	Sender    string
	Role      Role
	Text      string
	SentAt    time.Time
}

// RejectReason discriminates the ways a bid can be refused.
type RejectReason string

const (
	// RejectNotImproving means the amount does not strictly beat the current best bid.
	RejectNotImproving RejectReason = "not-improving"
	// RejectNotSelfImproving means the amount does not strictly beat the bidder's own last bid.
	RejectNotSelfImproving RejectReason = "not-self-improving"
	// RejectWrongItem means the bid targets an item not currently under dispute.
	RejectWrongItem RejectReason = "wrong-item"
	// RejectSessionNotOpen means the session does not accept bids in its current status.
	RejectSessionNotOpen RejectReason = "session-not-open"
)

// BidRejectedError is returned to the submitting participant only; a
// rejection is never broadcast and never audited.
type BidRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *BidRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("bid rejected: %s", e.Reason)
	}
	return fmt.Sprintf("bid rejected: %s: %s", e.Reason, e.Detail)
}

// Sentinel errors shared across the engine and its callers.
var (
	// ErrSessionNotFound indicates the requested session was not found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrItemNotFound indicates the requested item was not found in the session.
	ErrItemNotFound = errors.New("item not found")
	// ErrBidNotFound indicates the requested bid was not found.
	ErrBidNotFound = errors.New("bid not found")
	// ErrInvalidTransition indicates the operation is illegal in the current
	// session status; the session is left untouched.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrStorageUnavailable indicates a durable write failed. The operation
	// is not committed and the caller should retry.
	ErrStorageUnavailable = errors.New("durable storage unavailable")
)

// Store is the narrow durable-mirror boundary. The engine's in-memory state
// is authoritative; the store keeps the legally required record and survives
// restarts. Implementations are partitioned by session id and never require
// cross-session locking.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListOpenSessions(ctx context.Context) ([]Session, error)

	CreateBid(ctx context.Context, b Bid) error
	SetBidCancelled(ctx context.Context, bidID string) error
	ListBids(ctx context.Context, sessionID, itemID string) ([]Bid, error)

	CreateEvent(ctx context.Context, e AuditEvent) error
	ListEvents(ctx context.Context, sessionID string) ([]AuditEvent, error)
}
