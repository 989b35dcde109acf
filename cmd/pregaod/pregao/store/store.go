package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"

	core "github.com/licitabr/pregao-core/pregao"
	"github.com/licitabr/pregao-core/storeutil"
)

var log = golog.Logger("pregao/store")

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the postgres durable mirror of the session engine: the legal
// record of sessions, bids and audit events. It implements pregao.Store.
// Tables are partitioned by session id, so writers for different sessions
// never contend beyond the driver's connection pool.
type Store struct {
	conn *sql.DB
}

var _ core.Store = (*Store)(nil)

// New connects to postgres at postgresURI, running migrations first.
func New(postgresURI string) (*Store, error) {
	conn, err := storeutil.MigrateAndConnectToDB(postgresURI, migrations)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %v", err)
	}
	return &Store{conn: conn}, nil
}

// Close the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateSession inserts the session row and its items.
func (s *Store) CreateSession(ctx context.Context, sess core.Session) error {
	return storeutil.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, procurement_id, status, phase, current_item_id,
				inactivity_timeout_seconds, last_bid_at, window_started_at,
				window_duration_seconds, extensions_used, suspend_reason,
				started_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			sess.ID,
			sess.ProcurementID,
			sess.Status.String(),
			string(sess.Phase),
			sess.CurrentItemID,
			int64(sess.InactivityTimeout/time.Second),
			nullTime(sess.LastBidAt),
			nullTime(sess.WindowStartedAt),
			int64(sess.WindowDuration/time.Second),
			sess.ExtensionsUsed,
			sess.SuspendReason,
			nullTime(sess.StartedAt),
			sess.UpdatedAt,
		); err != nil {
			return fmt.Errorf("inserting session: %v", err)
		}
		for i, item := range sess.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_items (session_id, id, description, position, closed, winning_bid_id)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				sess.ID, item.ID, item.Description, i, item.Closed, item.WinningBidID,
			); err != nil {
				return fmt.Errorf("inserting session item: %v", err)
			}
		}
		log.Debugf("created session %s", sess.ID)
		return nil
	})
}

// UpdateSession overwrites the session row and its item rows with the
// engine's committed state.
func (s *Store) UpdateSession(ctx context.Context, sess core.Session) error {
	return storeutil.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				status = $2, phase = $3, current_item_id = $4,
				last_bid_at = $5, window_started_at = $6,
				window_duration_seconds = $7, extensions_used = $8,
				suspend_reason = $9, started_at = $10, updated_at = $11
			WHERE id = $1`,
			sess.ID,
			sess.Status.String(),
			string(sess.Phase),
			sess.CurrentItemID,
			nullTime(sess.LastBidAt),
			nullTime(sess.WindowStartedAt),
			int64(sess.WindowDuration/time.Second),
			sess.ExtensionsUsed,
			sess.SuspendReason,
			nullTime(sess.StartedAt),
			sess.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("updating session: %v", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return core.ErrSessionNotFound
		}
		for _, item := range sess.Items {
			if _, err := tx.ExecContext(ctx, `
				UPDATE session_items SET closed = $3, winning_bid_id = $4
				WHERE session_id = $1 AND id = $2`,
				sess.ID, item.ID, item.Closed, item.WinningBidID,
			); err != nil {
				return fmt.Errorf("updating session item: %v", err)
			}
		}
		return nil
	})
}

// GetSession returns a session with its items.
// If the session is not found, pregao.ErrSessionNotFound is returned.
func (s *Store) GetSession(ctx context.Context, id string) (sess core.Session, err error) {
	err = storeutil.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, procurement_id, status, phase, current_item_id,
				inactivity_timeout_seconds, last_bid_at, window_started_at,
				window_duration_seconds, extensions_used, suspend_reason,
				started_at, updated_at
			FROM sessions WHERE id = $1`, id)
		got, err := scanSession(row)
		if err == sql.ErrNoRows {
			return core.ErrSessionNotFound
		} else if err != nil {
			return fmt.Errorf("getting session: %v", err)
		}
		got.Items, err = s.listItems(ctx, tx, id)
		if err != nil {
			return err
		}
		sess = got
		return nil
	}, storeutil.TxReadonly())
	return
}

// ListOpenSessions returns every non-terminal session with its items, used
// to rebuild the in-memory actors on restart.
func (s *Store) ListOpenSessions(ctx context.Context) (sessions []core.Session, err error) {
	err = storeutil.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, procurement_id, status, phase, current_item_id,
				inactivity_timeout_seconds, last_bid_at, window_started_at,
				window_duration_seconds, extensions_used, suspend_reason,
				started_at, updated_at
			FROM sessions
			WHERE status NOT IN ($1, $2)
			ORDER BY updated_at`,
			core.SessionStatusClosed.String(), core.SessionStatusCancelled.String())
		if err != nil {
			return fmt.Errorf("listing sessions: %v", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			got, err := scanSession(rows)
			if err != nil {
				return fmt.Errorf("scanning session: %v", err)
			}
			sessions = append(sessions, got)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range sessions {
			sessions[i].Items, err = s.listItems(ctx, tx, sessions[i].ID)
			if err != nil {
				return err
			}
		}
		return nil
	}, storeutil.TxReadonly())
	return
}

func (s *Store) listItems(ctx context.Context, tx *sql.Tx, sessionID string) ([]core.Item, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, description, closed, winning_bid_id
		FROM session_items WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session items: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var items []core.Item
	for rows.Next() {
		var item core.Item
		if err := rows.Scan(&item.ID, &item.Description, &item.Closed, &item.WinningBidID); err != nil {
			return nil, fmt.Errorf("scanning session item: %v", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateBid appends a bid to the ledger.
func (s *Store) CreateBid(ctx context.Context, b core.Bid) error {
	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO bids (id, session_id, item_id, bidder_id, amount, origin, received_at, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.SessionID, b.ItemID, b.BidderID, b.Amount.String(), b.Origin, b.ReceivedAt, b.Cancelled,
	); err != nil {
		return fmt.Errorf("inserting bid: %v", err)
	}
	return nil
}

// SetBidCancelled flags a bid as cancelled. The row is otherwise immutable.
func (s *Store) SetBidCancelled(ctx context.Context, bidID string) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE bids SET cancelled = TRUE WHERE id = $1`, bidID)
	if err != nil {
		return fmt.Errorf("flagging bid cancelled: %v", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrBidNotFound
	}
	return nil
}

// ListBids returns an item's bids in acceptance order.
func (s *Store) ListBids(ctx context.Context, sessionID, itemID string) ([]core.Bid, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, session_id, item_id, bidder_id, amount, origin, received_at, cancelled
		FROM bids WHERE session_id = $1 AND item_id = $2
		ORDER BY received_at, id`, sessionID, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var bids []core.Bid
	for rows.Next() {
		var b core.Bid
		var amount string
		if err := rows.Scan(&b.ID, &b.SessionID, &b.ItemID, &b.BidderID, &amount,
			&b.Origin, &b.ReceivedAt, &b.Cancelled); err != nil {
			return nil, fmt.Errorf("scanning bid: %v", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parsing bid amount: %v", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// CreateEvent appends one audit entry. Entries are never updated or deleted.
func (s *Store) CreateEvent(ctx context.Context, e core.AuditEvent) error {
	var payload []byte
	if len(e.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("marshaling event payload: %v", err)
		}
	}
	amount := sql.NullString{}
	if !e.Amount.IsZero() {
		amount = sql.NullString{String: e.Amount.String(), Valid: true}
	}
	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, session_id, kind, description, item_id, bidder_id, bid_id,
			amount, payload, actor, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.SessionID, string(e.Kind), e.Description, e.ItemID, e.BidderID,
		e.BidID, amount, payload, e.Actor, e.RecordedAt,
	); err != nil {
		return fmt.Errorf("inserting audit event: %v", err)
	}
	return nil
}

// ListEvents returns a session's audit entries ordered by recording time,
// id-tiebroken: the electronic minutes.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]core.AuditEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, session_id, kind, description, item_id, bidder_id, bid_id,
			amount, payload, actor, recorded_at
		FROM audit_events WHERE session_id = $1
		ORDER BY recorded_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var events []core.AuditEvent
	for rows.Next() {
		var e core.AuditEvent
		var kind string
		var amount sql.NullString
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Description, &e.ItemID,
			&e.BidderID, &e.BidID, &amount, &payload, &e.Actor, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %v", err)
		}
		e.Kind = core.EventKind(kind)
		if amount.Valid {
			if e.Amount, err = decimal.NewFromString(amount.String); err != nil {
				return nil, fmt.Errorf("parsing event amount: %v", err)
			}
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling event payload: %v", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (core.Session, error) {
	var sess core.Session
	var status, phase string
	var timeoutSecs, windowSecs int64
	var lastBidAt, windowStartedAt, startedAt sql.NullTime
	if err := row.Scan(
		&sess.ID, &sess.ProcurementID, &status, &phase, &sess.CurrentItemID,
		&timeoutSecs, &lastBidAt, &windowStartedAt, &windowSecs,
		&sess.ExtensionsUsed, &sess.SuspendReason, &startedAt, &sess.UpdatedAt,
	); err != nil {
		return core.Session{}, err
	}
	sess.Status = statusFromString(status)
	sess.Phase = core.Phase(phase)
	sess.InactivityTimeout = time.Duration(timeoutSecs) * time.Second
	sess.WindowDuration = time.Duration(windowSecs) * time.Second
	if lastBidAt.Valid {
		sess.LastBidAt = lastBidAt.Time
	}
	if windowStartedAt.Valid {
		sess.WindowStartedAt = windowStartedAt.Time
	}
	if startedAt.Valid {
		sess.StartedAt = startedAt.Time
	}
	return sess, nil
}

func statusFromString(s string) core.SessionStatus {
	for _, status := range []core.SessionStatus{
		core.SessionStatusAwaitingStart,
		core.SessionStatusRunning,
		core.SessionStatusRandomWindow,
		core.SessionStatusClosed,
		core.SessionStatusSuspended,
		core.SessionStatusCancelled,
	} {
		if status.String() == s {
			return status
		}
	}
	return core.SessionStatusUnspecified
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
