package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/licitabr/pregao-core/cmd/pregaod/cast"
	core "github.com/licitabr/pregao-core/pregao"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = time.Second * 10
	wsPongTimeout  = time.Second * 60
	wsPingInterval = time.Second * 30
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is checked by the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn is one participant connection. It satisfies the engine's Sink:
// broadcasts are queued on a buffered channel drained by the write pump, so a
// slow consumer never blocks a session decision.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	sendCh chan cast.Envelope
	done   chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		sendCh: make(chan cast.Envelope, wsSendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues an envelope for delivery. It reports false when the buffer is
// full; the connection is then stale and only a fresh snapshot can fix it.
func (c *wsConn) Send(env cast.Envelope) bool {
	select {
	case c.sendCh <- env:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *wsConn) writePump() {
	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()
	for {
		select {
		case env := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				log.Debugf("writing to connection %s: %v", c.id, err)
				return
			}
		case <-pings.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
}

type submitBidPayload struct {
	ItemID string `json:"item_id"`
	Amount string `json:"amount"`
}

type cancelBidPayload struct {
	BidID         string `json:"bid_id"`
	Justification string `json:"justification"`
}

type startItemPayload struct {
	ItemID string `json:"item_id"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

type chatPayload struct {
	Text string `json:"text"`
}

// handleSessionSocket upgrades the request and runs the connection. The
// first inbound frame must be a join envelope naming the participant.
func (s *Service) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := s.lib.Snapshot(sessionID); err != nil {
		httpError(w, statusOf(err), err.Error())
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("upgrading connection: %v", err)
		return
	}
	conn := newWSConn(ws)
	go conn.writePump()
	defer func() {
		close(conn.done)
		_ = ws.Close()
	}()

	ws.SetReadLimit(1 << 16)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	participant, role, err := s.awaitJoin(sessionID, conn, ws)
	if err != nil {
		log.Debugf("join on session %s failed: %v", sessionID, err)
		return
	}
	defer s.lib.Leave(sessionID, conn.id)

	s.readLoop(r.Context(), sessionID, participant, role, conn, ws)
}

func (s *Service) awaitJoin(sessionID string, conn *wsConn, ws *websocket.Conn) (string, core.Role, error) {
	var env inboundEnvelope
	if err := ws.ReadJSON(&env); err != nil {
		return "", "", fmt.Errorf("reading join envelope: %v", err)
	}
	if env.Type != cast.TypeJoin {
		conn.Send(errorEnvelope("bad-request", "first message must be a join"))
		return "", "", errors.New("first message was not a join")
	}
	var join joinPayload
	if err := json.Unmarshal(env.Payload, &join); err != nil {
		conn.Send(errorEnvelope("bad-request", fmt.Sprintf("decoding join: %v", err)))
		return "", "", fmt.Errorf("decoding join: %v", err)
	}
	role := core.Role(join.Role)
	if role != core.RoleAuctioneer && role != core.RoleBidder {
		conn.Send(errorEnvelope("bad-request", fmt.Sprintf("unknown role %q", join.Role)))
		return "", "", fmt.Errorf("unknown role %q", join.Role)
	}
	if join.ParticipantID == "" {
		conn.Send(errorEnvelope("bad-request", "participant_id is required"))
		return "", "", errors.New("empty participant id")
	}
	if _, err := s.lib.Join(sessionID, join.ParticipantID, join.Name, role, conn.id, conn); err != nil {
		conn.Send(errorEnvelope("join-failed", err.Error()))
		return "", "", fmt.Errorf("joining session: %v", err)
	}
	return join.ParticipantID, role, nil
}

func (s *Service) readLoop(
	ctx context.Context,
	sessionID, participantID string,
	role core.Role,
	conn *wsConn,
	ws *websocket.Conn,
) {
	auctioneerName := cast.AuctioneerLabel
	for {
		var env inboundEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("connection %s closed: %v", conn.id, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongTimeout))

		switch env.Type {
		case cast.TypeLeave:
			return

		case cast.TypeSubmitBid:
			if role != core.RoleBidder {
				conn.Send(errorEnvelope("forbidden", "only bidders submit bids"))
				continue
			}
			var p submitBidPayload
			if !decodePayload(conn, env.Payload, &p) {
				continue
			}
			amount, err := decimal.NewFromString(p.Amount)
			if err != nil {
				conn.Send(errorEnvelope("bad-request", fmt.Sprintf("parsing amount: %v", err)))
				continue
			}
			if _, err := s.lib.SubmitBid(ctx, sessionID, p.ItemID, participantID, amount, ws.RemoteAddr().String()); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		case cast.TypeCancelBid:
			if !requireAuctioneer(conn, role) {
				continue
			}
			var p cancelBidPayload
			if !decodePayload(conn, env.Payload, &p) {
				continue
			}
			if p.Justification == "" {
				conn.Send(errorEnvelope("bad-request", "a justification is required to cancel a bid"))
				continue
			}
			if err := s.lib.CancelBid(ctx, sessionID, p.BidID, p.Justification, auctioneerName); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		case cast.TypeStartItem:
			if !requireAuctioneer(conn, role) {
				continue
			}
			var p startItemPayload
			if !decodePayload(conn, env.Payload, &p) {
				continue
			}
			if err := s.lib.StartItemDispute(ctx, sessionID, p.ItemID, auctioneerName); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		case cast.TypeCloseItem:
			if !requireAuctioneer(conn, role) {
				continue
			}
			if err := s.lib.CloseItemDispute(ctx, sessionID, auctioneerName); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		case cast.TypeSuspend:
			if !requireAuctioneer(conn, role) {
				continue
			}
			var p reasonPayload
			if !decodePayload(conn, env.Payload, &p) {
				continue
			}
			if p.Reason == "" {
				conn.Send(errorEnvelope("bad-request", "a reason is required to suspend"))
				continue
			}
			if err := s.lib.Suspend(ctx, sessionID, p.Reason, auctioneerName); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		case cast.TypeResume:
			if !requireAuctioneer(conn, role) {
				continue
			}
			if err := s.lib.Resume(ctx, sessionID, auctioneerName); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		case cast.TypeChatMessage:
			var p chatPayload
			if !decodePayload(conn, env.Payload, &p) {
				continue
			}
			if err := s.lib.SendChat(ctx, sessionID, participantID, role, p.Text); err != nil {
				conn.Send(rejectionEnvelope(err))
			}

		default:
			conn.Send(errorEnvelope("bad-request", fmt.Sprintf("unknown message type %q", env.Type)))
		}
	}
}

func requireAuctioneer(conn *wsConn, role core.Role) bool {
	if role != core.RoleAuctioneer {
		conn.Send(errorEnvelope("forbidden", "operation reserved to the auctioneer"))
		return false
	}
	return true
}

func decodePayload(conn *wsConn, raw json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		conn.Send(errorEnvelope("bad-request", fmt.Sprintf("decoding payload: %v", err)))
		return false
	}
	return true
}

// rejectionEnvelope maps an engine error to the requester-only error frame.
// Bid rejections keep their arbitration reason as the code.
func rejectionEnvelope(err error) cast.Envelope {
	var reject *core.BidRejectedError
	if errors.As(err, &reject) {
		return errorEnvelope(string(reject.Reason), reject.Detail)
	}
	switch {
	case errors.Is(err, core.ErrInvalidTransition):
		return errorEnvelope("invalid-transition", err.Error())
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrItemNotFound),
		errors.Is(err, core.ErrBidNotFound):
		return errorEnvelope("not-found", err.Error())
	case errors.Is(err, core.ErrStorageUnavailable):
		return errorEnvelope("storage-unavailable", err.Error())
	default:
		return errorEnvelope("internal", err.Error())
	}
}

func errorEnvelope(code, msg string) cast.Envelope {
	return cast.Envelope{Type: cast.TypeError, Payload: cast.ErrorView{Code: code, Message: msg}}
}
