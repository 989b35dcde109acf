package pregao

import (
	"sort"
	"sync"

	"github.com/licitabr/pregao-core/cmd/pregaod/cast"
	core "github.com/licitabr/pregao-core/pregao"
)

// chatBacklog is how many recent chat messages a snapshot carries.
const chatBacklog = 50

// Sink delivers outbound envelopes to one connection. Send must never
// block; it reports false when the message was dropped or the connection is
// gone.
type Sink interface {
	Send(env cast.Envelope) bool
}

// registry tracks which connections are present in one session and fans
// envelopes out to them. It is a presence cache only; losing it on restart
// does not affect bid history. It has its own lock so broadcasting never
// contends with the session's state lock.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*connection

	// ordinals are the stable per-session masking numbers, assigned to
	// bidder participants in first-join order and never reused.
	ordinals    map[string]int
	nextOrdinal int

	chat []core.ChatMessage
}

type connection struct {
	participant core.Participant
	sink        Sink
}

func newRegistry() *registry {
	return &registry{
		conns:    make(map[string]*connection),
		ordinals: make(map[string]int),
	}
}

// join records a connection's presence. A participant holds only one active
// connection; joining again under a new connection id supersedes the old one.
func (r *registry) join(p core.Participant, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		if c.participant.ParticipantID == p.ParticipantID && id != p.ConnectionID {
			delete(r.conns, id)
		}
	}
	if p.Role == core.RoleBidder {
		if _, ok := r.ordinals[p.ParticipantID]; !ok {
			r.nextOrdinal++
			r.ordinals[p.ParticipantID] = r.nextOrdinal
		}
	}
	r.conns[p.ConnectionID] = &connection{participant: p, sink: sink}
}

// leave removes a connection's presence. It reports the participant that
// left and whether the connection was present.
func (r *registry) leave(connectionID string) (core.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return core.Participant{}, false
	}
	delete(r.conns, connectionID)
	return c.participant, true
}

// participants returns the present participants in join order.
func (r *registry) participants() []core.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Participant, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.participant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// maskOrdinals returns a copy of the bidder masking table.
func (r *registry) maskOrdinals() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.ordinals))
	for k, v := range r.ordinals {
		out[k] = v
	}
	return out
}

// addChat appends to the bounded recent-chat backlog.
func (r *registry) addChat(m core.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, m)
	if len(r.chat) > chatBacklog {
		r.chat = r.chat[len(r.chat)-chatBacklog:]
	}
}

// recentChat returns the backlog oldest-first.
func (r *registry) recentChat() []core.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.ChatMessage(nil), r.chat...)
}

// broadcast fans an envelope out to every present connection. Sinks are
// non-blocking, so a slow consumer can only lose its own messages.
func (r *registry) broadcast(env cast.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		c.sink.Send(env)
	}
}

// sendTo delivers an envelope to a single connection, if still present.
func (r *registry) sendTo(connectionID string, env cast.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.conns[connectionID]; ok {
		c.sink.Send(env)
	}
}
