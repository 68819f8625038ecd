// Package relay is the rendezvous point between sessions editing the same
// document.
//
// The relay holds no replica and interprets no operations. It reads only the
// frame tag of each payload and forwards: state vectors and deltas go to
// every other participant in the (room, document) pair, awareness goes to
// everyone. Participants that cannot keep up are dropped; the handshake on
// their reconnect repairs whatever they missed.
package relay

import (
	"context"
	"log/slog"

	"github.com/mentora/coedit/internal/codec"
	"github.com/mentora/coedit/internal/transport"
)

// DefaultSendBuffer is the per-participant outbound payload capacity.
const DefaultSendBuffer = 64

// key identifies one shared document.
type key struct {
	room string
	doc  string
}

// participant is one connected session, as the hub sees it.
type participant struct {
	key  key
	id   string
	ch   transport.Channel
	send chan []byte
}

// inbound is a payload arriving from a participant.
type inbound struct {
	from    *participant
	payload []byte
}

// hub routes payloads between participants. A single goroutine owns the room
// maps; connection handlers talk to it only through channels.
type hub struct {
	logger     *slog.Logger
	sendBuffer int

	register   chan *participant
	unregister chan *participant
	frames     chan inbound
	done       chan struct{}

	rooms map[key]map[*participant]bool
}

func newHub(logger *slog.Logger, sendBuffer int) *hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &hub{
		logger:     logger,
		sendBuffer: sendBuffer,
		register:   make(chan *participant),
		unregister: make(chan *participant),
		frames:     make(chan inbound, 256),
		done:       make(chan struct{}),
		rooms:      make(map[key]map[*participant]bool),
	}
}

// run is the hub event loop. It exits when ctx ends.
func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, peers := range h.rooms {
				for p := range peers {
					p.ch.Close()
				}
			}
			return

		case p := <-h.register:
			peers := h.rooms[p.key]
			if peers == nil {
				peers = make(map[*participant]bool)
				h.rooms[p.key] = peers
			}
			peers[p] = true
			h.logger.Info("participant joined",
				"room", p.key.room, "doc", p.key.doc, "id", p.id, "peers", len(peers))

		case p := <-h.unregister:
			h.drop(p)

		case in := <-h.frames:
			h.route(in)
		}
	}
}

// route forwards one payload according to its frame tag.
func (h *hub) route(in inbound) {
	kind, err := codec.PeekKind(in.payload)
	if err != nil {
		h.logger.Warn("dropping unroutable payload",
			"room", in.from.key.room, "doc", in.from.key.doc, "id", in.from.id, "error", err)
		return
	}

	toSender := kind == codec.KindAwareness
	for p := range h.rooms[in.from.key] {
		if p == in.from && !toSender {
			continue
		}
		select {
		case p.send <- in.payload:
		default:
			// Too far behind to be live. Cut the connection; the reconnect
			// handshake catches them up.
			h.logger.Warn("dropping slow participant",
				"room", p.key.room, "doc", p.key.doc, "id", p.id)
			h.drop(p)
		}
	}
}

func (h *hub) drop(p *participant) {
	peers := h.rooms[p.key]
	if peers == nil || !peers[p] {
		return
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(h.rooms, p.key)
	}
	close(p.send)
	p.ch.Close()
	h.logger.Info("participant left",
		"room", p.key.room, "doc", p.key.doc, "id", p.id, "peers", len(peers))
}
