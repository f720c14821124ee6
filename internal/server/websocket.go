package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opsloop/opsloop/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The hub fronts trusted operator tooling; cross-origin browser access
	// is governed by the CORS layer, not the WS handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeFrame is the first frame a client sends: the channel it wants
// to follow, or "" (or "*") for all channels.
type subscribeFrame struct {
	Channel string `json:"channel"`
}

// peerWriteTimeout bounds a single frame write to one peer. A peer that
// cannot drain a frame within this window errors out of the broadcast
// (and typically disconnects shortly after) instead of stalling the hub.
const peerWriteTimeout = 10 * time.Second

// wsPeer is one connected WebSocket client. It implements
// broadcast.Subscriber; Deliver serializes under a mutex because gorilla
// connections allow only one concurrent writer.
type wsPeer struct {
	conn    *websocket.Conn
	channel string

	writeMu sync.Mutex
}

func (p *wsPeer) Channel() string { return p.channel }

func (p *wsPeer) Deliver(m models.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(m)
}

// handleWebSocket upgrades the connection, reads the subscribe frame, and
// then pumps inbound frames (serialized Messages) into the hub until the
// peer disconnects. Outbound delivery happens via the broadcast manager
// calling Deliver.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	var sub subscribeFrame
	if err := conn.ReadJSON(&sub); err != nil {
		s.log.WithError(err).Warn("websocket subscribe frame unreadable")
		conn.Close()
		return
	}
	if sub.Channel == "*" {
		sub.Channel = ""
	}
	if sub.Channel != "" && !models.ValidChannelName(sub.Channel) {
		_ = conn.WriteJSON(map[string]string{"error": "invalid channel name"})
		conn.Close()
		return
	}

	peer := &wsPeer{conn: conn, channel: sub.Channel}
	s.hub.Subscribe(peer)
	s.log.WithField("channel", sub.Channel).Debug("websocket peer subscribed")

	defer func() {
		s.hub.Unsubscribe(peer)
		conn.Close()
	}()

	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("websocket peer read error")
			}
			return
		}
		s.dispatchInbound(r, &msg)
	}
}

// dispatchInbound handles one message received from a WebSocket peer: a
// Response is routed into the pending-prompt registry (matching by its
// correlation id, or the oldest pending prompt when that id is not
// pending), and every message is broadcast to the rest of the hub.
func (s *Server) dispatchInbound(r *http.Request, msg *models.Message) {
	if msg.Content == nil || !models.ValidChannelName(msg.Channel) {
		return
	}

	if resp, ok := msg.Content.(models.Response); ok {
		replyToID := ""
		if msg.CorrelationID != nil {
			replyToID = msg.CorrelationID.String()
		}
		matched := s.registry.SubmitReply(replyToID, resp.Answer, resp.ResponseType)
		if s.metrics != nil {
			s.metrics.PendingPrompts.Set(float64(s.registry.Len()))
		}
		if !matched {
			s.log.WithFields(logrus.Fields{"channel": msg.Channel, "reply_to": replyToID}).Debug("websocket reply matched no pending prompt")
		}
	}

	if err := s.hub.BroadcastMessage(r.Context(), *msg); err != nil {
		s.log.WithError(err).Warn("websocket inbound broadcast failed")
	}
}
