// Package relay implements the connection-oriented negotiation channel: a
// WebSocket server that tracks one room's membership and forwards envelopes
// between named participants, and the client that talks to it.
package relay

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

const (
	// Time allowed to write a message to a client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong; pings go out at 90% of this.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size — enough for any SDP.
	maxMessageSize = 256 * 1024

	// Time allowed for a new connection to present its join envelope.
	joinWait = 10 * time.Second

	// Per-session outbound queue capacity.
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one joined client: id, name, and the outbound queue drained by
// its writePump. Only the hub goroutine touches the membership table.
type session struct {
	clientID    string
	displayName string
	conn        *websocket.Conn
	send        chan wire.Envelope
}

// inbound pairs an envelope with the session it arrived on.
type inbound struct {
	from *session
	env  wire.Envelope
}

// Server accepts relay clients for a single room. All membership state is
// owned by the run loop goroutine: register, unregister, and message
// handling are serialized there, which is what guarantees that a joiner's
// welcome snapshot is taken strictly before its peer-joined goes out.
type Server struct {
	listener net.Listener

	register   chan *session
	unregister chan *session
	inbox      chan inbound
	stop       chan bool // value = broadcast end before closing
	done       chan struct{}
}

// NewServer creates a relay server. Call Start to begin accepting clients.
func NewServer() *Server {
	return &Server{
		register:   make(chan *session),
		unregister: make(chan *session),
		inbox:      make(chan inbound),
		stop:       make(chan bool, 1),
		done:       make(chan struct{}),
	}
}

// Start listens on the given TCP port (0 picks a random one) and returns
// the bound port.
func (s *Server) Start(port int) (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("relay: failed to listen: %w", err)
	}
	s.listener = listener
	bound := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()
	go s.run()

	util.LogDebug("relay server listening on port %d", bound)
	return bound, nil
}

// Stop shuts the relay down. With broadcastEnd set, every session receives
// an end envelope before its connection is closed. Blocks until the run
// loop has terminated all sessions.
func (s *Server) Stop(broadcastEnd bool) {
	if s.listener != nil {
		s.listener.Close()
	}
	select {
	case s.stop <- broadcastEnd:
	case <-s.done:
		return
	}
	<-s.done
}

// handleWS upgrades the connection and runs its read side. The first
// envelope must be a join; everything after is handed to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(maxMessageSize)

	// Join handshake.
	conn.SetReadDeadline(time.Now().Add(joinWait))
	var join wire.Envelope
	if err := conn.ReadJSON(&join); err != nil || join.Type != wire.TypeJoin || join.Validate() != nil {
		util.LogDebug("relay: rejecting connection from %s: bad join", conn.RemoteAddr())
		conn.Close()
		return
	}

	sess := &session{
		clientID:    join.ClientID,
		displayName: join.DisplayName,
		conn:        conn,
		send:        make(chan wire.Envelope, sendBufferSize),
	}

	select {
	case s.register <- sess:
	case <-s.done:
		conn.Close()
		return
	}

	go sess.writePump()
	s.readPump(sess)
}

// readPump reads envelopes from one client in receipt order and feeds them
// to the hub. It exits on any read error, which unregisters the session —
// an abrupt disconnect and an explicit leave end up on the same path.
func (s *Server) readPump(sess *session) {
	defer func() {
		select {
		case s.unregister <- sess:
		case <-s.done:
		}
		sess.conn.Close()
	}()

	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env wire.Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogDebug("relay: read error from %s: %v", sess.clientID, err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			util.LogDebug("relay: dropping envelope from %s: %v", sess.clientID, err)
			continue
		}

		if env.Type == wire.TypeLeave {
			return
		}

		select {
		case s.inbox <- inbound{from: sess, env: env}:
		case <-s.done:
			return
		}
	}
}

// run is the hub goroutine — the only owner of the membership table.
func (s *Server) run() {
	sessions := make(map[string]*session)

	defer func() {
		for _, sess := range sessions {
			close(sess.send)
		}
		close(s.done)
	}()

	for {
		select {
		case sess := <-s.register:
			// At most one session per clientId: a rejoin replaces the
			// stale session, whose pumps shut down on conn close.
			if old, ok := sessions[sess.clientID]; ok {
				delete(sessions, sess.clientID)
				close(old.send)
				old.conn.Close()
			}

			// Welcome first, from the membership snapshot that does not
			// yet include the joiner's peer-joined fanout.
			participants := make([]wire.Participant, 0, len(sessions))
			for _, other := range sessions {
				participants = append(participants, wire.Participant{
					ClientID:    other.clientID,
					DisplayName: other.displayName,
				})
			}
			sess.enqueue(wire.Envelope{
				Type:         wire.TypeWelcome,
				You:          sess.clientID,
				Participants: participants,
			})

			notice := wire.Envelope{
				Type:        wire.TypePeerJoined,
				ClientID:    sess.clientID,
				DisplayName: sess.displayName,
			}
			for _, other := range sessions {
				other.enqueue(notice)
			}

			sessions[sess.clientID] = sess
			util.LogInfo("relay: %s (%s) joined, %d in room", sess.displayName, sess.clientID, len(sessions))

		case sess := <-s.unregister:
			// A replaced session also lands here when its pump exits;
			// only remove it if it is still the current one.
			if current, ok := sessions[sess.clientID]; !ok || current != sess {
				continue
			}
			delete(sessions, sess.clientID)
			close(sess.send)

			notice := wire.Envelope{Type: wire.TypePeerLeft, ClientID: sess.clientID}
			for _, other := range sessions {
				other.enqueue(notice)
			}
			util.LogInfo("relay: %s left, %d in room", sess.clientID, len(sessions))

		case msg := <-s.inbox:
			switch msg.env.Type {
			case wire.TypeOffer, wire.TypeAnswer, wire.TypeICE:
				// Verbatim relay to the named recipient; silent drop when
				// that session does not exist.
				if target, ok := sessions[msg.env.To]; ok {
					target.enqueue(msg.env)
				} else {
					util.LogDebug("relay: no session %q for %s from %s", msg.env.To, msg.env.Type, msg.env.From)
				}
			default:
				util.LogDebug("relay: ignoring %s from %s", msg.env.Type, msg.from.clientID)
			}

		case broadcastEnd := <-s.stop:
			if broadcastEnd {
				end := wire.Envelope{Type: wire.TypeEnd}
				for _, sess := range sessions {
					sess.enqueue(end)
				}
			}
			// The deferred close of each send queue lets the write pumps
			// drain (end envelope included) and close the connections.
			return
		}
	}
}

// enqueue adds an envelope to the session's outbound queue, dropping it if
// the client is too slow to drain — slow consumers must not stall the hub.
func (sess *session) enqueue(env wire.Envelope) {
	select {
	case sess.send <- env:
	default:
		util.LogWarning("relay: send queue full for %s, dropping %s", sess.clientID, env.Type)
	}
}

// writePump drains the session's queue onto the connection. There is at
// most one writer per connection by construction.
func (sess *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case env, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
