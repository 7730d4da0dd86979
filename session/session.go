// Package session implements the websocket session state machine.
//
// Each connection runs two phases. During the handshake the only text frame
// accepted is {"api_key": "..."}; once the key resolves to a user the
// session acquires the user's cell, sends a synthetic OverwriteState frame
// so the client starts from a known snapshot, and joins the cell's
// broadcast. In the joined phase inbound frames carry operations
// ({"WebsocketOpMessage": <op>}) and the broadcast feeds outbound frames.
// A heartbeat ticker runs through both phases.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/todohub/auth"
	"github.com/whisper-darkly/todohub/hub"
	"github.com/whisper-darkly/todohub/task"
)

const (
	// DefaultHeartbeatInterval is how often pings are sent. Should be half
	// (or less) of the acceptable client timeout.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultClientTimeout is how long the peer may stay silent (no ping,
	// no pong) before the session is closed.
	DefaultClientTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	Registry *hub.Registry
	Auth     auth.Resolver

	// Zero values select the defaults above; tests shrink them.
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
}

// Auth is the in-band api key, not cookies, so any Origin may connect.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		log.Printf("session: upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	s := &session{
		id:   uuid.New(),
		h:    h,
		conn: conn,
		done: make(chan struct{}),
	}
	s.run(r.Context())
}

// closeReason is the close frame a session exits with; nil means close
// without code or description (peer gone, timeout, io error).
type closeReason struct {
	code   int
	reason string
}

// frame is one inbound websocket message, or the read error that ended the
// read pump.
type frame struct {
	messageType int
	data        []byte
	err         error
}

type session struct {
	id   uuid.UUID
	h    *Handler
	conn *websocket.Conn

	done chan struct{}

	// lastHeartbeat is a UnixNano timestamp; it is refreshed from the read
	// pump goroutine (ping/pong handlers) and checked from the main loop.
	lastHeartbeat atomic.Int64
}

func (s *session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

func (s *session) heartbeatInterval() time.Duration {
	if s.h.HeartbeatInterval > 0 {
		return s.h.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (s *session) clientTimeout() time.Duration {
	if s.h.ClientTimeout > 0 {
		return s.h.ClientTimeout
	}
	return DefaultClientTimeout
}

func (s *session) run(ctx context.Context) {
	log.Printf("session %s: connected", s.id)
	defer close(s.done)

	s.touchHeartbeat()

	// Ping and pong frames are consumed inside ReadMessage; both refresh
	// the heartbeat. The handlers run on the read pump goroutine —
	// WriteControl is safe to call concurrently with the main loop's
	// writes.
	s.conn.SetPingHandler(func(appData string) error {
		s.touchHeartbeat()
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	s.conn.SetPongHandler(func(string) error {
		s.touchHeartbeat()
		return nil
	})

	frames := make(chan frame, 8)
	go s.readPump(frames)

	ticker := time.NewTicker(s.heartbeatInterval())
	defer ticker.Stop()

	// ---- handshake phase ----

	user, reason, ok := s.handshake(ctx, frames, ticker.C)
	if !ok {
		s.close(reason)
		log.Printf("session %s: disconnected during handshake", s.id)
		return
	}

	cell, sub, snapshot, err := s.h.Registry.Acquire(ctx, user)
	if err != nil {
		log.Printf("session %s: acquire cell for user %d: %v", s.id, user.ID, err)
		s.close(&closeReason{websocket.CloseInternalServerErr, "INTERNAL_SERVER_ERROR"})
		return
	}
	defer s.h.Registry.Release(cell, sub)

	log.Printf("session %s: joined as user %d (%s)", s.id, user.ID, user.Name)

	// The client starts from a full snapshot; every op after it arrives
	// through the broadcast, including the session's own submissions.
	if err := s.writeOp(task.Op{OverwriteState: &snapshot}); err != nil {
		s.close(nil)
		return
	}

	// ---- joined phase ----

	reason = s.joined(ctx, cell, sub, frames, ticker.C)
	s.close(reason)

	if n := sub.Dropped(); n > 0 {
		log.Printf("session %s: %d broadcast op(s) dropped (subscriber lagged)", s.id, n)
	}
	log.Printf("session %s: disconnected", s.id)
}

// handshake waits for the init message. ok=false means the session is over;
// reason carries the close frame to send (nil for a silent close).
func (s *session) handshake(ctx context.Context, frames <-chan frame, ticks <-chan time.Time) (auth.User, *closeReason, bool) {
	for {
		select {
		case <-ctx.Done():
			return auth.User{}, nil, false

		case <-ticks:
			if reason := s.heartbeat(); reason != nil || s.timedOut() {
				return auth.User{}, nil, false
			}

		case f := <-frames:
			if f.err != nil {
				return auth.User{}, readErrorReason(f.err), false
			}
			switch f.messageType {
			case websocket.BinaryMessage:
				return auth.User{}, &closeReason{websocket.CloseUnsupportedData, "Only text supported"}, false
			case websocket.TextMessage:
				var init task.InitMessage
				if err := json.Unmarshal(f.data, &init); err != nil {
					return auth.User{}, &closeReason{websocket.CloseInternalServerErr, "DECODE_ERROR"}, false
				}
				user, err := s.h.Auth.Resolve(ctx, init.APIKey)
				if err != nil {
					if errors.Is(err, auth.ErrUnauthorized) {
						return auth.User{}, &closeReason{websocket.CloseInternalServerErr, "UNAUTHORIZED"}, false
					}
					log.Printf("session %s: auth: %v", s.id, err)
					return auth.User{}, &closeReason{websocket.CloseInternalServerErr, "INTERNAL_SERVER_ERROR"}, false
				}
				return user, nil, true
			}
		}
	}
}

// joined forwards broadcast ops to the peer and applies inbound ops until
// something ends the session. The returned reason may be nil (silent close).
func (s *session) joined(ctx context.Context, cell *hub.Cell, sub *hub.Subscription, frames <-chan frame, ticks <-chan time.Time) *closeReason {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticks:
			if reason := s.heartbeat(); reason != nil {
				return reason
			}
			if s.timedOut() {
				log.Printf("session %s: no heartbeat from client in over %s", s.id, s.clientTimeout())
				return nil
			}

		case op := <-sub.Ops():
			if err := s.writeOp(op); err != nil {
				return nil
			}

		case f := <-frames:
			if f.err != nil {
				return readErrorReason(f.err)
			}
			switch f.messageType {
			case websocket.BinaryMessage:
				return &closeReason{websocket.CloseUnsupportedData, "Only text supported"}
			case websocket.TextMessage:
				if reason := s.handleClientOp(ctx, cell, f.data); reason != nil {
					return reason
				}
			}
		}
	}
}

// handleClientOp decodes an op envelope and submits it to the cell.
// Append, apply, and publish all happen under the cell mutex inside Submit;
// a storage failure surfaces here with the snapshot untouched.
func (s *session) handleClientOp(ctx context.Context, cell *hub.Cell, data []byte) *closeReason {
	var env task.OpEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &closeReason{websocket.CloseInternalServerErr, "DECODE_ERROR"}
	}
	if err := env.Op.Validate(); err != nil {
		return &closeReason{websocket.CloseInternalServerErr, "DECODE_ERROR"}
	}
	if err := cell.Submit(ctx, env.Op); err != nil {
		log.Printf("session %s: submit: %v", s.id, err)
		return &closeReason{websocket.CloseInternalServerErr, "INTERNAL_SERVER_ERROR"}
	}
	return nil
}

// heartbeat sends a ping. A send failure means the peer is gone; the
// returned non-nil reason is only a marker (the close itself is silent).
func (s *session) heartbeat() *closeReason {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		return &closeReason{}
	}
	return nil
}

func (s *session) timedOut() bool {
	last := time.Unix(0, s.lastHeartbeat.Load())
	return time.Since(last) > s.clientTimeout()
}

func (s *session) writeOp(op task.Op) error {
	raw, err := json.Marshal(op)
	if err != nil {
		// Trusted data; encoding it cannot realistically fail.
		log.Printf("session %s: encode op: %v", s.id, err)
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// readPump owns all reads from the connection. It stops when the connection
// errors (including after a peer close) or when the session is done.
func (s *session) readPump(frames chan<- frame) {
	for {
		mt, data, err := s.conn.ReadMessage()
		select {
		case frames <- frame{messageType: mt, data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// readErrorReason maps a read error to a close frame. Peer closes and io
// errors close silently; a protocol-level continuation violation gets the
// dedicated unsupported-data reason.
func readErrorReason(err error) *closeReason {
	if strings.Contains(err.Error(), "continuation") {
		return &closeReason{websocket.CloseUnsupportedData, "No support for continuation frame."}
	}
	return nil
}

// close attempts a graceful close. Failures to deliver the close frame are
// ignored; the peer may already be gone.
func (s *session) close(reason *closeReason) {
	var msg []byte
	if reason != nil && reason.code != 0 {
		msg = websocket.FormatCloseMessage(reason.code, reason.reason)
	} else {
		msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = s.conn.Close()
}
