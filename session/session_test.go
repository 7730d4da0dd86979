package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/todohub/auth"
	"github.com/whisper-darkly/todohub/hub"
	"github.com/whisper-darkly/todohub/store/sqlite"
	"github.com/whisper-darkly/todohub/task"
)

// stubResolver maps fixed api keys to users.
type stubResolver map[string]auth.User

func (r stubResolver) Resolve(_ context.Context, apiKey string) (auth.User, error) {
	u, ok := r[apiKey]
	if !ok {
		return auth.User{}, auth.ErrUnauthorized
	}
	return u, nil
}

func newTestServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	if h.Registry == nil {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "session.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		h.Registry = hub.NewRegistry(db, hub.Options{})
	}
	if h.Auth == nil {
		h.Auth = stubResolver{"good-key": {ID: 1, Name: "alice"}}
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readOp(t *testing.T, conn *websocket.Conn) task.Op {
	t.Helper()
	mt, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected a text frame, got type %d", mt)
	}
	var op task.Op
	if err := json.Unmarshal(raw, &op); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return op
}

// join completes the handshake and consumes the initial snapshot frame.
func join(t *testing.T, conn *websocket.Conn, apiKey string) task.StateSnapshot {
	t.Helper()
	sendJSON(t, conn, task.InitMessage{APIKey: apiKey})
	op := readOp(t, conn)
	if op.OverwriteState == nil {
		t.Fatalf("expected the first frame to be OverwriteState, got %+v", op)
	}
	return *op.OverwriteState
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reasonPart string) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if ce.Code != code {
		t.Errorf("expected close code %d, got %d (%q)", code, ce.Code, ce.Text)
	}
	if reasonPart != "" && !strings.Contains(ce.Text, reasonPart) {
		t.Errorf("expected close reason containing %q, got %q", reasonPart, ce.Text)
	}
}

func TestFreshSessionGetsEmptySnapshot(t *testing.T) {
	srv := newTestServer(t, &Handler{})
	conn := dial(t, srv)

	snap := join(t, conn, "good-key")
	if len(snap.Live) != 0 || len(snap.Finished) != 0 {
		t.Errorf("fresh user should start empty, got %+v", snap)
	}
}

func TestSubmittedOpIsEchoed(t *testing.T) {
	srv := newTestServer(t, &Handler{})
	conn := dial(t, srv)
	join(t, conn, "good-key")

	sendJSON(t, conn, task.OpEnvelope{Op: task.Op{
		LiveTaskInsNew: &task.InsNew{LiveTaskID: "t1", Value: "buy milk", Position: 0},
	}})

	op := readOp(t, conn)
	if op.LiveTaskInsNew == nil || op.LiveTaskInsNew.LiveTaskID != "t1" {
		t.Errorf("expected the op echoed back, got %+v", op)
	}
}

func TestFanOutAcrossSessions(t *testing.T) {
	srv := newTestServer(t, &Handler{})

	a := dial(t, srv)
	join(t, a, "good-key")
	b := dial(t, srv)
	join(t, b, "good-key")

	sendJSON(t, a, task.OpEnvelope{Op: task.Op{
		LiveTaskInsNew: &task.InsNew{LiveTaskID: "t1", Value: "shared", Position: 0},
	}})

	for name, conn := range map[string]*websocket.Conn{"submitter": a, "peer": b} {
		op := readOp(t, conn)
		if op.LiveTaskInsNew == nil || op.LiveTaskInsNew.LiveTaskID != "t1" {
			t.Errorf("%s: expected the broadcast op, got %+v", name, op)
		}
	}
}

func TestLateSessionStartsFromCurrentState(t *testing.T) {
	srv := newTestServer(t, &Handler{})

	a := dial(t, srv)
	join(t, a, "good-key")
	sendJSON(t, a, task.OpEnvelope{Op: task.Op{
		LiveTaskInsNew: &task.InsNew{LiveTaskID: "t1", Value: "first", Position: 0},
	}})
	readOp(t, a) // wait for the echo so the op has been applied

	b := dial(t, srv)
	snap := join(t, b, "good-key")
	if len(snap.Live) != 1 || snap.Live[0].ID != "t1" {
		t.Errorf("late joiner should see the earlier op in its snapshot, got %+v", snap.Live)
	}
}

func TestUnknownAPIKeyIsRejected(t *testing.T) {
	srv := newTestServer(t, &Handler{})
	conn := dial(t, srv)

	sendJSON(t, conn, task.InitMessage{APIKey: "wrong"})
	expectClose(t, conn, websocket.CloseInternalServerErr, "UNAUTHORIZED")
}

func TestMalformedHandshakeIsRejected(t *testing.T) {
	srv := newTestServer(t, &Handler{})
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	expectClose(t, conn, websocket.CloseInternalServerErr, "DECODE_ERROR")
}

func TestBinaryFrameIsUnsupported(t *testing.T) {
	srv := newTestServer(t, &Handler{})
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	expectClose(t, conn, websocket.CloseUnsupportedData, "Only text supported")
}

func TestInvalidOpClosesWithDecodeError(t *testing.T) {
	srv := newTestServer(t, &Handler{})
	conn := dial(t, srv)
	join(t, conn, "good-key")

	// An envelope with no variant fails validation.
	sendJSON(t, conn, task.OpEnvelope{})
	expectClose(t, conn, websocket.CloseInternalServerErr, "DECODE_ERROR")
}

func TestSilentClientTimesOut(t *testing.T) {
	srv := newTestServer(t, &Handler{
		HeartbeatInterval: 20 * time.Millisecond,
		ClientTimeout:     80 * time.Millisecond,
	})
	conn := dial(t, srv)
	join(t, conn, "good-key")

	// Suppress the automatic pong so the server sees a dead peer.
	conn.SetPingHandler(func(string) error { return nil })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // server closed the session
		}
	}
}

func TestRespondingClientStaysConnected(t *testing.T) {
	srv := newTestServer(t, &Handler{
		HeartbeatInterval: 20 * time.Millisecond,
		ClientTimeout:     80 * time.Millisecond,
	})
	conn := dial(t, srv)
	join(t, conn, "good-key")

	// The default ping handler answers with pongs while we read, so the
	// session must outlive several timeout windows.
	deadline := time.Now().Add(400 * time.Millisecond)
	conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if time.Now().Before(deadline) {
				t.Fatalf("session died while the client was responsive: %v", err)
			}
			return
		}
	}
}
