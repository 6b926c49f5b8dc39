package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []recordedFrame
	closed bool
	wrote  chan struct{}
}

type recordedFrame struct {
	messageType int
	payload     []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{wrote: make(chan struct{}, 64)}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	payload := make([]byte, len(data))
	copy(payload, data)
	c.frames = append(c.frames, recordedFrame{messageType: messageType, payload: payload})
	c.mu.Unlock()
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) waitForFrames(t *testing.T, count int) []recordedFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.frames) >= count {
			frames := make([]recordedFrame, len(c.frames))
			copy(frames, c.frames)
			c.mu.Unlock()
			return frames
		}
		c.mu.Unlock()
		select {
		case <-c.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", count)
		}
	}
}

func (c *fakeConn) binaryPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var payloads [][]byte
	for _, frame := range c.frames {
		if frame.messageType == websocket.BinaryMessage {
			payloads = append(payloads, frame.payload)
		}
	}
	return payloads
}

func mustControlMessages(t *testing.T, frames []recordedFrame) []ControlMessage {
	t.Helper()
	var messages []ControlMessage
	for _, frame := range frames {
		if frame.messageType != websocket.TextMessage {
			continue
		}
		var message ControlMessage
		if err := json.Unmarshal(frame.payload, &message); err != nil {
			t.Fatalf("control frame decode failed: %v", err)
		}
		messages = append(messages, message)
	}
	return messages
}

func TestJoinBroadcastsPresenceRoster(t *testing.T) {
	h := NewHub(Config{})
	connA := newFakeConn()
	connB := newFakeConn()
	sessionA := h.NewSession("s-a", "actor-1", "Ada", connA)
	sessionB := h.NewSession("s-b", "actor-2", "Grace", connB)

	h.Join("doc-1", sessionA)
	h.Join("doc-1", sessionB)

	frames := connA.waitForFrames(t, 2)
	messages := mustControlMessages(t, frames)
	last := messages[len(messages)-1]
	if last.Type != MessageTypePresence || len(last.Sessions) != 2 {
		t.Fatalf("expected roster of two, got %+v", last)
	}
	names := map[string]bool{}
	for _, entry := range last.Sessions {
		names[entry.DisplayName] = true
	}
	if !names["Ada"] || !names["Grace"] {
		t.Fatalf("expected both display names in roster, got %+v", last.Sessions)
	}
}

func TestBroadcastUpdateExcludesOrigin(t *testing.T) {
	h := NewHub(Config{})
	connA := newFakeConn()
	connB := newFakeConn()
	sessionA := h.NewSession("s-a", "actor-1", "Ada", connA)
	sessionB := h.NewSession("s-b", "actor-2", "Grace", connB)
	h.Join("doc-1", sessionA)
	h.Join("doc-1", sessionB)

	update := []byte{0xde, 0xad, 0xbe, 0xef}
	h.BroadcastUpdate("doc-1", update, "s-a")

	connB.waitForFrames(t, 3)
	payloads := connB.binaryPayloads()
	if len(payloads) != 1 || string(payloads[0]) != string(update) {
		t.Fatalf("expected exactly the update on B, got %v", payloads)
	}
	if got := connA.binaryPayloads(); len(got) != 0 {
		t.Fatalf("expected no echo to origin, got %v", got)
	}
}

func TestLeaveRemovesSessionFromRoster(t *testing.T) {
	h := NewHub(Config{})
	connA := newFakeConn()
	connB := newFakeConn()
	sessionA := h.NewSession("s-a", "actor-1", "Ada", connA)
	sessionB := h.NewSession("s-b", "actor-2", "Grace", connB)
	h.Join("doc-1", sessionA)
	h.Join("doc-1", sessionB)

	remaining := h.Leave("doc-1", sessionB)
	if remaining != 1 {
		t.Fatalf("expected one session remaining, got %d", remaining)
	}

	frames := connA.waitForFrames(t, 3)
	messages := mustControlMessages(t, frames)
	last := messages[len(messages)-1]
	if len(last.Sessions) != 1 || last.Sessions[0].SessionID != "s-a" {
		t.Fatalf("expected roster with only s-a, got %+v", last.Sessions)
	}
	if h.SessionCount("doc-1") != 1 {
		t.Fatalf("expected one joined session, got %d", h.SessionCount("doc-1"))
	}
}

func TestDisconnectReportsRemainingAndClosesConn(t *testing.T) {
	h := NewHub(Config{})
	conn := newFakeConn()
	session := h.NewSession("s-a", "actor-1", "Ada", conn)
	h.Join("doc-1", session)

	remaining := h.Disconnect(session)
	if remaining != 0 {
		t.Fatalf("expected empty document, got %d", remaining)
	}
	if h.SessionCount("doc-1") != 0 {
		t.Fatalf("expected session removed")
	}

	deadline := time.After(2 * time.Second)
	for {
		conn.mu.Lock()
		closed := conn.closed
		conn.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected connection closed after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJoinSwitchesDocuments(t *testing.T) {
	h := NewHub(Config{})
	conn := newFakeConn()
	session := h.NewSession("s-a", "actor-1", "Ada", conn)

	h.Join("doc-1", session)
	h.Join("doc-2", session)

	if h.SessionCount("doc-1") != 0 {
		t.Fatalf("expected session to leave doc-1")
	}
	if h.SessionCount("doc-2") != 1 {
		t.Fatalf("expected session joined to doc-2")
	}
	if session.DocumentID() != "doc-2" {
		t.Fatalf("expected session tracking doc-2, got %q", session.DocumentID())
	}
}

func TestSetPresenceBroadcastsCursor(t *testing.T) {
	h := NewHub(Config{})
	connA := newFakeConn()
	connB := newFakeConn()
	sessionA := h.NewSession("s-a", "actor-1", "Ada", connA)
	sessionB := h.NewSession("s-b", "actor-2", "Grace", connB)
	h.Join("doc-1", sessionA)
	h.Join("doc-1", sessionB)

	h.SetPresence("doc-1", sessionA, &Cursor{BlockID: "b1", SelectionStart: 2, SelectionEnd: 5})

	frames := connB.waitForFrames(t, 3)
	messages := mustControlMessages(t, frames)
	last := messages[len(messages)-1]
	var found *Cursor
	for _, entry := range last.Sessions {
		if entry.SessionID == "s-a" {
			found = entry.Cursor
		}
	}
	if found == nil || found.BlockID != "b1" || found.SelectionStart != 2 || found.SelectionEnd != 5 {
		t.Fatalf("expected cursor for s-a, got %+v", found)
	}
}

func TestNotifyDocumentChangedReachesJoinedSessions(t *testing.T) {
	h := NewHub(Config{})
	conn := newFakeConn()
	session := h.NewSession("s-a", "actor-1", "Ada", conn)
	h.Join("doc-1", session)

	h.NotifyDocumentChanged("doc-1", 42)

	frames := conn.waitForFrames(t, 2)
	messages := mustControlMessages(t, frames)
	last := messages[len(messages)-1]
	if last.Type != MessageTypeDocumentChanged || last.LatestVersion != 42 || last.DocumentID != "doc-1" {
		t.Fatalf("unexpected change signal: %+v", last)
	}
}

type stalledConn struct {
	fakeConn
	release chan struct{}
}

func (c *stalledConn) WriteMessage(messageType int, data []byte) error {
	<-c.release
	return c.fakeConn.WriteMessage(messageType, data)
}

func TestConcurrentBroadcastAndDisconnectIsSafe(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1})
	release := make(chan struct{})
	defer close(release)

	sessions := make([]*Session, 0, 32)
	for i := 0; i < 32; i++ {
		conn := &stalledConn{fakeConn: fakeConn{wrote: make(chan struct{}, 64)}, release: release}
		session := h.NewSession(fmt.Sprintf("s-%d", i), "actor-1", "Ada", conn)
		h.Join("doc-1", session)
		sessions = append(sessions, session)
	}

	// Broadcasters keep enqueueing into tiny, never-draining buffers while
	// every session is torn down underneath them.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				h.BroadcastUpdate("doc-1", []byte{byte(seed)}, "")
				h.BroadcastPresence("doc-1")
			}
		}(i)
	}

	for _, session := range sessions {
		h.Disconnect(session)
	}
	close(stop)
	wg.Wait()

	if h.SessionCount("doc-1") != 0 {
		t.Fatalf("expected all sessions removed, got %d", h.SessionCount("doc-1"))
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	h := NewHub(Config{SendBuffer: 1})
	conn := &stalledConn{fakeConn: fakeConn{wrote: make(chan struct{}, 64)}, release: make(chan struct{})}
	defer close(conn.release)
	session := h.NewSession("s-slow", "actor-1", "Ada", conn)
	h.Join("doc-1", session)

	// The stalled write pump never drains, so the buffer overflows.
	for i := 0; i < 8; i++ {
		h.BroadcastUpdate("doc-1", []byte{byte(i)}, "")
	}

	deadline := time.After(2 * time.Second)
	for h.SessionCount("doc-1") != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected slow session to be dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
