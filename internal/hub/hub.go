package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control message types exchanged as JSON text frames. Binary frames carry
// raw CRDT update bytes and are never inspected by the hub.
const (
	MessageTypeJoin            = "join-document"
	MessageTypeLeave           = "leave-document"
	MessageTypePresence        = "presence"
	MessageTypeDocumentChanged = "document-changed"
)

const (
	defaultSendBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
)

// Cursor is a session's last-known caret location inside a document.
type Cursor struct {
	BlockID        string `json:"blockId"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

// PresenceEntry is one joined session inside a presence broadcast. Entries
// are keyed by session id; one identity may hold several sessions.
type PresenceEntry struct {
	SessionID   string  `json:"sessionId"`
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// ControlMessage is the JSON envelope for all text frames in both directions.
type ControlMessage struct {
	Type          string          `json:"type"`
	DocumentID    string          `json:"documentId,omitempty"`
	DisplayName   string          `json:"displayName,omitempty"`
	LatestVersion int64           `json:"latestVersion,omitempty"`
	Cursor        *Cursor         `json:"cursor,omitempty"`
	Sessions      []PresenceEntry `json:"sessions,omitempty"`
}

// Conn is the transport surface the hub needs from a websocket connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type frame struct {
	messageType int
	payload     []byte
}

// Session is one live editing connection. The hub holds no authoritative
// document content for it, only routing and ephemeral presence.
type Session struct {
	id          string
	userID      string
	displayName string
	conn        Conn

	send         chan frame
	writeTimeout time.Duration

	mu         sync.Mutex
	documentID string
	cursor     *Cursor
	closed     bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// DocumentID returns the currently joined document id, or "".
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) setDocument(documentID string) {
	s.mu.Lock()
	s.documentID = documentID
	s.cursor = nil
	s.mu.Unlock()
}

func (s *Session) setCursor(cursor *Cursor) {
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
}

func (s *Session) presence() PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PresenceEntry{
		SessionID:   s.id,
		UserID:      s.userID,
		DisplayName: s.displayName,
		Cursor:      s.cursor,
	}
}

// enqueue hands a frame to the write pump without blocking. A session whose
// buffer is full cannot keep up and gets closed. The send runs under s.mu so
// close cannot shut the channel between the closed check and the send.
func (s *Session) enqueue(f frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.send)
}

func (s *Session) writePump() {
	for f := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(f.messageType, f.payload); err != nil {
			break
		}
	}
	_ = s.conn.Close()
}

// Config describes hub tuning knobs.
type Config struct {
	Logger       *zap.Logger
	SendBuffer   int
	WriteTimeout time.Duration
}

// Hub is the per-document registry of live sessions. It multiplexes CRDT
// update bytes and presence between every session joined to a document.
type Hub struct {
	mu        sync.RWMutex
	documents map[string]map[string]*Session

	logger       *zap.Logger
	sendBuffer   int
	writeTimeout time.Duration
}

// NewHub constructs an empty session hub.
func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		documents:    make(map[string]map[string]*Session),
		logger:       logger,
		sendBuffer:   sendBuffer,
		writeTimeout: writeTimeout,
	}
}

// NewSession wraps a connection and starts its write pump.
func (h *Hub) NewSession(sessionID, userID, displayName string, conn Conn) *Session {
	session := &Session{
		id:           sessionID,
		userID:       userID,
		displayName:  displayName,
		conn:         conn,
		send:         make(chan frame, h.sendBuffer),
		writeTimeout: h.writeTimeout,
	}
	go session.writePump()
	return session
}

// Join registers the session under the document and rebroadcasts presence.
// A session already joined elsewhere leaves that document first.
func (h *Hub) Join(documentID string, session *Session) {
	if previous := session.DocumentID(); previous != "" && previous != documentID {
		h.Leave(previous, session)
	}

	h.mu.Lock()
	sessions, ok := h.documents[documentID]
	if !ok {
		sessions = make(map[string]*Session)
		h.documents[documentID] = sessions
	}
	sessions[session.id] = session
	h.mu.Unlock()

	session.setDocument(documentID)
	h.BroadcastPresence(documentID)
}

// Leave removes the session from the document, rebroadcasts presence, and
// returns how many sessions remain joined.
func (h *Hub) Leave(documentID string, session *Session) int {
	h.mu.Lock()
	remaining := 0
	if sessions, ok := h.documents[documentID]; ok {
		delete(sessions, session.id)
		remaining = len(sessions)
		if remaining == 0 {
			delete(h.documents, documentID)
		}
	}
	h.mu.Unlock()

	session.setDocument("")
	if remaining > 0 {
		h.BroadcastPresence(documentID)
	}
	return remaining
}

// Disconnect tears the session down: removal from its document, one presence
// rebroadcast, and connection close. Safe to call more than once.
// Returns how many sessions remain on the document the session had joined.
func (h *Hub) Disconnect(session *Session) int {
	remaining := 0
	if documentID := session.DocumentID(); documentID != "" {
		remaining = h.Leave(documentID, session)
	}
	session.close()
	return remaining
}

// BroadcastUpdate relays CRDT update bytes to every other session joined to
// the document. The hub performs no merge of its own.
func (h *Hub) BroadcastUpdate(documentID string, update []byte, excludeSessionID string) {
	for _, session := range h.sessionsFor(documentID) {
		if session.id == excludeSessionID {
			continue
		}
		if !session.enqueue(frame{messageType: websocket.BinaryMessage, payload: update}) {
			h.dropSlowSession(documentID, session)
		}
	}
}

// SendState pushes the full encoded document state to one session, used
// right after a join so the client starts from current state.
func (h *Hub) SendState(session *Session, state []byte) {
	if !session.enqueue(frame{messageType: websocket.BinaryMessage, payload: state}) {
		h.dropSlowSession(session.DocumentID(), session)
	}
}

// SetPresence records a session's cursor and rebroadcasts the roster.
func (h *Hub) SetPresence(documentID string, session *Session, cursor *Cursor) {
	session.setCursor(cursor)
	h.BroadcastPresence(documentID)
}

// BroadcastPresence pushes the full roster of joined sessions to every
// session of the document.
func (h *Hub) BroadcastPresence(documentID string) {
	sessions := h.sessionsFor(documentID)
	if len(sessions) == 0 {
		return
	}
	roster := make([]PresenceEntry, 0, len(sessions))
	for _, session := range sessions {
		roster = append(roster, session.presence())
	}
	payload, err := json.Marshal(ControlMessage{
		Type:       MessageTypePresence,
		DocumentID: documentID,
		Sessions:   roster,
	})
	if err != nil {
		h.logger.Error("presence encode failed", zap.Error(err))
		return
	}
	for _, session := range sessions {
		if !session.enqueue(frame{messageType: websocket.TextMessage, payload: payload}) {
			h.dropSlowSession(documentID, session)
		}
	}
}

// NotifyDocumentChanged pushes a catch-up signal to every session joined to
// the document. Sessions then pull operations after their last known
// version themselves.
func (h *Hub) NotifyDocumentChanged(documentID string, latestVersion int64) {
	sessions := h.sessionsFor(documentID)
	if len(sessions) == 0 {
		return
	}
	payload, err := json.Marshal(ControlMessage{
		Type:          MessageTypeDocumentChanged,
		DocumentID:    documentID,
		LatestVersion: latestVersion,
	})
	if err != nil {
		h.logger.Error("change signal encode failed", zap.Error(err))
		return
	}
	for _, session := range sessions {
		if !session.enqueue(frame{messageType: websocket.TextMessage, payload: payload}) {
			h.dropSlowSession(documentID, session)
		}
	}
}

// SessionCount returns how many sessions are joined to the document.
func (h *Hub) SessionCount(documentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.documents[documentID])
}

func (h *Hub) sessionsFor(documentID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := h.documents[documentID]
	if len(sessions) == 0 {
		return nil
	}
	copies := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		copies = append(copies, session)
	}
	return copies
}

func (h *Hub) dropSlowSession(documentID string, session *Session) {
	h.logger.Warn("dropping unresponsive session",
		zap.String("session_id", session.id),
		zap.String("document_id", documentID))
	go h.Disconnect(session)
}
