package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/NorthglenLabs/tessera/backend/internal/blocks"
	"github.com/NorthglenLabs/tessera/backend/internal/crdt"
	"github.com/NorthglenLabs/tessera/backend/internal/hub"
)

var syncUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSync upgrades the request to a websocket session. Binary frames are
// opaque CRDT updates: applied to the live document, then fanned out to the
// other sessions on the document. Text frames carry join/leave/presence
// controls. The read loop is the only goroutine applying this session's
// updates, so apply-then-broadcast order is preserved per session.
func (h *httpHandler) handleSync(c *gin.Context) {
	if h.syncStore == nil || h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync_unavailable"})
		return
	}

	sessionID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("session id generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	actorID := c.GetString(actorIDContextKey)
	displayName := c.GetString(displayNameContextKey)

	conn, err := syncUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := h.hub.NewSession(sessionID, actorID, displayName, conn)
	h.logger.Info("sync session opened",
		zap.String("session_id", sessionID),
		zap.String("actor_id", actorID))

	requestedDocument, _ := blocks.NewDocumentID(c.Param("documentID"))
	if requestedDocument != "" {
		if err := h.joinDocument(c.Request.Context(), session, requestedDocument.String()); err != nil {
			h.logger.Warn("initial join failed",
				zap.String("session_id", sessionID),
				zap.String("document_id", requestedDocument.String()),
				zap.Error(err))
			h.hub.Disconnect(session)
			return
		}
	}

	h.readLoop(c.Request.Context(), conn, session)
}

func (h *httpHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *hub.Session) {
	defer h.teardown(ctx, session)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("sync session read failed",
					zap.String("session_id", session.ID()), zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			h.handleUpdateFrame(session, payload)
		case websocket.TextMessage:
			h.handleControlFrame(ctx, session, payload)
		}
	}
}

// handleUpdateFrame merges one incremental CRDT update into the live document
// and relays the same bytes to the document's other sessions. A malformed
// update is dropped without disturbing the session.
func (h *httpHandler) handleUpdateFrame(session *hub.Session, update []byte) {
	documentID := session.DocumentID()
	if documentID == "" || len(update) == 0 {
		return
	}
	if err := h.syncStore.ApplyRemoteUpdate(documentID, update); err != nil {
		if errors.Is(err, crdt.ErrInvalidUpdate) {
			h.logger.Warn("malformed update rejected",
				zap.String("session_id", session.ID()),
				zap.String("document_id", documentID))
			return
		}
		h.logger.Error("update apply failed",
			zap.String("session_id", session.ID()),
			zap.String("document_id", documentID),
			zap.Error(err))
		return
	}
	h.hub.BroadcastUpdate(documentID, update, session.ID())
}

func (h *httpHandler) handleControlFrame(ctx context.Context, session *hub.Session, payload []byte) {
	var message hub.ControlMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		h.logger.Warn("malformed control frame",
			zap.String("session_id", session.ID()), zap.Error(err))
		return
	}

	switch message.Type {
	case hub.MessageTypeJoin:
		documentID := strings.TrimSpace(message.DocumentID)
		if documentID == "" {
			return
		}
		if err := h.joinDocument(ctx, session, documentID); err != nil {
			h.logger.Warn("join failed",
				zap.String("session_id", session.ID()),
				zap.String("document_id", documentID),
				zap.Error(err))
		}
	case hub.MessageTypeLeave:
		h.leaveDocument(ctx, session)
	case hub.MessageTypePresence:
		if documentID := session.DocumentID(); documentID != "" {
			h.hub.SetPresence(documentID, session, message.Cursor)
		}
	}
}

// joinDocument loads the document's CRDT state on first join and sends the
// full encoded state to the session so it starts from the current document.
func (h *httpHandler) joinDocument(ctx context.Context, session *hub.Session, documentID string) error {
	validated, err := blocks.NewDocumentID(documentID)
	if err != nil {
		return err
	}
	if previous := session.DocumentID(); previous != "" && previous != documentID {
		h.leaveDocument(ctx, session)
	}
	// Join before touching the store: a joined session is what keeps the
	// live document from being closed out from under it.
	h.hub.Join(documentID, session)

	if !h.syncStore.IsOpen(documentID) {
		document, err := h.service.GetDocument(ctx, validated)
		if err != nil {
			h.leaveDocument(ctx, session)
			return err
		}
		var snapshot []byte
		if document.SnapshotB64 != "" {
			snapshot, err = base64.StdEncoding.DecodeString(document.SnapshotB64)
			if err != nil {
				h.leaveDocument(ctx, session)
				return err
			}
		}
		if err := h.syncStore.Open(documentID, snapshot); err != nil {
			h.leaveDocument(ctx, session)
			return err
		}
	}

	state, err := h.syncStore.EncodeSnapshot(documentID)
	if err != nil {
		h.leaveDocument(ctx, session)
		return err
	}
	h.hub.SendState(session, state)
	return nil
}

// leaveDocument detaches the session; the last session out flushes and
// closes the in-memory document.
func (h *httpHandler) leaveDocument(ctx context.Context, session *hub.Session) {
	documentID := session.DocumentID()
	if documentID == "" {
		return
	}
	remaining := h.hub.Leave(documentID, session)
	if remaining == 0 {
		h.closeIfIdle(ctx, documentID)
	}
}

// closeIfIdle flushes and drops the live document once no session holds it.
// The liveness check runs inside the store's lock, so a session that joined
// in the meantime keeps the state alive.
func (h *httpHandler) closeIfIdle(ctx context.Context, documentID string) {
	// The request context dies with the socket; the final flush must not.
	err := h.syncStore.CloseDocumentIf(context.WithoutCancel(ctx), documentID, func() bool {
		return h.hub.SessionCount(documentID) > 0
	})
	if err != nil {
		h.logger.Error("document close failed",
			zap.String("document_id", documentID), zap.Error(err))
	}
}

func (h *httpHandler) teardown(ctx context.Context, session *hub.Session) {
	documentID := session.DocumentID()
	remaining := h.hub.Disconnect(session)
	if documentID != "" && remaining == 0 {
		h.closeIfIdle(ctx, documentID)
	}
	h.logger.Info("sync session closed", zap.String("session_id", session.ID()))
}
