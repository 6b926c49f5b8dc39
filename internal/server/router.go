package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NorthglenLabs/tessera/backend/internal/auth"
	"github.com/NorthglenLabs/tessera/backend/internal/blocks"
	"github.com/NorthglenLabs/tessera/backend/internal/cache"
	"github.com/NorthglenLabs/tessera/backend/internal/crdt"
	"github.com/NorthglenLabs/tessera/backend/internal/hub"
	"github.com/NorthglenLabs/tessera/backend/internal/relay"
)

const (
	actorIDContextKey     = "tessera_actor_id"
	displayNameContextKey = "tessera_display_name"

	relaySecretHeader = "X-Relay-Secret"

	defaultOperationsLimit = 100
	maxOperationsLimit     = 500
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingBlocksService = errors.New("blocks service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates editor session tokens.
type TokenManager interface {
	IssueSessionToken(userID, displayName string) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ActorRegistry records actors seen on authenticated requests.
type ActorRegistry interface {
	Touch(actorID, displayName string) error
}

// Dependencies wires the HTTP layer to the service plane.
type Dependencies struct {
	TokenManager  TokenManager
	BlocksService *blocks.Service
	Actors        ActorRegistry
	SyncStore     *crdt.Store
	Hub           *hub.Hub
	Relay         *relay.Relay
	Cache         *cache.Cache
	IDProvider    blocks.IDProvider
	RelaySecret   string
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for the API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.BlocksService == nil {
		return nil, errMissingBlocksService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		service:     deps.BlocksService,
		actors:      deps.Actors,
		syncStore:   deps.SyncStore,
		hub:         deps.Hub,
		relay:       deps.Relay,
		cache:       deps.Cache,
		idProvider:  deps.IDProvider,
		relaySecret: deps.RelaySecret,
		logger:      logger,
	}

	router.POST("/auth/session", handler.handleIssueSession)
	router.POST("/internal/changes", handler.handleChangeSignal)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:documentID", handler.handleGetDocument)
	protected.DELETE("/documents/:documentID", handler.handleArchiveDocument)
	protected.GET("/documents/:documentID/blocks", handler.handleListBlocks)
	protected.POST("/documents/:documentID/blocks", handler.handleCreateBlock)
	protected.PATCH("/documents/:documentID/blocks/:blockID", handler.handleUpdateBlock)
	protected.DELETE("/documents/:documentID/blocks/:blockID", handler.handleDeleteBlock)
	protected.POST("/documents/:documentID/blocks/:blockID/duplicate", handler.handleDuplicateBlock)
	protected.POST("/documents/:documentID/reorder", handler.handleReorderBlocks)
	protected.GET("/documents/:documentID/operations", handler.handleReadOperations)
	protected.GET("/documents/:documentID/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	service     *blocks.Service
	actors      ActorRegistry
	syncStore   *crdt.Store
	hub         *hub.Hub
	relay       *relay.Relay
	cache       *cache.Cache
	idProvider  blocks.IDProvider
	relaySecret string
	logger      *zap.Logger
}

type sessionRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(request.UserID, request.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type documentPayload struct {
	DocumentID       string `json:"document_id"`
	WorkspaceID      string `json:"workspace_id"`
	Title            string `json:"title"`
	LatestVersion    int64  `json:"latest_version"`
	Archived         bool   `json:"archived"`
	CreatedBy        string `json:"created_by"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func documentToPayload(document *blocks.Document) documentPayload {
	return documentPayload{
		DocumentID:       document.DocumentID,
		WorkspaceID:      document.WorkspaceID,
		Title:            document.Title,
		LatestVersion:    document.LatestVersion,
		Archived:         document.Archived,
		CreatedBy:        document.CreatedBy,
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
}

type createDocumentRequestPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	actorID, ok := h.requestActor(c)
	if !ok {
		return
	}

	var request createDocumentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.service.CreateDocument(c.Request.Context(), blocks.CreateDocumentRequest{
		WorkspaceID: strings.TrimSpace(request.WorkspaceID),
		Title:       strings.TrimSpace(request.Title),
		ActorID:     actorID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, documentToPayload(document))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}

	if cached, hit := h.cacheGet(cache.DocumentKey(documentID.String())); hit {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	document, err := h.service.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	payload, err := json.Marshal(documentToPayload(document))
	if err != nil {
		h.logger.Error("document encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	h.cacheSet(cache.DocumentKey(documentID.String()), payload)
	c.Data(http.StatusOK, "application/json", payload)
}

func (h *httpHandler) handleArchiveDocument(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	if err := h.service.ArchiveDocument(c.Request.Context(), documentID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type blockPayload struct {
	BlockID          string          `json:"block_id"`
	ParentID         *string         `json:"parent_id,omitempty"`
	Type             string          `json:"type"`
	Content          json.RawMessage `json:"content"`
	Properties       json.RawMessage `json:"properties"`
	Position         float64         `json:"position"`
	Version          int64           `json:"version"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAtSeconds int64           `json:"created_at_s,omitempty"`
	UpdatedAtSeconds int64           `json:"updated_at_s,omitempty"`
}

func reconciledToPayload(merged blocks.ReconciledBlock) (blockPayload, error) {
	contentJSON, err := blocks.EncodeContent(merged.Content)
	if err != nil {
		return blockPayload{}, err
	}
	properties := merged.PropertiesJSON
	if properties == "" {
		properties = "{}"
	}
	return blockPayload{
		BlockID:          merged.BlockID,
		ParentID:         merged.ParentID,
		Type:             merged.Type.String(),
		Content:          json.RawMessage(contentJSON),
		Properties:       json.RawMessage(properties),
		Position:         merged.Position,
		Version:          merged.Version,
		CreatedBy:        merged.CreatedBy,
		CreatedAtSeconds: merged.CreatedAtSeconds,
		UpdatedAtSeconds: merged.UpdatedAtSeconds,
	}, nil
}

func rowToPayload(row *blocks.Block) blockPayload {
	content := row.ContentJSON
	if content == "" {
		content = "{}"
	}
	properties := row.PropertiesJSON
	if properties == "" {
		properties = "{}"
	}
	return blockPayload{
		BlockID:          row.BlockID,
		ParentID:         row.ParentID,
		Type:             row.Type,
		Content:          json.RawMessage(content),
		Properties:       json.RawMessage(properties),
		Position:         row.Position,
		Version:          row.Version,
		CreatedBy:        row.CreatedBy,
		CreatedAtSeconds: row.CreatedAtSeconds,
		UpdatedAtSeconds: row.UpdatedAtSeconds,
	}
}

type listBlocksResponsePayload struct {
	Blocks []blockPayload `json:"blocks"`
}

// handleListBlocks serves the merged view of a document: relational rows
// reconciled against the live CRDT state when a sync session has the document
// open, straight rows otherwise. Responses are memoized briefly.
func (h *httpHandler) handleListBlocks(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}

	if cached, hit := h.cacheGet(cache.BlocksKey(documentID.String())); hit {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	rows, err := h.service.ListBlocks(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	var entries []blocks.CrdtEntry
	if h.syncStore != nil && h.syncStore.IsOpen(documentID.String()) {
		entries, err = h.syncStore.Entries(documentID.String())
		if err != nil {
			h.logger.Warn("crdt entries unavailable, serving rows",
				zap.String("document_id", documentID.String()), zap.Error(err))
			entries = nil
		}
	}

	merged, err := blocks.Reconcile(rows, entries)
	if err != nil {
		h.logger.Error("block reconcile failed", zap.String("document_id", documentID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed"})
		return
	}

	response := listBlocksResponsePayload{Blocks: make([]blockPayload, 0, len(merged))}
	for _, block := range merged {
		payload, err := reconciledToPayload(block)
		if err != nil {
			h.logger.Error("block encode failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
			return
		}
		response.Blocks = append(response.Blocks, payload)
	}

	raw, err := json.Marshal(response)
	if err != nil {
		h.logger.Error("block list encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	h.cacheSet(cache.BlocksKey(documentID.String()), raw)
	c.Data(http.StatusOK, "application/json", raw)
}

type createBlockRequestPayload struct {
	BlockID    string          `json:"block_id"`
	ParentID   *string         `json:"parent_id"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content"`
	Properties json.RawMessage `json:"properties"`
	Position   float64         `json:"position"`
	ClientID   string          `json:"client_id"`
}

type mutationResponsePayload struct {
	Block   blockPayload `json:"block"`
	Version int64        `json:"version"`
}

func (h *httpHandler) handleCreateBlock(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	actorID, ok := h.requestActor(c)
	if !ok {
		return
	}

	var request createBlockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	blockType, err := blocks.ParseBlockType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_type"})
		return
	}
	content, err := blocks.DecodeContent(blockType, string(request.Content))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	}

	result, err := h.service.CreateBlock(c.Request.Context(), blocks.CreateBlockRequest{
		DocumentID: documentID,
		BlockID:    strings.TrimSpace(request.BlockID),
		ParentID:   request.ParentID,
		Type:       blockType,
		Content:    content,
		Properties: string(request.Properties),
		Position:   request.Position,
		ActorID:    actorID,
		ClientID:   request.ClientID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mutationResponsePayload{Block: rowToPayload(result.Block), Version: result.Version})
}

type updateBlockRequestPayload struct {
	Type       *string         `json:"type"`
	Content    json.RawMessage `json:"content"`
	Properties *string         `json:"properties"`
	Position   *float64        `json:"position"`
	ClientID   string          `json:"client_id"`
}

func (h *httpHandler) handleUpdateBlock(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	blockID, ok := h.pathBlockID(c)
	if !ok {
		return
	}
	actorID, ok := h.requestActor(c)
	if !ok {
		return
	}

	var request updateBlockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	serviceRequest := blocks.UpdateBlockRequest{
		DocumentID: documentID,
		BlockID:    blockID,
		Properties: request.Properties,
		Position:   request.Position,
		ActorID:    actorID,
		ClientID:   request.ClientID,
	}
	blockType := blocks.BlockType("")
	if request.Type != nil {
		parsed, err := blocks.ParseBlockType(*request.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_type"})
			return
		}
		blockType = parsed
		serviceRequest.Type = &blockType
	}
	if len(request.Content) > 0 {
		contentType := blockType
		if contentType == "" {
			existingType, err := h.lookupBlockType(c, documentID, blockID)
			if err != nil {
				return
			}
			contentType = existingType
		}
		content, err := blocks.DecodeContent(contentType, string(request.Content))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
			return
		}
		serviceRequest.Content = content
	}

	result, err := h.service.UpdateBlock(c.Request.Context(), serviceRequest)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mutationResponsePayload{Block: rowToPayload(result.Block), Version: result.Version})
}

type deleteResponsePayload struct {
	Version int64 `json:"version"`
}

func (h *httpHandler) handleDeleteBlock(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	blockID, ok := h.pathBlockID(c)
	if !ok {
		return
	}
	actorID, ok := h.requestActor(c)
	if !ok {
		return
	}

	var request struct {
		ClientID string `json:"client_id"`
	}
	_ = c.ShouldBindJSON(&request)

	version, err := h.service.DeleteBlock(c.Request.Context(), blocks.DeleteBlockRequest{
		DocumentID: documentID,
		BlockID:    blockID,
		ActorID:    actorID,
		ClientID:   request.ClientID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteResponsePayload{Version: version})
}

type duplicateBlockRequestPayload struct {
	Position *float64 `json:"position"`
	ClientID string   `json:"client_id"`
}

func (h *httpHandler) handleDuplicateBlock(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	blockID, ok := h.pathBlockID(c)
	if !ok {
		return
	}
	actorID, ok := h.requestActor(c)
	if !ok {
		return
	}

	var request duplicateBlockRequestPayload
	_ = c.ShouldBindJSON(&request)

	result, err := h.service.DuplicateBlock(c.Request.Context(), blocks.DuplicateBlockRequest{
		DocumentID:    documentID,
		SourceBlockID: blockID,
		Position:      request.Position,
		ActorID:       actorID,
		ClientID:      request.ClientID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mutationResponsePayload{Block: rowToPayload(result.Block), Version: result.Version})
}

type reorderRequestPayload struct {
	Positions map[string]float64 `json:"positions"`
	ClientID  string             `json:"client_id"`
}

func (h *httpHandler) handleReorderBlocks(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}
	actorID, ok := h.requestActor(c)
	if !ok {
		return
	}

	var request reorderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Positions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	version, err := h.service.ReorderBlocks(c.Request.Context(), blocks.ReorderBlocksRequest{
		DocumentID: documentID,
		Positions:  request.Positions,
		ActorID:    actorID,
		ClientID:   request.ClientID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteResponsePayload{Version: version})
}

type operationPayload struct {
	OperationID      int64           `json:"operation_id"`
	BlockID          string          `json:"block_id,omitempty"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	ClientID         string          `json:"client_id,omitempty"`
	ActorID          string          `json:"actor_id"`
	Version          int64           `json:"version"`
	AppliedAtSeconds int64           `json:"applied_at_s"`
}

type operationsResponsePayload struct {
	Operations []operationPayload `json:"operations"`
}

// handleReadOperations is the catch-up feed: clients poll it with the last
// version they applied and receive everything logged after it, in order.
func (h *httpHandler) handleReadOperations(c *gin.Context) {
	documentID, ok := h.pathDocumentID(c)
	if !ok {
		return
	}

	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}
	limit := defaultOperationsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		if parsed > maxOperationsLimit {
			parsed = maxOperationsLimit
		}
		limit = parsed
	}

	entries, err := h.service.ReadOperationsSince(c.Request.Context(), documentID, since, limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	response := operationsResponsePayload{Operations: make([]operationPayload, 0, len(entries))}
	for _, entry := range entries {
		payload := json.RawMessage("{}")
		if entry.PayloadJSON != "" {
			payload = json.RawMessage(entry.PayloadJSON)
		}
		response.Operations = append(response.Operations, operationPayload{
			OperationID:      entry.OperationID,
			BlockID:          entry.BlockID,
			Kind:             entry.Kind,
			Payload:          payload,
			ClientID:         entry.ClientID,
			ActorID:          entry.ActorID,
			Version:          entry.Version,
			AppliedAtSeconds: entry.AppliedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, response)
}

type changeSignalPayload struct {
	DocumentID    string `json:"document_id"`
	LatestVersion int64  `json:"latest_version"`
}

// handleChangeSignal accepts decoupled change notifications from trusted
// internal producers and forwards them through the relay. Delivery is
// fire-and-forget, so acceptance only means the signal was enqueued.
func (h *httpHandler) handleChangeSignal(c *gin.Context) {
	if h.relaySecret == "" || c.GetHeader(relaySecretHeader) != h.relaySecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request changeSignalPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DocumentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.relay != nil {
		h.relay.Notify(strings.TrimSpace(request.DocumentID), request.LatestVersion)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine session churn, not a fault.
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.actors != nil {
		if err := h.actors.Touch(claims.Subject, claims.DisplayName); err != nil {
			h.logger.Warn("actor registry touch failed", zap.String("actor_id", claims.Subject), zap.Error(err))
		}
	}
	c.Set(actorIDContextKey, claims.Subject)
	c.Set(displayNameContextKey, claims.DisplayName)
	c.Next()
}

// bearerToken extracts the session token from the Authorization header, with
// a query-parameter fallback for websocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

func (h *httpHandler) requestActor(c *gin.Context) (blocks.ActorID, bool) {
	actorID, err := blocks.NewActorID(c.GetString(actorIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return actorID, true
}

func (h *httpHandler) pathDocumentID(c *gin.Context) (blocks.DocumentID, bool) {
	documentID, err := blocks.NewDocumentID(c.Param("documentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) pathBlockID(c *gin.Context) (blocks.BlockID, bool) {
	blockID, err := blocks.NewBlockID(c.Param("blockID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block_id"})
		return "", false
	}
	return blockID, true
}

func (h *httpHandler) lookupBlockType(c *gin.Context, documentID blocks.DocumentID, blockID blocks.BlockID) (blocks.BlockType, error) {
	rows, err := h.service.ListBlocks(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return "", err
	}
	for _, row := range rows {
		if row.BlockID == blockID.String() {
			parsed, err := blocks.ParseBlockType(row.Type)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid_stored_type"})
				return "", err
			}
			return parsed, nil
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "block_not_found"})
	return "", blocks.ErrBlockNotFound
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, blocks.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
	case errors.Is(err, blocks.ErrBlockNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "block_not_found"})
	case errors.Is(err, blocks.ErrInvalidDocumentID),
		errors.Is(err, blocks.ErrInvalidBlockID),
		errors.Is(err, blocks.ErrInvalidBlockType),
		errors.Is(err, blocks.ErrInvalidOperationKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) cacheGet(key string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	return h.cache.Get(key)
}

func (h *httpHandler) cacheSet(key string, payload []byte) {
	if h.cache != nil {
		h.cache.Set(key, payload)
	}
}
