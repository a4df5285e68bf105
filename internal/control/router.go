// Package control exposes the sync engine's producer API over a loopback
// HTTP router: status, pending count, explicit sync requests, local record
// writes and the resolved visible-record view. The local UI and importer
// processes are its only intended clients.
package control

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsekeeplab/pulsekeep/internal/engine"
	"github.com/pulsekeeplab/pulsekeep/internal/queue"
	"github.com/pulsekeeplab/pulsekeep/internal/resolver"
	"github.com/pulsekeeplab/pulsekeep/internal/store"
)

var (
	errMissingEngine = errors.New("sync engine dependency required")
	errMissingStore  = errors.New("local store dependency required")
)

// Dependencies wires the router's collaborators.
type Dependencies struct {
	Engine *engine.Orchestrator
	Store  *store.Store
	Logger *zap.Logger
}

// NewHTTPHandler builds the control router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	v1 := router.Group("/v1")
	v1.GET("/status", handler.handleStatus)
	v1.GET("/pending", handler.handlePending)
	v1.POST("/sync", handler.handleSyncNow)
	v1.POST("/records", handler.handleSaveRecord)
	v1.DELETE("/records/:table/:id", handler.handleDeleteRecord)
	v1.GET("/records/:table/visible", handler.handleVisibleRecords)

	return router, nil
}

type httpHandler struct {
	engine *engine.Orchestrator
	store  *store.Store
	logger *zap.Logger
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.CurrentState())
}

func (h *httpHandler) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending_count": h.engine.PendingCount()})
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	result := h.engine.SyncNow(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"result": string(result)})
}

type saveRecordPayload struct {
	EntityTable      string `json:"entity_table"`
	RecordID         string `json:"id"`
	UserID           string `json:"user_id"`
	SourceTag        string `json:"source_tag"`
	PayloadJSON      string `json:"payload"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func (h *httpHandler) handleSaveRecord(c *gin.Context) {
	var request saveRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EntityTable) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	operation := queue.OperationUpdate
	if strings.TrimSpace(request.RecordID) == "" {
		id, err := uuid.NewV7()
		if err != nil {
			h.logger.Error("record id generation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
			return
		}
		request.RecordID = id.String()
		operation = queue.OperationInsert
	}

	saved, err := h.engine.Enqueue(c.Request.Context(), store.Record{
		EntityTable:      request.EntityTable,
		RecordID:         request.RecordID,
		UserID:           request.UserID,
		SourceTag:        request.SourceTag,
		PayloadJSON:      request.PayloadJSON,
		UpdatedAtSeconds: request.UpdatedAtSeconds,
	}, operation)
	if err != nil {
		h.logger.Warn("local record write failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "write_failed"})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	table := c.Param("table")
	recordID := c.Param("id")
	if err := h.engine.Delete(c.Request.Context(), table, recordID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Warn("local record delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "queued"})
}

func (h *httpHandler) handleVisibleRecords(c *gin.Context) {
	table := c.Param("table")
	userID := c.Query("user_id")
	if strings.TrimSpace(userID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id_required"})
		return
	}

	day := time.Now().UTC()
	if raw := c.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_day"})
			return
		}
		day = parsed
	}

	records, err := h.store.ListForDay(c.Request.Context(), userID, table, day)
	if err != nil {
		h.logger.Warn("visible records query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	resolved := resolver.VisibleBySlot(records)
	visible := make([]store.Record, 0, len(resolved))
	for _, record := range resolved {
		visible = append(visible, record)
	}
	c.JSON(http.StatusOK, gin.H{"records": visible})
}
