package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"csvai/internal/csvload"
	"csvai/internal/logger"
	"csvai/internal/models"
	"csvai/internal/service/assistant"
	"csvai/internal/service/llm"
	"csvai/internal/worker"
)

//go:embed static/index.html
var staticFiles embed.FS

const requestTimeout = 2 * time.Minute

// WorkerManager runs the session pipelines. *worker.Manager implements it.
type WorkerManager interface {
	SetAPIKey(sessionID int64, key string)
	Load(ctx context.Context, sessionID int64) (*models.Conversation, error)
	Ask(ctx context.Context, sessionID int64, question string, onChunk func(string) error) (string, error)
	Summarize(ctx context.Context, sessionID int64) (string, error)
	Reset(ctx context.Context, sessionID int64) error
	Conversation(ctx context.Context, sessionID int64) (*models.Conversation, error)
	Purge(ctx context.Context, sessionID int64)
}

// Handler wires HTTP routes to the session store and the worker manager.
type Handler struct {
	assistant *assistant.Service
	models    *llm.Factory
	workers   WorkerManager
	fileBase  string
	fileTTL   time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, factory *llm.Factory, workers WorkerManager, fileBase string, fileTTL time.Duration) *Handler {
	if fileTTL <= 0 {
		fileTTL = assistant.DefaultTempFileTTL
	}
	return &Handler{
		assistant: service,
		models:    factory,
		workers:   workers,
		fileBase:  fileBase,
		fileTTL:   fileTTL,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.index)
	api := router.Group("/api")
	api.GET("/options", h.options)
	api.POST("/sessions", h.createSession)
	sessions := api.Group("/sessions/:id")
	sessions.Use(requireSessionID())
	sessions.GET("", h.getSession)
	sessions.PATCH("/settings", h.updateSettings)
	sessions.DELETE("", h.deleteSession)
	sessions.POST("/upload", h.uploadFile)
	sessions.POST("/messages", h.askQuestion)
	sessions.POST("/summary", h.summarize)
	sessions.GET("/conversation", h.getConversation)
	sessions.POST("/reset", h.resetConversation)
}

const sessionIDKey = "session_id"

func requireSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}
		c.Set(sessionIDKey, id)
		c.Request = c.Request.WithContext(logger.AddFields(c.Request.Context(), zap.Int64("session_id", id)))
		c.Next()
	}
}

func sessionID(c *gin.Context) int64 {
	return c.GetInt64(sessionIDKey)
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, assistant.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrWrongMode):
		return http.StatusConflict
	case errors.Is(err, csvload.ErrEmptyCSV),
		errors.Is(err, llm.ErrMissingAPIKey),
		errors.Is(err, llm.ErrUnknownModel),
		errors.Is(err, worker.ErrUploadRequired):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		return "server is busy, please retry"
	}
	return err.Error()
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Extract(c.Request.Context()).Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorMessage(err)})
}

func (h *Handler) index(c *gin.Context) {
	page, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ui not available"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

type settingRange struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

func (h *Handler) options(c *gin.Context) {
	modes := make([]gin.H, 0, len(models.Modes))
	for _, m := range models.Modes {
		modes = append(modes, gin.H{"id": m, "name": m.DisplayName()})
	}
	c.JSON(http.StatusOK, gin.H{
		"modes":         modes,
		"models":        h.models.Models(),
		"default_model": h.models.DefaultModel(),
		"settings": gin.H{
			"temperature": settingRange{models.TemperatureMin, models.TemperatureMax, models.TemperatureStep, models.TemperatureDefault},
			"top_p":       settingRange{models.TopPMin, models.TopPMax, models.TopPStep, models.TopPDefault},
			"frequency_penalty": settingRange{
				models.FrequencyPenaltyMin, models.FrequencyPenaltyMax, models.FrequencyPenaltyStep, models.FrequencyPenaltyDefault,
			},
		},
		"api_key_loaded": h.models.KeyFromEnv(),
	})
}

// settingsRequest carries optional settings; absent fields keep their current value.
type settingsRequest struct {
	Model            *string  `json:"model"`
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"top_p"`
	FrequencyPenalty *float64 `json:"frequency_penalty"`
	APIKey           *string  `json:"api_key"`
}

func (r settingsRequest) apply(s models.GenerationSettings) models.GenerationSettings {
	if r.Model != nil {
		s.Model = strings.TrimSpace(*r.Model)
	}
	if r.Temperature != nil {
		s.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		s.TopP = *r.TopP
	}
	if r.FrequencyPenalty != nil {
		s.FrequencyPenalty = *r.FrequencyPenalty
	}
	return s
}

func (h *Handler) checkSettings(s models.GenerationSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return h.models.CheckModel(s.Model)
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		Mode models.Mode `json:"mode"`
		settingsRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeChat
	}
	if !req.Mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown mode %q", req.Mode)})
		return
	}
	settings := req.apply(models.DefaultSettings(h.models.DefaultModel()))
	if err := h.checkSettings(settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := h.assistant.CreateSession(c.Request.Context(), req.Mode, settings)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.APIKey != nil {
		h.workers.SetAPIKey(session.ID, strings.TrimSpace(*req.APIKey))
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *Handler) getSession(c *gin.Context) {
	ctx := c.Request.Context()
	session, err := h.assistant.GetSession(ctx, sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	conv, err := h.workers.Conversation(ctx, session.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":      session,
		"conversation": conv,
	})
}

func (h *Handler) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	session, err := h.assistant.GetSession(ctx, sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	settings := req.apply(session.Settings)
	if err := h.checkSettings(settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if settings != session.Settings {
		if err := h.assistant.UpdateSettings(ctx, session.ID, settings); err != nil {
			h.fail(c, err)
			return
		}
		session.Settings = settings
	}
	if req.APIKey != nil {
		h.workers.SetAPIKey(session.ID, strings.TrimSpace(*req.APIKey))
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) deleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := sessionID(c)
	paths, err := h.assistant.DeleteSession(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	assistant.RemoveFiles(ctx, paths)
	h.workers.Purge(ctx, id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := sessionID(c)
	if _, err := h.assistant.GetSession(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	conv, err := h.workers.Conversation(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) resetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := sessionID(c)
	if _, err := h.assistant.GetSession(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.workers.Reset(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) summarize(c *gin.Context) {
	ctx, cancel := context.WithTimeout(logger.WithAction(c.Request.Context(), "summarize"), requestTimeout)
	defer cancel()
	id := sessionID(c)
	session, err := h.assistant.GetSession(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if session.Mode != models.ModeSummarize {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("%s: %s", worker.ErrWrongMode, session.Mode.DisplayName())})
		return
	}
	summary, err := h.workers.Summarize(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// eventWriter serializes SSE writes. Chunks arrive from the worker goroutine and
// may still be in flight when the request gives up waiting, so writes after
// close are dropped.
type eventWriter struct {
	mu      sync.Mutex
	c       *gin.Context
	flusher http.Flusher
	closed  bool
}

func (w *eventWriter) send(event string, payload interface{}) error {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return context.Canceled
	}
	if event != "" {
		if _, err := fmt.Fprintf(w.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *eventWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// askQuestion answers a chat or analyze question over SSE: ack, stream events
// with the answer so far, then done or error.
func (h *Handler) askQuestion(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	question := strings.TrimSpace(req.Content)
	if question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	id := sessionID(c)
	session, err := h.assistant.GetSession(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if session.Mode == models.ModeSummarize {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("%s: %s", worker.ErrWrongMode, session.Mode.DisplayName())})
		return
	}

	streamCtx, cancel := context.WithTimeout(logger.WithAction(c.Request.Context(), "ask"), requestTimeout)
	defer cancel()
	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	events := &eventWriter{c: c, flusher: flusher}
	defer events.close()
	if err := events.send("ack", gin.H{
		"message": gin.H{
			"session_id": id,
			"role":       models.RoleUser,
			"content":    question,
		},
	}); err != nil {
		return
	}
	answer, err := h.workers.Ask(streamCtx, id, question, func(content string) error {
		return events.send("stream", gin.H{"content": content})
	})
	if err != nil {
		_ = events.send("error", gin.H{"message": errorMessage(err)})
		return
	}
	conv, err := h.workers.Conversation(c.Request.Context(), id)
	if err != nil {
		_ = events.send("error", gin.H{"message": err.Error()})
		return
	}
	_ = events.send("done", gin.H{
		"answer": gin.H{
			"session_id": id,
			"role":       models.RoleAssistant,
			"content":    answer,
		},
		"conversation": conv,
	})
}
