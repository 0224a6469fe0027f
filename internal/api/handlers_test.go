package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"csvai/internal/config"
	"csvai/internal/models"
	"csvai/internal/service/assistant"
	"csvai/internal/service/llm"
	"csvai/internal/storage"
	"csvai/internal/worker"
)

const salesCSV = "region,units\nNorth,10\nSouth,7\n"

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, mock := newTestServer(t)

	optResp := doJSONRequest(t, router, http.MethodGet, "/api/options", nil)
	assertStatus(t, optResp, http.StatusOK)
	var opts struct {
		Modes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"modes"`
		Models       []string `json:"models"`
		DefaultModel string   `json:"default_model"`
		KeyLoaded    bool     `json:"api_key_loaded"`
	}
	decodeJSON(t, optResp.Body.Bytes(), &opts)
	if len(opts.Modes) != 3 || opts.Modes[0].Name != "Chat with CSV" {
		t.Fatalf("unexpected modes: %+v", opts.Modes)
	}
	if opts.DefaultModel != "gpt-3.5-turbo" || len(opts.Models) != 3 {
		t.Fatalf("unexpected models: %v default %q", opts.Models, opts.DefaultModel)
	}

	sessionID := createSession(t, router, map[string]any{"mode": "chat", "api_key": "sk-test"})
	if mock.key(sessionID) != "sk-test" {
		t.Fatalf("expected api key to reach the worker manager")
	}

	upResp := uploadCSV(t, router, sessionID, "sales.csv", []byte(salesCSV))
	assertStatus(t, upResp, http.StatusCreated)
	var upBody struct {
		Upload struct {
			FileName string `json:"file_name"`
			Rows     int    `json:"rows"`
			Encoding string `json:"encoding"`
		} `json:"upload"`
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, upResp.Body.Bytes(), &upBody)
	if upBody.Upload.FileName != "sales.csv" || upBody.Upload.Rows != 2 || upBody.Upload.Encoding != "utf-8" {
		t.Fatalf("unexpected upload info: %+v", upBody.Upload)
	}
	if len(upBody.Conversation.Past) != 1 || upBody.Conversation.Past[0] != models.GreetingUser {
		t.Fatalf("expected greeting after upload, got %+v", upBody.Conversation)
	}
	if want := models.Greeting(models.ModeChat, "sales.csv"); upBody.Conversation.Generated[0] != want {
		t.Fatalf("greeting mismatch: %q", upBody.Conversation.Generated[0])
	}

	question := "Which region sold the most?"
	sendResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/messages", sessionID), map[string]string{"content": question})
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 4 SSE events, got %d: %+v", len(events), events)
	}
	if events[0].Name != "ack" || events[1].Name != "stream" || events[2].Name != "stream" || events[3].Name != "done" {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
	var ackPayload struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ackPayload)
	if ackPayload.Message.Content != question {
		t.Fatalf("ack payload mismatch, want %q got %q", question, ackPayload.Message.Content)
	}
	var streamPayload struct {
		Content string `json:"content"`
	}
	decodeJSON(t, []byte(events[2].Data), &streamPayload)
	wantAnswer := fmt.Sprintf("Mock response to %q", question)
	if streamPayload.Content != wantAnswer {
		t.Fatalf("stream should carry the accumulated answer, got %q", streamPayload.Content)
	}
	var donePayload struct {
		Answer struct {
			Content string `json:"content"`
		} `json:"answer"`
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, []byte(events[3].Data), &donePayload)
	if donePayload.Answer.Content != wantAnswer {
		t.Fatalf("done answer mismatch: %q", donePayload.Answer.Content)
	}
	if len(donePayload.Conversation.Past) != 2 || donePayload.Conversation.Past[1] != question {
		t.Fatalf("conversation not updated: %+v", donePayload.Conversation)
	}
	if n := countMessages(t, db, sessionID); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}

	getResp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/sessions/%d", sessionID), nil)
	assertStatus(t, getResp, http.StatusOK)
	var getBody struct {
		Session      models.Session      `json:"session"`
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &getBody)
	if getBody.Session.FileName != "sales.csv" || len(getBody.Conversation.Generated) != 2 {
		t.Fatalf("unexpected session body: %+v", getBody)
	}

	resetResp := doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/reset", sessionID), nil)
	assertStatus(t, resetResp, http.StatusNoContent)
	convResp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/sessions/%d/conversation", sessionID), nil)
	assertStatus(t, convResp, http.StatusOK)
	var conv models.Conversation
	decodeJSON(t, convResp.Body.Bytes(), &conv)
	if len(conv.Past) != 0 || len(conv.Generated) != 0 {
		t.Fatalf("expected empty conversation after reset, got %+v", conv)
	}

	delResp := doJSONRequest(t, router, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", sessionID), nil)
	assertStatus(t, delResp, http.StatusNoContent)
	if !mock.wasPurged(sessionID) {
		t.Fatalf("expected session runtime to be purged")
	}
	missing := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/sessions/%d", sessionID), nil)
	assertStatus(t, missing, http.StatusNotFound)
}

func TestCreateSessionValidation(t *testing.T) {
	router, _, _ := newTestServer(t)

	cases := []map[string]any{
		{"mode": "plot"},
		{"mode": "chat", "temperature": 1.5},
		{"mode": "chat", "top_p": -0.1},
		{"mode": "chat", "frequency_penalty": 2.5},
		{"mode": "chat", "model": "gpt-2"},
	}
	for _, body := range cases {
		resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", body)
		assertStatus(t, resp, http.StatusBadRequest)
	}

	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", map[string]any{"mode": "analyze", "model": "gpt-4", "temperature": 0.2})
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Session models.Session `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	want := models.GenerationSettings{Model: "gpt-4", Temperature: 0.2, TopP: models.TopPDefault, FrequencyPenalty: models.FrequencyPenaltyDefault}
	if body.Session.Mode != models.ModeAnalyze || body.Session.Settings != want {
		t.Fatalf("unexpected session: %+v", body.Session)
	}
}

func TestUpdateSettings(t *testing.T) {
	router, _, mock := newTestServer(t)
	sessionID := createSession(t, router, map[string]any{"mode": "chat"})

	resp := doJSONRequest(t, router, http.MethodPatch, fmt.Sprintf("/api/sessions/%d/settings", sessionID),
		map[string]any{"model": "gpt-4-32k", "top_p": 0.5, "api_key": " sk-new "})
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Session models.Session `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Session.Settings.Model != "gpt-4-32k" || body.Session.Settings.TopP != 0.5 {
		t.Fatalf("settings not applied: %+v", body.Session.Settings)
	}
	if body.Session.Settings.Temperature != models.TemperatureDefault {
		t.Fatalf("temperature should be kept, got %v", body.Session.Settings.Temperature)
	}
	if mock.key(sessionID) != "sk-new" {
		t.Fatalf("api key not updated, got %q", mock.key(sessionID))
	}

	bad := doJSONRequest(t, router, http.MethodPatch, fmt.Sprintf("/api/sessions/%d/settings", sessionID),
		map[string]any{"temperature": 3})
	assertStatus(t, bad, http.StatusBadRequest)
	missing := doJSONRequest(t, router, http.MethodPatch, "/api/sessions/999/settings", map[string]any{"top_p": 0.3})
	assertStatus(t, missing, http.StatusNotFound)
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	router, _, _ := newTestServer(t)
	sessionID := createSession(t, router, map[string]any{"mode": "chat"})

	resp := uploadCSV(t, router, sessionID, "notes.txt", []byte(salesCSV))
	assertStatus(t, resp, http.StatusBadRequest)

	resp = uploadCSV(t, router, sessionID, "image.csv", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = uploadCSV(t, router, sessionID, "empty.csv", []byte(""))
	assertStatus(t, resp, http.StatusBadRequest)

	resp = uploadCSV(t, router, 4242, "sales.csv", []byte(salesCSV))
	assertStatus(t, resp, http.StatusNotFound)
}

func TestUploadRequiresAPIKey(t *testing.T) {
	router, _, mock := newTestServer(t)
	sessionID := createSession(t, router, map[string]any{"mode": "chat"})
	mock.loadErr = llm.ErrMissingAPIKey

	resp := uploadCSV(t, router, sessionID, "sales.csv", []byte(salesCSV))
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "api key required") {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestSummaryEndpoint(t *testing.T) {
	router, _, _ := newTestServer(t)

	chatID := createSession(t, router, map[string]any{"mode": "chat"})
	resp := doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/summary", chatID), nil)
	assertStatus(t, resp, http.StatusConflict)

	sumID := createSession(t, router, map[string]any{"mode": "summarize"})
	resp = doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/summary", sumID), nil)
	assertStatus(t, resp, http.StatusBadRequest)

	up := uploadCSV(t, router, sumID, "sales.csv", []byte(salesCSV))
	assertStatus(t, up, http.StatusCreated)
	var upBody struct {
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, up.Body.Bytes(), &upBody)
	if len(upBody.Conversation.Past) != 0 {
		t.Fatalf("summarize sessions get no greeting, got %+v", upBody.Conversation)
	}

	resp = doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/summary", sumID), nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Summary string `json:"summary"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Summary != "Summary of sales.csv" {
		t.Fatalf("unexpected summary %q", body.Summary)
	}

	msg := doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/messages", sumID), map[string]string{"content": "hi"})
	assertStatus(t, msg, http.StatusConflict)
}

func TestAskErrors(t *testing.T) {
	router, _, mock := newTestServer(t)
	sessionID := createSession(t, router, map[string]any{"mode": "analyze"})

	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions/abc/messages", map[string]string{"content": "hi"})
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/sessions/77/messages", map[string]string{"content": "hi"})
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/messages", sessionID), map[string]string{"content": "  "})
	assertStatus(t, resp, http.StatusBadRequest)

	mock.askErr = worker.ErrDispatcherBusy
	resp = doJSONRequest(t, router, http.MethodPost, fmt.Sprintf("/api/sessions/%d/messages", sessionID), map[string]string{"content": "hi"})
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %+v", events)
	}
	if !strings.Contains(events[1].Data, "server is busy") {
		t.Fatalf("unexpected error payload: %s", events[1].Data)
	}
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{assistant.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", worker.ErrDispatcherBusy), http.StatusTooManyRequests},
		{fmt.Errorf("%w: Summarize CSV", worker.ErrWrongMode), http.StatusConflict},
		{worker.ErrUploadRequired, http.StatusBadRequest},
		{llm.ErrUnknownModel, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.err); got != tc.want {
			t.Fatalf("errorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestIndexServesUI(t *testing.T) {
	router, _, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/", nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "<title>CSV AI</title>") {
		t.Fatalf("index page not served")
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		var evt sseEvent
		for _, line := range strings.Split(chunk, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *mockWorker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Databases["sqlite3"] = config.DatabaseConfig{DSN: ":memory:"}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst := assistant.NewService(db)
	mock := newMockWorker(asst)
	handler := NewHandler(asst, llm.NewFactory(cfg), mock, t.TempDir(), time.Hour)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, mock
}

func createSession(t *testing.T, router *gin.Engine, body map[string]any) int64 {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", body)
	assertStatus(t, resp, http.StatusCreated)
	var out struct {
		Session struct {
			ID int64 `json:"id"`
		} `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &out)
	if out.Session.ID <= 0 {
		t.Fatalf("expected positive session id")
	}
	return out.Session.ID
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func uploadCSV(t *testing.T, router *gin.Engine, sessionID int64, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/sessions/%d/upload", sessionID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

// mockWorker runs the session operations directly against the store.
type mockWorker struct {
	assistant *assistant.Service

	mu      sync.Mutex
	keys    map[int64]string
	purged  map[int64]bool
	loadErr error
	askErr  error
}

func newMockWorker(asst *assistant.Service) *mockWorker {
	return &mockWorker{assistant: asst, keys: map[int64]string{}, purged: map[int64]bool{}}
}

func (m *mockWorker) SetAPIKey(sessionID int64, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[sessionID] = key
}

func (m *mockWorker) key(sessionID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[sessionID]
}

func (m *mockWorker) wasPurged(sessionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purged[sessionID]
}

func (m *mockWorker) Load(ctx context.Context, sessionID int64) (*models.Conversation, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	session, err := m.assistant.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	upload, err := m.assistant.ActiveUpload(ctx, sessionID)
	if err != nil {
		return nil, worker.ErrUploadRequired
	}
	if session.Mode != models.ModeSummarize {
		if _, err := m.assistant.SeedGreeting(ctx, sessionID, models.Greeting(session.Mode, upload.FileName)); err != nil {
			return nil, err
		}
	}
	return m.assistant.Conversation(ctx, sessionID)
}

func (m *mockWorker) Ask(ctx context.Context, sessionID int64, question string, onChunk func(string) error) (string, error) {
	if m.askErr != nil {
		return "", m.askErr
	}
	answer := fmt.Sprintf("Mock response to %q", question)
	for _, partial := range []string{"Mock", answer} {
		if err := onChunk(partial); err != nil {
			return "", err
		}
	}
	if _, err := m.assistant.AppendExchange(ctx, sessionID, question, answer); err != nil {
		return "", err
	}
	return answer, nil
}

func (m *mockWorker) Summarize(ctx context.Context, sessionID int64) (string, error) {
	upload, err := m.assistant.ActiveUpload(ctx, sessionID)
	if err != nil {
		return "", worker.ErrUploadRequired
	}
	summary := "Summary of " + upload.FileName
	return summary, m.assistant.SaveSummary(ctx, sessionID, summary)
}

func (m *mockWorker) Reset(ctx context.Context, sessionID int64) error {
	return m.assistant.ResetConversation(ctx, sessionID)
}

func (m *mockWorker) Conversation(ctx context.Context, sessionID int64) (*models.Conversation, error) {
	return m.assistant.Conversation(ctx, sessionID)
}

func (m *mockWorker) Purge(_ context.Context, sessionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged[sessionID] = true
}
