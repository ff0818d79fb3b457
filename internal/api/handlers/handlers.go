// Package handlers implements the HTTP handlers for the conversation
// platform's external interface: knowledge base ingestion and search, chat
// threads and messages, and tool execution.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/convoyhq/convoy-engine/internal/admission"
	"github.com/convoyhq/convoy-engine/internal/api/middleware"
	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/orchestrator"
	"github.com/convoyhq/convoy-engine/internal/rag"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/toolexec"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds the dependencies every HTTP route calls into. It composes
// the platform's top-level components rather than the store directly,
// mirroring the reference control plane's Handlers struct.
type Handlers struct {
	Store        store.Store
	Pipeline     *rag.Pipeline
	Retriever    *rag.Retriever
	Admission    *admission.Controller
	Orchestrator *orchestrator.Orchestrator
	Tools        *toolexec.Executor
	VectorTopKMax int

	regenDedup *operationDedup
}

func New(s store.Store, p *rag.Pipeline, ret *rag.Retriever, adm *admission.Controller, orc *orchestrator.Orchestrator, tex *toolexec.Executor, vectorTopKMax int) *Handlers {
	return &Handlers{
		Store:         s,
		Pipeline:      p,
		Retriever:     ret,
		Admission:     adm,
		Orchestrator:  orc,
		Tools:         tex,
		VectorTopKMax: vectorTopKMax,
		regenDedup:    newOperationDedup(5 * time.Minute),
	}
}

// operationDedup remembers recently-seen X-Operation-Id values so a retried
// non-idempotent request (regenerate) can be rejected instead of replayed.
// Entries expire after ttl; Seen sweeps expired entries opportunistically
// rather than on a timer, which is enough at this call volume.
type operationDedup struct {
	mu  sync.Mutex
	ttl time.Duration
	ids map[string]time.Time
}

func newOperationDedup(ttl time.Duration) *operationDedup {
	return &operationDedup{ttl: ttl, ids: make(map[string]time.Time)}
}

// Seen records id and reports whether it was already recorded within ttl.
func (d *operationDedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, seenAt := range d.ids {
		if now.Sub(seenAt) > d.ttl {
			delete(d.ids, k)
		}
	}
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = now
	return false
}

// ══════════════════════════════════════════════════════════════
// ── Knowledge Base ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type uploadDocumentRequest struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	SourceType string `json:"sourceType"`
	MimeType   string `json:"mimeType"`
	Lang       string `json:"lang"`
	OperatorID string `json:"operatorId"`
}

func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	var req uploadDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperrors.NewValidation("INVALID_BODY", "request body is not valid JSON"))
		return
	}

	doc, err := h.Pipeline.IngestDocument(r.Context(), tenantID, req.Title, req.SourceType, req.MimeType, req.Content, req.Lang, req.OperatorID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, doc)
}

func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		tenantID = middleware.GetTenantID(r.Context())
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 20
	}
	f := store.ListFilter{Offset: page * size, Size: size}.Normalized()

	docs, err := h.Store.ListDocuments(r.Context(), tenantID, f)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

type searchRequestBody struct {
	TenantID     string   `json:"tenantId"`
	Query        string   `json:"query"`
	ModelCode    string   `json:"modelCode"`
	TopK         int      `json:"topK"`
	Threshold    float64  `json:"threshold"`
	Namespace    string   `json:"namespace"`
	TagIDs       []string `json:"tagIds"`
	DocumentIDs  []string `json:"documentIds"`
	VectorWeight *float64 `json:"vectorWeight"`
}

func (h *Handlers) SearchVector(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, rag.RetrievalVector)
}

func (h *Handlers) SearchHybrid(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, rag.RetrievalHybrid)
}

func (h *Handlers) search(w http.ResponseWriter, r *http.Request, mode rag.RetrievalMode) {
	var req searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperrors.NewValidation("INVALID_BODY", "request body is not valid JSON"))
		return
	}
	if req.TenantID == "" {
		req.TenantID = middleware.GetTenantID(r.Context())
	}

	if err := h.Admission.CheckSearch(admission.SearchCommand{TopK: req.TopK, Threshold: req.Threshold}, h.VectorTopKMax); err != nil {
		respondAppError(w, err)
		return
	}

	hits, err := h.Retriever.Search(r.Context(), rag.SearchRequest{
		TenantID:     req.TenantID,
		Query:        req.Query,
		Mode:         mode,
		TopK:         req.TopK,
		Threshold:    req.Threshold,
		Namespace:    req.Namespace,
		TagIDs:       req.TagIDs,
		DocumentIDs:  req.DocumentIDs,
		VectorWeight: req.VectorWeight,
	})
	if err != nil {
		respondAppError(w, err)
		return
	}
	if hits == nil {
		hits = []rag.SearchHit{}
	}
	respondJSON(w, http.StatusOK, hits)
}

// ══════════════════════════════════════════════════════════════
// ── Chat ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type createThreadRequest struct {
	TenantID       string  `json:"tenantId"`
	UserID         string  `json:"userId"`
	DefaultModel   string  `json:"defaultModel"`
	Temperature    float64 `json:"temperature"`
	FlowSnapshotID string  `json:"flowSnapshotId"`
	SystemPrompt   string  `json:"systemPrompt"`
}

func (h *Handlers) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperrors.NewValidation("INVALID_BODY", "request body is not valid JSON"))
		return
	}
	if req.TenantID == "" {
		req.TenantID = middleware.GetTenantID(r.Context())
	}

	t := &models.Thread{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		DefaultModel:   req.DefaultModel,
		Temperature:    req.Temperature,
		FlowSnapshotID: req.FlowSnapshotID,
		SystemPrompt:   req.SystemPrompt,
	}
	if err := h.Orchestrator.CreateThread(r.Context(), t); err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

type sendMessageRequest struct {
	Content                 string   `json:"content"`
	UserID                  string   `json:"userId"`
	Model                   string   `json:"model"`
	Temperature             *float64 `json:"temperature"`
	TopK                    int      `json:"topK"`
	Mode                    string   `json:"mode"`
	EnableKnowledgeRetrieval *bool   `json:"enableKnowledgeRetrieval"`
	EnableToolCalling        *bool   `json:"enableToolCalling"`
	StreamMode              bool     `json:"streamMode"`
}

func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	tenantID := middleware.GetTenantID(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperrors.NewValidation("INVALID_BODY", "request body is not valid JSON"))
		return
	}

	cmd := orchestrator.SendCommand{
		ThreadID:      threadID,
		TenantID:      tenantID,
		UserID:        req.UserID,
		Content:       req.Content,
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		Mode:          rag.RetrievalMode(req.Mode),
		ForceRetrieve: req.EnableKnowledgeRetrieval,
		ForceTools:    req.EnableToolCalling,
	}

	if req.StreamMode {
		h.streamMessage(w, r, cmd)
		return
	}

	resp, err := h.Orchestrator.SendMessage(r.Context(), cmd)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// streamMessage drives StreamMessage and relays its push events as
// server-sent events in the mandatory start/step/chunk/complete(or
// error) sequence.
func (h *Handlers) streamMessage(w http.ResponseWriter, r *http.Request, cmd orchestrator.SendCommand) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondAppError(w, apperrors.Wrap(fmt.Errorf("no flusher"), "STREAMING_UNSUPPORTED", "server does not support streaming"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	h.Orchestrator.StreamMessage(r.Context(), cmd, sink)
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) emit(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload)
	s.flusher.Flush()
}

func (s *sseSink) OnStart()             { s.emit("start", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)}) }
func (s *sseSink) OnStep(name string)   { s.emit("step", map[string]string{"name": name}) }
func (s *sseSink) OnChunk(text string)  { s.emit("chunk", map[string]string{"text": text}) }
func (s *sseSink) OnComplete(resp *orchestrator.Response) { s.emit("complete", resp) }
func (s *sseSink) OnError(err error)    { s.emit("error", errorBody(err)) }

type regenerateRequest struct {
	UserID                   string   `json:"userId"`
	Model                    string   `json:"model"`
	Temperature              *float64 `json:"temperature"`
	TopK                     int      `json:"topK"`
	Mode                     string   `json:"mode"`
	EnableKnowledgeRetrieval *bool    `json:"enableKnowledgeRetrieval"`
	EnableToolCalling        *bool    `json:"enableToolCalling"`
}

// Regenerate re-runs a turn from the named user message onward, dropping
// any assistant reply that followed it. It is not idempotent on its own —
// a retried call with the same X-Operation-Id is rejected with 409 rather
// than run twice.
func (h *Handlers) Regenerate(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	messageID := chi.URLParam(r, "messageId")
	tenantID := middleware.GetTenantID(r.Context())

	opID := r.Header.Get("X-Operation-Id")
	if opID == "" {
		respondAppError(w, apperrors.NewValidation("MISSING_OPERATION_ID", "X-Operation-Id header is required for regenerate"))
		return
	}
	if h.regenDedup.Seen(tenantID + ":" + opID) {
		respondAppError(w, apperrors.NewConflict("DUPLICATE_OPERATION", fmt.Sprintf("operation %q was already processed", opID)))
		return
	}

	afterMessage, err := h.Store.GetMessage(r.Context(), messageID)
	if err != nil || afterMessage == nil || afterMessage.ThreadID != threadID {
		respondAppError(w, apperrors.NewNotFound("message", messageID))
		return
	}

	var req regenerateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondAppError(w, apperrors.NewValidation("INVALID_BODY", "request body is not valid JSON"))
			return
		}
	}

	cmd := orchestrator.SendCommand{
		UserID:        req.UserID,
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		Mode:          rag.RetrievalMode(req.Mode),
		ForceRetrieve: req.EnableKnowledgeRetrieval,
		ForceTools:    req.EnableToolCalling,
	}

	resp, err := h.Orchestrator.Regenerate(r.Context(), threadID, tenantID, afterMessage, cmd)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════
// ── Tool execution ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type executeToolRequest struct {
	TenantID       string                 `json:"tenantId"`
	UserID         string                 `json:"userId"`
	ThreadID       string                 `json:"threadId"`
	Params         map[string]interface{} `json:"params"`
	AsyncMode      bool                   `json:"asyncMode"`
	TimeoutSeconds int                    `json:"timeoutSeconds"`
}

func (h *Handlers) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req executeToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperrors.NewValidation("INVALID_BODY", "request body is not valid JSON"))
		return
	}
	if req.TenantID == "" {
		req.TenantID = middleware.GetTenantID(r.Context())
	}

	res, err := h.Tools.Execute(r.Context(), toolexec.ExecuteRequest{
		TenantID: req.TenantID,
		ToolCode: code,
		Params:   req.Params,
	})
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════
// ── Response envelope ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

type errorPayload struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data}); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func errorBody(err error) errorPayload {
	ae := apperrors.As(err)
	return errorPayload{Code: ae.Code, Message: ae.Message, Details: ae.Details, Timestamp: ae.Timestamp}
}

// respondAppError writes the error envelope, mapping the error's Kind to an
// HTTP status. Errors not already an *apperrors.AppError are reported as
// Internal and their underlying message is not leaked to the client.
func respondAppError(w http.ResponseWriter, err error) {
	ae := apperrors.As(err)
	if ae.Kind == apperrors.KindInternal {
		log.Error().Err(err).Msg("unclassified error reached the HTTP layer")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Kind.StatusCode())
	json.NewEncoder(w).Encode(envelope{Success: false, Error: errorPayload{Code: ae.Code, Message: ae.Message, Details: ae.Details, Timestamp: ae.Timestamp}})
}

// Health reports liveness. It does not depend on the store or any
// downstream provider — a degraded backend shows up in individual request
// failures, not here.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "convoy-engine"})
}

// Version reports the running build version.
func (h *Handlers) Version(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"version": version, "service": "convoy-engine"})
	}
}
