// Package orchestrator implements the Conversation Orchestrator (C9): the
// per-message algorithm that gates a message through admission, decides
// which of retrieval/tools/flow to run, fans them out concurrently, calls
// the Provider Router, and persists the resulting turn.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/convoyhq/convoy-engine/internal/admission"
	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/rag"
	"github.com/convoyhq/convoy-engine/internal/resolver"
	"github.com/convoyhq/convoy-engine/internal/router"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/toolexec"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FlowRunner executes a thread's pinned flow snapshot, producing text
// context to fold into the prompt. Wiring the actual DAG engine behind this
// interface is orthogonal to the orchestration algorithm itself.
type FlowRunner interface {
	RunFlow(ctx context.Context, tenantID, flowSnapshotID string, vars map[string]string) (string, error)
}

var retrieveIntent = regexp.MustCompile(`(?i)\b(search|find|what is|what's|look up|lookup|locate)\b`)
var toolIntent = regexp.MustCompile(`(?i)\b(execute|run|call|invoke|trigger|tool)\b`)

// SendCommand is one turn request from a user.
type SendCommand struct {
	ThreadID    string
	TenantID    string
	UserID      string
	Content     string
	Model       string
	Temperature *float64
	TopK        int
	Mode        rag.RetrievalMode
	// ForceRetrieve/ForceTools override the heuristic strategy selection
	// when non-nil.
	ForceRetrieve *bool
	ForceTools    *bool
}

// Response is what SendMessage returns to the caller.
type Response struct {
	Message   *models.Message
	Citations []models.Citation
	Warnings  []string
}

// StreamSink receives push events for StreamMessage, in the order
// start, step*, chunk*, complete (or error in place of complete).
type StreamSink interface {
	OnStart()
	OnStep(name string)
	OnChunk(text string)
	OnComplete(resp *Response)
	OnError(err error)
}

// Orchestrator is the C9 Conversation Orchestrator.
type Orchestrator struct {
	store     store.Store
	admission *admission.Controller
	retriever *rag.Retriever
	tools     *toolexec.Executor
	completer *router.CompletionRouter
	flow      FlowRunner
	cfg       config.ChatConfig

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// subtasks bounds how many retrieve/tools/flow subtasks run at once
	// across all in-flight turns, not just the up-to-three within one turn.
	subtasks chan struct{}
}

func New(s store.Store, adm *admission.Controller, ret *rag.Retriever, tex *toolexec.Executor, comp *router.CompletionRouter, flow FlowRunner, cfg config.ChatConfig) *Orchestrator {
	return &Orchestrator{
		store:     s,
		admission: adm,
		retriever: ret,
		tools:     tex,
		completer: comp,
		flow:      flow,
		cfg:       cfg,
		locks:     make(map[string]*sync.Mutex),
		subtasks:  make(chan struct{}, runtime.NumCPU()*2),
	}
}

// acquireSubtask blocks until a subtask slot is free or ctx is canceled.
func (o *Orchestrator) acquireSubtask(ctx context.Context) error {
	select {
	case o.subtasks <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseSubtask() {
	<-o.subtasks
}

// threadLock returns the mutex shard guarding one thread's turn sequence,
// creating it on first use. Parallels the reference workflow engine's
// per-run lock-table pattern.
func (o *Orchestrator) threadLock(threadID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[threadID] = l
	}
	return l
}

// ── Thread CRUD ──────────────────────────────────────────────

func (o *Orchestrator) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Temperature < 0 || t.Temperature > 2 {
		return apperrors.NewValidation("INVALID_TEMPERATURE", "temperature must be within [0, 2]")
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	return o.store.CreateThread(ctx, t)
}

func (o *Orchestrator) UpdateThread(ctx context.Context, t *models.Thread) error {
	if t.Temperature < 0 || t.Temperature > 2 {
		return apperrors.NewValidation("INVALID_TEMPERATURE", "temperature must be within [0, 2]")
	}
	t.UpdatedAt = time.Now().UTC()
	return o.store.UpdateThread(ctx, t)
}

func (o *Orchestrator) DeleteThread(ctx context.Context, tenantID, threadID string) error {
	return o.store.SoftDeleteThread(ctx, tenantID, threadID)
}

// ── SendMessage ──────────────────────────────────────────────

func (o *Orchestrator) SendMessage(ctx context.Context, cmd SendCommand) (*Response, error) {
	lock := o.threadLock(cmd.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	thread, err := o.loadThread(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if err := o.admission.CheckMessage(ctx, admission.MessageCheck{
		TenantID: cmd.TenantID,
		UserID:   cmd.UserID,
		Content:  cmd.Content,
	}); err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		TenantID:  thread.TenantID,
		UserID:    cmd.UserID,
		Role:      models.RoleUser,
		Content:   cmd.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, apperrors.Wrap(err, "MESSAGE_SAVE_FAILED", "failed to persist user message")
	}

	return o.runTurn(ctx, thread, cmd, nil)
}

// StreamMessage runs the same algorithm as SendMessage but pushes named
// events to sink and streams the completion chunk by chunk.
func (o *Orchestrator) StreamMessage(ctx context.Context, cmd SendCommand, sink StreamSink) {
	lock := o.threadLock(cmd.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	sink.OnStart()

	thread, err := o.loadThread(ctx, cmd)
	if err != nil {
		sink.OnError(err)
		return
	}

	if err := o.admission.CheckMessage(ctx, admission.MessageCheck{
		TenantID: cmd.TenantID,
		UserID:   cmd.UserID,
		Content:  cmd.Content,
	}); err != nil {
		sink.OnError(err)
		return
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		TenantID:  thread.TenantID,
		UserID:    cmd.UserID,
		Role:      models.RoleUser,
		Content:   cmd.Content,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveMessage(ctx, userMsg); err != nil {
		sink.OnError(apperrors.Wrap(err, "MESSAGE_SAVE_FAILED", "failed to persist user message"))
		return
	}

	resp, err := o.runTurn(ctx, thread, cmd, sink)
	if err != nil {
		sink.OnError(err)
		return
	}
	sink.OnComplete(resp)
}

// Regenerate drops any assistant message after the given user message and
// re-runs the turn from strategy selection onward. It never streams.
func (o *Orchestrator) Regenerate(ctx context.Context, threadID, tenantID string, afterMessage *models.Message, cmd SendCommand) (*Response, error) {
	lock := o.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	thread, err := o.store.GetThread(ctx, tenantID, threadID)
	if err != nil || thread == nil || !thread.IsLive() {
		return nil, apperrors.NewNotFound("thread", threadID)
	}

	if err := o.store.DeleteMessagesAfter(ctx, threadID, afterMessage.CreatedAt); err != nil {
		return nil, apperrors.Wrap(err, "REGENERATE_CLEANUP_FAILED", "failed to delete prior assistant response")
	}

	cmd.ThreadID = threadID
	cmd.TenantID = tenantID
	return o.runTurn(ctx, thread, cmd, nil)
}

func (o *Orchestrator) loadThread(ctx context.Context, cmd SendCommand) (*models.Thread, error) {
	thread, err := o.store.GetThread(ctx, cmd.TenantID, cmd.ThreadID)
	if err != nil || thread == nil || !thread.IsLive() {
		return nil, apperrors.NewNotFound("thread", cmd.ThreadID)
	}
	return thread, nil
}

// runTurn covers steps 4-9 of the algorithm: strategy selection, concurrent
// subtask fan-out, prompt assembly, completion, and persistence. sink may
// be nil for the non-streaming path.
func (o *Orchestrator) runTurn(ctx context.Context, thread *models.Thread, cmd SendCommand, sink StreamSink) (*Response, error) {
	doRetrieve, doTools, doFlow := o.selectStrategy(cmd, thread)

	var (
		wg          sync.WaitGroup
		warnings    []string
		warningsMu  sync.Mutex
		hits        []rag.SearchHit
		toolResults []string
		flowContext string
	)
	addWarning := func(w string) {
		warningsMu.Lock()
		warnings = append(warnings, w)
		warningsMu.Unlock()
	}

	if doRetrieve {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sink != nil {
				sink.OnStep("retrieval")
			}
			rctx, cancel := context.WithTimeout(ctx, nonZero(o.cfg.RetrieveTimeout, 5*time.Second))
			defer cancel()
			if err := o.acquireSubtask(rctx); err != nil {
				addWarning("retrieval skipped: " + err.Error())
				return
			}
			defer o.releaseSubtask()
			topK := cmd.TopK
			if topK <= 0 {
				topK = 5
			}
			mode := cmd.Mode
			if mode == "" {
				mode = rag.RetrievalHybrid
			}
			result, err := o.retriever.Search(rctx, rag.SearchRequest{
				TenantID: cmd.TenantID,
				Query:    cmd.Content,
				Mode:     mode,
				TopK:     topK,
			})
			if err != nil {
				log.Warn().Err(err).Str("thread", thread.ID).Msg("retrieval subtask failed")
				addWarning("retrieval failed: " + err.Error())
				return
			}
			hits = result
		}()
	}

	if doTools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sink != nil {
				sink.OnStep("tools")
			}
			tctx, cancel := context.WithTimeout(ctx, nonZero(o.cfg.ToolsTimeout, 30*time.Second))
			defer cancel()
			if err := o.acquireSubtask(tctx); err != nil {
				addWarning("tool execution skipped: " + err.Error())
				return
			}
			defer o.releaseSubtask()
			results, err := o.runToolIntent(tctx, cmd)
			if err != nil {
				log.Warn().Err(err).Str("thread", thread.ID).Msg("tools subtask failed")
				addWarning("tool execution failed: " + err.Error())
				return
			}
			toolResults = results
		}()
	}

	if doFlow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sink != nil {
				sink.OnStep("flow")
			}
			fctx, cancel := context.WithTimeout(ctx, nonZero(o.cfg.FlowTimeout, 300*time.Second))
			defer cancel()
			if err := o.acquireSubtask(fctx); err != nil {
				addWarning("flow execution skipped: " + err.Error())
				return
			}
			defer o.releaseSubtask()
			out, err := o.flow.RunFlow(fctx, thread.TenantID, thread.FlowSnapshotID, map[string]string{"message": cmd.Content})
			if err != nil {
				log.Warn().Err(err).Str("thread", thread.ID).Msg("flow subtask failed")
				addWarning("flow execution failed: " + err.Error())
				return
			}
			flowContext = out
		}()
	}

	wg.Wait()

	if sink != nil {
		sink.OnStep("generating")
	}

	history, err := o.store.ListRecentMessagesByThread(ctx, thread.ID, o.historyTurns())
	if err != nil {
		return nil, apperrors.Wrap(err, "HISTORY_LOAD_FAILED", "failed to load thread history")
	}

	req := o.buildCompletionRequest(thread, cmd, history, hits, toolResults, flowContext)

	var completion *router.CompletionResponse
	if sink != nil {
		var sb strings.Builder
		completion = &router.CompletionResponse{}
		err = o.completer.CompleteStream(ctx, req, func(chunk *router.StreamChunk) error {
			if chunk.Content != "" {
				sb.WriteString(chunk.Content)
				sink.OnChunk(chunk.Content)
			}
			if chunk.Done {
				completion.Content = sb.String()
				if chunk.Usage != nil {
					completion.Usage = *chunk.Usage
				}
			}
			return nil
		})
	} else {
		completion, err = o.completer.Complete(ctx, req)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "COMPLETION_FAILED", "provider router call failed")
	}

	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		TenantID:  thread.TenantID,
		Role:      models.RoleAssistant,
		Content:   completion.Content,
		TokenIn:   completion.Usage.TokensIn,
		TokenOut:  completion.Usage.TokensOut,
		Warnings:  warnings,
		CreatedAt: time.Now().UTC(),
	}

	citations := make([]models.Citation, 0, len(hits))
	for _, h := range hits {
		citations = append(citations, models.Citation{
			MessageID:       assistantMsg.ID,
			ChunkID:         h.ChunkID,
			SimilarityScore: h.Score,
			ModelCode:       req.Model,
		})
	}

	// Message, citations, and usage are written as three sequential store
	// calls, not as one atomic unit: if a later write fails, the writes
	// before it stay in place and nothing is rolled back.
	if err := o.store.SaveMessage(ctx, assistantMsg); err != nil {
		return nil, apperrors.Wrap(err, "MESSAGE_SAVE_FAILED", "failed to persist assistant message")
	}
	if len(citations) > 0 {
		if err := o.store.SaveCitationsBatch(ctx, citations); err != nil {
			return nil, apperrors.Wrap(err, "CITATION_SAVE_FAILED", "failed to persist citations")
		}
	}
	if err := o.saveUsage(ctx, thread.TenantID, req.Model, completion.Usage); err != nil {
		return nil, apperrors.Wrap(err, "USAGE_SAVE_FAILED", "failed to persist usage record")
	}

	return &Response{Message: assistantMsg, Citations: citations, Warnings: warnings}, nil
}

// selectStrategy combines explicit overrides with cheap heuristics on the
// user text.
func (o *Orchestrator) selectStrategy(cmd SendCommand, thread *models.Thread) (doRetrieve, doTools, doFlow bool) {
	doRetrieve = retrieveIntent.MatchString(cmd.Content)
	doTools = toolIntent.MatchString(cmd.Content)
	if cmd.ForceRetrieve != nil {
		doRetrieve = *cmd.ForceRetrieve
	}
	if cmd.ForceTools != nil {
		doTools = *cmd.ForceTools
	}
	doFlow = thread.FlowSnapshotID != "" && o.flow != nil
	return
}

// runToolIntent matches the message against the tenant's registered tool
// codes and executes each literal match found. This is a heuristic
// stand-in for LLM-driven tool selection, good enough for an explicit
// "call <tool-code>" style message.
func (o *Orchestrator) runToolIntent(ctx context.Context, cmd SendCommand) ([]string, error) {
	if o.tools == nil {
		return nil, nil
	}
	tools, err := o.store.ListTools(ctx, cmd.TenantID)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(cmd.Content)

	var results []string
	for _, t := range tools {
		if !t.Enabled || !strings.Contains(lower, strings.ToLower(t.Code)) {
			continue
		}
		res, err := o.tools.Execute(ctx, toolexec.ExecuteRequest{
			TenantID: cmd.TenantID,
			ToolCode: t.Code,
			Params:   map[string]interface{}{},
		})
		if err != nil {
			results = append(results, fmt.Sprintf("[%s error: %s]", t.Code, err.Error()))
			continue
		}
		results = append(results, fmt.Sprintf("[%s] %s", t.Code, res.Content))
	}
	return results, nil
}

func (o *Orchestrator) buildCompletionRequest(thread *models.Thread, cmd SendCommand, history []models.Message, hits []rag.SearchHit, toolResults []string, flowContext string) *router.CompletionRequest {
	model := cmd.Model
	if model == "" {
		model = thread.DefaultModel
	}
	temperature := thread.Temperature
	if cmd.Temperature != nil {
		temperature = *cmd.Temperature
	}

	messages := make([]router.ChatMessage, 0, len(history)+4)
	if thread.SystemPrompt != "" {
		rendered := resolver.Render(thread.SystemPrompt, map[string]string{
			"tenant_id": thread.TenantID,
			"user_id":   thread.UserID,
			"thread_id": thread.ID,
			"message":   cmd.Content,
		})
		messages = append(messages, router.ChatMessage{Role: models.RoleSystem, Content: rendered})
	}
	if len(hits) > 0 {
		var kb strings.Builder
		kb.WriteString("Relevant knowledge base context:\n")
		for _, h := range hits {
			kb.WriteString("- ")
			kb.WriteString(h.Text)
			kb.WriteString("\n")
		}
		messages = append(messages, router.ChatMessage{Role: models.RoleSystem, Content: kb.String()})
	}
	if flowContext != "" {
		messages = append(messages, router.ChatMessage{Role: models.RoleSystem, Content: "Flow context:\n" + flowContext})
	}
	for _, m := range history {
		messages = append(messages, router.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if len(toolResults) > 0 {
		messages = append(messages, router.ChatMessage{Role: models.RoleTool, Content: strings.Join(toolResults, "\n")})
	}

	return &router.CompletionRequest{
		TenantID:    cmd.TenantID,
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		Strategy:    router.RoutingFallback,
	}
}

func (o *Orchestrator) historyTurns() int {
	if o.cfg.HistoryTurns > 0 {
		return o.cfg.HistoryTurns
	}
	return 20
}

func (o *Orchestrator) saveUsage(ctx context.Context, tenantID, model string, usage models.TokenUsage) error {
	day := time.Now().UTC().Format("2006-01-02")
	existing, _ := o.store.GetUsage(ctx, tenantID, model, day)
	rec := &models.UsageRecord{
		TenantID:  tenantID,
		ModelCode: model,
		Day:       day,
		UpdatedAt: time.Now().UTC(),
	}
	if existing != nil {
		rec.TokensIn = existing.TokensIn
		rec.TokensOut = existing.TokensOut
		rec.CostUSD = existing.CostUSD
		rec.RequestCount = existing.RequestCount
	}
	rec.TokensIn += int64(usage.TokensIn)
	rec.TokensOut += int64(usage.TokensOut)
	rec.CostUSD += usage.CostUSD
	rec.RequestCount++
	return o.store.SaveUsage(ctx, rec)
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
