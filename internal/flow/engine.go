// Package flow executes flow snapshots: small DAGs of prompt and tool steps
// pinned to a thread via its flow-snapshot-id. A run resolves each step's
// template against the run's variables plus its dependencies' outputs,
// executes steps concurrently as their dependencies clear, and joins the
// terminal steps' outputs into the text handed back to the Conversation
// Orchestrator's doFlow subtask.
package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/convoyhq/convoy-engine/internal/resolver"
	"github.com/convoyhq/convoy-engine/internal/router"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/toolexec"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"
)

// Engine executes flow snapshots. It implements orchestrator.FlowRunner.
type Engine struct {
	store     store.Store
	tools     *toolexec.Executor
	completer *router.CompletionRouter
}

func NewEngine(s store.Store, tools *toolexec.Executor, completer *router.CompletionRouter) *Engine {
	return &Engine{store: s, tools: tools, completer: completer}
}

// RunFlow loads the pinned snapshot and runs its DAG to completion,
// returning the joined output of its terminal steps (the steps nothing
// else depends on).
func (e *Engine) RunFlow(ctx context.Context, tenantID, flowSnapshotID string, vars map[string]string) (string, error) {
	snap, err := e.store.GetFlowSnapshot(ctx, tenantID, flowSnapshotID)
	if err != nil {
		return "", fmt.Errorf("load flow snapshot: %w", err)
	}
	if len(snap.Steps) == 0 {
		return "", nil
	}

	outputs, err := e.run(ctx, snap, vars)
	if err != nil {
		return "", err
	}

	dependedOn := make(map[string]bool, len(snap.Steps))
	for _, s := range snap.Steps {
		for _, dep := range s.DependsOn {
			dependedOn[dep] = true
		}
	}
	var terminal []string
	for _, s := range snap.Steps {
		if dependedOn[s.Name] || s.Kind == models.FlowStepGate {
			continue
		}
		if out, ok := outputs[s.Name]; ok {
			terminal = append(terminal, out)
		}
	}
	return strings.Join(terminal, "\n"), nil
}

// run executes the DAG: on each pass it finds steps whose dependencies are
// all satisfied, runs them concurrently, then repeats until every step has
// completed. A step failure aborts the run — flow steps have no retry or
// branch policy of their own; the Orchestrator already treats the whole
// doFlow subtask as non-fatal to the turn. A GATE step whose Condition
// evaluates false is marked skipped, and skip propagates to every step
// that (transitively) depends on it — skipped steps never run and
// contribute no output.
func (e *Engine) run(ctx context.Context, snap *models.FlowSnapshot, vars map[string]string) (map[string]string, error) {
	stepMap := make(map[string]*models.FlowStep, len(snap.Steps))
	for i := range snap.Steps {
		stepMap[snap.Steps[i].Name] = &snap.Steps[i]
	}

	var mu sync.Mutex
	outputs := make(map[string]string, len(snap.Steps))
	done := make(map[string]bool, len(snap.Steps))
	skipped := make(map[string]bool, len(snap.Steps))

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mu.Lock()
		var ready []*models.FlowStep
		progressed := false
		for name, step := range stepMap {
			if done[name] {
				continue
			}
			allMet := true
			depSkipped := false
			for _, dep := range step.DependsOn {
				if !done[dep] {
					allMet = false
					break
				}
				if skipped[dep] {
					depSkipped = true
				}
			}
			if allMet && depSkipped {
				done[name] = true
				skipped[name] = true
				progressed = true
				continue
			}
			if allMet {
				ready = append(ready, step)
			}
		}
		allDone := len(done) == len(stepMap)
		mu.Unlock()

		if len(ready) == 0 {
			if allDone {
				return outputs, nil
			}
			if progressed {
				continue
			}
			return nil, fmt.Errorf("flow %s: deadlock, no steps ready but %d/%d complete", snap.ID, len(done), len(stepMap))
		}

		var wg sync.WaitGroup
		errCh := make(chan error, len(ready))
		for _, step := range ready {
			wg.Add(1)
			go func(s *models.FlowStep) {
				defer wg.Done()
				mu.Lock()
				stepVars := make(map[string]string, len(vars)+len(outputs))
				for k, v := range vars {
					stepVars[k] = v
				}
				for k, v := range outputs {
					stepVars[k] = v
				}
				mu.Unlock()

				out, pass, err := e.runStep(ctx, snap.TenantID, s, stepVars)

				mu.Lock()
				done[s.Name] = true
				if err == nil && !pass {
					skipped[s.Name] = true
				} else if err == nil {
					outputs[s.Name] = out
				}
				mu.Unlock()

				if err != nil {
					errCh <- fmt.Errorf("step %q: %w", s.Name, err)
				}
			}(step)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			log.Warn().Str("flow_id", snap.ID).Err(err).Msg("flow step failed")
			return nil, err
		}
	}
}

// runStep executes a single step and reports whether its subtree should
// continue (pass) — always true except for a GATE step whose Condition
// evaluates to false.
func (e *Engine) runStep(ctx context.Context, tenantID string, step *models.FlowStep, vars map[string]string) (output string, pass bool, err error) {
	switch step.Kind {
	case models.FlowStepTool:
		res, err := e.tools.Execute(ctx, toolexec.ExecuteRequest{
			TenantID: tenantID,
			ToolCode: step.ToolCode,
			Params:   map[string]interface{}{"vars": vars},
		})
		if err != nil {
			return "", false, err
		}
		return res.Content, true, nil

	case models.FlowStepPrompt:
		prompt := resolver.Render(step.Template, vars)
		resp, err := e.completer.Complete(ctx, &router.CompletionRequest{
			TenantID: tenantID,
			Model:    step.Model,
			Messages: []router.ChatMessage{{Role: models.RoleUser, Content: prompt}},
			Strategy: router.RoutingFallback,
		})
		if err != nil {
			return "", false, err
		}
		return resp.Content, true, nil

	case models.FlowStepGate:
		env := make(map[string]interface{}, len(vars))
		for k, v := range vars {
			env[k] = v
		}
		result, err := expr.Eval(step.Condition, env)
		if err != nil {
			return "", false, fmt.Errorf("evaluate gate condition %q: %w", step.Condition, err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return "", false, fmt.Errorf("gate condition %q did not evaluate to a boolean", step.Condition)
		}
		return "", ok, nil

	default:
		return "", false, fmt.Errorf("unknown flow step kind %q", step.Kind)
	}
}
