package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// CompletionRouter routes chat-completion requests to configured providers,
// falling back to providers of the model's family (by name prefix) when no
// provider advertises the requested model, and failing over across
// providers when FailoverEnabled allows it.
type CompletionRouter struct {
	store  store.Store
	cfg    config.LLMConfig

	rrCounter uint64

	latencyMu sync.RWMutex
	latencies map[string]int64 // provider name -> EMA latency ms

	driversMu sync.RWMutex
	drivers   map[string]ProviderDriver
}

// NewCompletionRouter creates a router with the OSS drivers registered.
func NewCompletionRouter(s store.Store, cfg config.LLMConfig) *CompletionRouter {
	r := &CompletionRouter{
		store:     s,
		cfg:       cfg,
		latencies: make(map[string]int64),
		drivers:   make(map[string]ProviderDriver),
	}
	r.RegisterDriver(NewOpenAIProviderDriver())
	r.RegisterDriver(NewAnthropicProviderDriver())
	r.RegisterDriver(NewOllamaProviderDriver())
	return r
}

// RegisterDriver adds or replaces a provider driver in the registry.
func (r *CompletionRouter) RegisterDriver(d ProviderDriver) {
	r.driversMu.Lock()
	r.drivers[d.Kind()] = d
	r.driversMu.Unlock()
	log.Info().Str("kind", d.Kind()).Msg("provider driver registered")
}

func (r *CompletionRouter) GetDriver(kind string) ProviderDriver {
	r.driversMu.RLock()
	defer r.driversMu.RUnlock()
	return r.drivers[kind]
}

func (r *CompletionRouter) ListEmbeddingCapableDrivers() map[string]EmbeddingCapableDriver {
	r.driversMu.RLock()
	defer r.driversMu.RUnlock()
	out := make(map[string]EmbeddingCapableDriver)
	for kind, d := range r.drivers {
		if ecd, ok := d.(EmbeddingCapableDriver); ok {
			out[kind] = ecd
		}
	}
	return out
}

// SupportedModels lists every model advertised by a configured provider,
// tagged with the kind that will actually serve it.
func (r *CompletionRouter) SupportedModels(ctx context.Context) (map[string]string, error) {
	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make(map[string]string)
	for _, p := range providers {
		for _, m := range p.Models {
			out[m] = p.Kind
		}
	}
	return out, nil
}

// resolveProviders returns the ordered set of providers eligible to serve
// req.Model, and whether it fell back to providers of the same family
// because no configured provider advertises the exact name.
func (r *CompletionRouter) resolveProviders(ctx context.Context, req *CompletionRequest) ([]models.ModelProvider, bool, error) {
	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list providers: %w", err)
	}
	if len(providers) == 0 {
		return nil, false, fmt.Errorf("no model providers configured")
	}
	if req.Model == "" {
		return providers, false, nil
	}

	var exact []models.ModelProvider
	for _, p := range providers {
		for _, m := range p.Models {
			if m == req.Model {
				exact = append(exact, p)
				break
			}
		}
	}
	if len(exact) > 0 {
		return exact, false, nil
	}

	// No provider advertises this exact model. Fall back to the configured
	// prefix map (e.g. "gpt-" -> "openai") so a caller naming a close
	// variant of a known family still resolves, flagged as substituted.
	kind := r.prefixKind(req.Model)
	if kind == "" {
		return nil, false, fmt.Errorf("no provider configured for model %q", req.Model)
	}
	var byKind []models.ModelProvider
	for _, p := range providers {
		if p.Kind == kind {
			byKind = append(byKind, p)
		}
	}
	if len(byKind) == 0 {
		return nil, false, fmt.Errorf("no provider of kind %q configured for model %q", kind, req.Model)
	}
	return byKind, true, nil
}

func (r *CompletionRouter) prefixKind(model string) string {
	var best string
	var bestLen int
	for prefix, kind := range r.cfg.ProviderPrefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = kind
			bestLen = len(prefix)
		}
	}
	return best
}

// Complete routes a completion request, trying providers in strategy order
// and failing over to the next when FailoverEnabled permits it.
func (r *CompletionRouter) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	providers, substituted, err := r.resolveProviders(ctx, req)
	if err != nil {
		return nil, err
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = RoutingFallback
	}
	ordered := r.orderProviders(providers, strategy)

	var lastErr error
	for _, provider := range ordered {
		resp, err := r.callProvider(ctx, &provider, req)
		if err != nil {
			log.Warn().Str("provider", provider.Name).Err(err).Msg("provider call failed, trying next")
			lastErr = err
			if !r.cfg.FailoverEnabled {
				break
			}
			continue
		}
		resp.Substituted = substituted
		return resp, nil
	}

	return nil, fmt.Errorf("all providers failed, last error: %w", lastErr)
}

// CompleteStream routes a streaming completion, falling back to a single
// buffered chunk when the selected driver doesn't implement streaming.
func (r *CompletionRouter) CompleteStream(ctx context.Context, req *CompletionRequest, callback func(*StreamChunk) error) error {
	providers, substituted, err := r.resolveProviders(ctx, req)
	if err != nil {
		return err
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = RoutingFallback
	}
	ordered := r.orderProviders(providers, strategy)

	var lastErr error
	for _, provider := range ordered {
		driver := r.GetDriver(provider.Kind)
		if driver == nil {
			lastErr = fmt.Errorf("no driver for kind %q", provider.Kind)
			continue
		}

		if sd, ok := driver.(StreamingProviderDriver); ok {
			err := sd.StreamCall(ctx, &provider, req, callback)
			if err != nil {
				lastErr = err
				if !r.cfg.FailoverEnabled {
					break
				}
				continue
			}
			return nil
		}

		resp, err := driver.Call(ctx, &provider, req)
		if err != nil {
			lastErr = err
			if !r.cfg.FailoverEnabled {
				break
			}
			continue
		}
		resp.Substituted = substituted
		return callback(&StreamChunk{Content: resp.Content, Done: true, Usage: &resp.Usage})
	}
	return fmt.Errorf("all providers failed (stream), last error: %w", lastErr)
}

func (r *CompletionRouter) orderProviders(providers []models.ModelProvider, strategy RoutingStrategy) []models.ModelProvider {
	switch strategy {
	case RoutingCostOptimized:
		sorted := append([]models.ModelProvider(nil), providers...)
		sort.Slice(sorted, func(i, j int) bool {
			return r.providerCostPer1K(sorted[i]) < r.providerCostPer1K(sorted[j])
		})
		return sorted

	case RoutingLatencyOptimized:
		sorted := append([]models.ModelProvider(nil), providers...)
		r.latencyMu.RLock()
		defer r.latencyMu.RUnlock()
		sort.Slice(sorted, func(i, j int) bool {
			li, lj := r.latencies[sorted[i].Name], r.latencies[sorted[j].Name]
			if li == 0 {
				li = 1000
			}
			if lj == 0 {
				lj = 1000
			}
			return li < lj
		})
		return sorted

	case RoutingRoundRobin:
		n := len(providers)
		idx := int(atomic.AddUint64(&r.rrCounter, 1))
		rotated := make([]models.ModelProvider, n)
		for i := 0; i < n; i++ {
			rotated[i] = providers[(idx+i)%n]
		}
		return rotated

	default: // RoutingFallback: defaults first, then by name
		sorted := append([]models.ModelProvider(nil), providers...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].IsDefault != sorted[j].IsDefault {
				return sorted[i].IsDefault
			}
			return sorted[i].Name < sorted[j].Name
		})
		return sorted
	}
}

func (r *CompletionRouter) callProvider(ctx context.Context, provider *models.ModelProvider, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" && len(provider.Models) > 0 {
		model = provider.Models[0]
	}

	driver := r.GetDriver(provider.Kind)
	if driver == nil {
		return nil, fmt.Errorf("no driver registered for provider kind: %s", provider.Kind)
	}

	callReq := *req
	callReq.Model = model
	resp, err := driver.Call(ctx, provider, &callReq)
	if err != nil {
		return nil, err
	}

	latencyMs := time.Since(start).Milliseconds()
	resp.LatencyMs = latencyMs

	r.latencyMu.Lock()
	prev := r.latencies[provider.Name]
	if prev == 0 {
		r.latencies[provider.Name] = latencyMs
	} else {
		r.latencies[provider.Name] = (prev*7 + latencyMs*3) / 10
	}
	r.latencyMu.Unlock()

	return resp, nil
}

func (r *CompletionRouter) providerCostPer1K(provider models.ModelProvider) float64 {
	// Built-in drivers don't carry published per-model pricing tables in
	// this deployment, so every provider costs the same and cost-optimized
	// ordering leaves providers in no defined order.
	return 0
}

// HealthCheck pings every configured provider's driver.
func (r *CompletionRouter) HealthCheck(ctx context.Context) map[string]string {
	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return map[string]string{"error": err.Error()}
	}
	result := make(map[string]string, len(providers))
	for _, p := range providers {
		driver := r.GetDriver(p.Kind)
		if driver == nil {
			result[p.Name] = "no driver registered for kind: " + p.Kind
			continue
		}
		if err := driver.HealthCheck(ctx, &p); err != nil {
			result[p.Name] = "unhealthy: " + err.Error()
		} else {
			result[p.Name] = "healthy"
		}
	}
	return result
}
