// Package admission implements the Admission Controller (C8): the gate
// every inbound message and search command passes through before any
// retrieval, tool, or completion call is made.
package admission

import (
	"context"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/store"
)

// estimatedCharsPerToken matches the Ingestion Pipeline's token-size
// heuristic so a "token" means the same thing on the write and read path.
const estimatedCharsPerToken = 4

func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + estimatedCharsPerToken - 1) / estimatedCharsPerToken
}

// injectionPatterns catch common prompt-injection phrasing. Kept at medium
// sensitivity; a "high" tier layers highSensitivityPatterns on top.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
}

var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

// credentialPatterns catch credential-shaped strings; the reference
// guardrail service only screens PII (email/phone/ssn/credit-card), so
// this list is new for the conversation-admission path.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bsk-[a-zA-Z0-9]{16,}\b`),
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]{20,}\b`),
	regexp.MustCompile(`(?i)\b(password|passwd|secret)\s*[:=]\s*\S{6,}`),
	regexp.MustCompile(`(?i)\bAKIA[0-9A-Z]{16}\b`),
}

// Sensitivity controls how aggressively the pattern screen flags content.
type Sensitivity string

const (
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// MessageCheck is the input for per-message admission.
type MessageCheck struct {
	TenantID    string
	UserID      string
	Content     string
	Sensitivity Sensitivity
}

// SearchCommand is the input for admission of a retrieval request.
type SearchCommand struct {
	TopK      int
	Threshold float64
}

// Controller is the C8 Admission Controller. Its sliding-window rate
// limiter works like the Tool Executor's (a count of store records inside
// the window), keyed by (tenant, user) over messages instead of
// (tenant, tool) over tool-call logs.
type Controller struct {
	store            store.Store
	cfg              config.ChatConfig
	maxTokenEstimate int
}

func NewController(s store.Store, cfg config.ChatConfig, maxTokenEstimate int) *Controller {
	if maxTokenEstimate <= 0 {
		maxTokenEstimate = cfg.MaxMessageLength / estimatedCharsPerToken
	}
	return &Controller{store: s, cfg: cfg, maxTokenEstimate: maxTokenEstimate}
}

// CheckMessage runs the ordered admission checks and returns the first
// violation encountered.
func (c *Controller) CheckMessage(ctx context.Context, m MessageCheck) error {
	if utf8.RuneCountInString(m.Content) > c.cfg.MaxMessageLength {
		return apperrors.NewValidation("MESSAGE_TOO_LARGE", fmt.Sprintf("message exceeds the %d character limit", c.cfg.MaxMessageLength))
	}

	if estimateTokens(m.Content) > c.maxTokenEstimate {
		return apperrors.NewValidation("PROMPT_TOO_COMPLEX", fmt.Sprintf("message estimated at over %d tokens", c.maxTokenEstimate))
	}

	if err := c.checkRateLimit(ctx, m.TenantID, m.UserID); err != nil {
		return err
	}

	if sanitized, flagged := screenContent(m.Content, m.Sensitivity); flagged {
		return apperrors.NewValidationWithDetails("UNSAFE_CONTENT", "message content was rejected by the safety screen",
			map[string]interface{}{"sanitized_echo": sanitized})
	}

	return nil
}

func (c *Controller) checkRateLimit(ctx context.Context, tenantID, userID string) error {
	window := time.Duration(c.cfg.RateLimitWindowSec) * time.Second
	if window <= 0 || c.cfg.RateLimitMax <= 0 {
		return nil
	}
	since := time.Now().Add(-window)
	count, err := c.store.CountUserMessagesSince(ctx, tenantID, userID, since)
	if err != nil {
		return apperrors.Wrap(err, "RATE_LIMIT_CHECK_FAILED", "failed to check message rate")
	}
	if count >= c.cfg.RateLimitMax {
		return apperrors.NewRateLimited(fmt.Sprintf("no more than %d messages allowed per %ds", c.cfg.RateLimitMax, c.cfg.RateLimitWindowSec))
	}
	return nil
}

// CheckSearch validates a retrieval command's bounds.
func (c *Controller) CheckSearch(cmd SearchCommand, topKMax int) error {
	if topKMax > 0 && cmd.TopK > topKMax {
		return apperrors.NewValidation("TOP_K_TOO_LARGE", fmt.Sprintf("top-k must be <= %d", topKMax))
	}
	if cmd.Threshold < 0 || cmd.Threshold > 1 {
		return apperrors.NewValidation("INVALID_THRESHOLD", "threshold must be within [0, 1]")
	}
	return nil
}

// screenContent checks text against the injection and credential pattern
// lists and returns a sanitized echo (matched spans redacted) for the
// caller to surface alongside the rejection.
func screenContent(text string, sensitivity Sensitivity) (sanitized string, flagged bool) {
	patterns := make([]*regexp.Regexp, 0, len(injectionPatterns)+len(credentialPatterns)+len(highSensitivityPatterns))
	patterns = append(patterns, injectionPatterns...)
	patterns = append(patterns, credentialPatterns...)
	if sensitivity == SensitivityHigh {
		patterns = append(patterns, highSensitivityPatterns...)
	}

	sanitized = text
	for _, re := range patterns {
		if re.MatchString(sanitized) {
			flagged = true
			sanitized = re.ReplaceAllString(sanitized, "[redacted]")
		}
	}
	if !flagged {
		return "", false
	}
	return truncate(sanitized, 200), true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
