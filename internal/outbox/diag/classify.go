package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Classification explains a failed record to an operator.
type Classification struct {
	ID                string              `json:"id"`
	Class             schema.FailureClass `json:"class,omitempty"`
	ProbableCause     string              `json:"probable_cause"`
	RecommendedAction string              `json:"recommended_action"`
	Severity          Severity            `json:"severity"`
	// Source is "rules" or the name of the enrichment service.
	Source string `json:"source"`
}

// Enricher refines a rule-based classification with an external service.
type Enricher interface {
	Enrich(ctx context.Context, w *schema.PendingWrite, base Classification) (Classification, error)
}

// Classifier classifies failed records. Enrichment is optional and best-effort.
type Classifier struct {
	enricher Enricher
	logger   *slog.Logger
}

// NewClassifier creates a Classifier. enricher may be nil.
func NewClassifier(enricher Enricher, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{enricher: enricher, logger: logger.With("component", "classifier")}
}

// Classify returns the rule-based classification of w, enriched when an
// enricher is configured and answers. It never modifies w.
func (c *Classifier) Classify(ctx context.Context, w *schema.PendingWrite) Classification {
	base := Rules(w)
	if c.enricher == nil || w.State == schema.StatePending || w.State == schema.StateInFlight {
		return base
	}
	enriched, err := c.enricher.Enrich(ctx, w, base)
	if err != nil {
		c.logger.Warn("failure enrichment unavailable, using rules", "id", w.ID, "error", err)
		return base
	}
	return enriched
}

// Rules classifies w from its failure class, state and retry count.
func Rules(w *schema.PendingWrite) Classification {
	c := Classification{ID: w.ID, Class: w.FailureClass, Source: "rules"}

	if !w.State.Failed() {
		c.ProbableCause = "no failure recorded"
		c.RecommendedAction = "none"
		c.Severity = SeverityInfo
		return c
	}

	switch w.FailureClass {
	case schema.ClassNetwork:
		c.ProbableCause = "the device could not reach the server"
		c.RecommendedAction = "wait for connectivity; the write is retried automatically"
		c.Severity = SeverityInfo
	case schema.ClassTimeout:
		c.ProbableCause = "the server did not answer in time"
		c.RecommendedAction = "wait; the write is retried automatically"
		c.Severity = SeverityInfo
	case schema.ClassUnavailable:
		c.ProbableCause = "the server is rate limiting or temporarily unavailable"
		c.RecommendedAction = "wait; retries honour the server's Retry-After"
		c.Severity = SeverityInfo
	case schema.ClassServer:
		c.ProbableCause = "the server failed while handling the write"
		c.RecommendedAction = "check server logs for the error; the write is retried automatically"
		c.Severity = SeverityWarning
	case schema.ClassValidation:
		c.ProbableCause = "the server rejected the data as invalid"
		c.RecommendedAction = "fix the record at its source and archive this write"
		c.Severity = SeverityCritical
	case schema.ClassConflict:
		c.ProbableCause = "the write conflicts with data already on the server (duplicate or missing reference)"
		c.RecommendedAction = "confirm the server state; archive the write if it already landed, otherwise reprocess once the reference exists"
		c.Severity = SeverityWarning
	case schema.ClassAuth:
		c.ProbableCause = "the session expired or was revoked"
		c.RecommendedAction = "sign in again and resume syncing"
		c.Severity = SeverityWarning
	case schema.ClassPermission:
		c.ProbableCause = "the user is not allowed to perform this write"
		c.RecommendedAction = "grant access in the organization, then reprocess"
		c.Severity = SeverityCritical
	case schema.ClassTenant:
		c.ProbableCause = "the write belongs to another organization than the active one"
		c.RecommendedAction = "switch back to that organization, or archive the write"
		c.Severity = SeverityWarning
	default:
		c.ProbableCause = "the server refused the request"
		c.RecommendedAction = "inspect the last error; archive the write if it cannot succeed"
		c.Severity = SeverityWarning
	}

	if strings.Contains(w.LastError, "gave up after") {
		c.ProbableCause += "; automatic retries are exhausted"
		c.RecommendedAction = "reprocess once the cause is fixed, or archive"
		c.Severity = SeverityCritical
	} else if w.State == schema.StateFailedRetryable && w.RetryCount > DefaultDeadLetterThreshold {
		c.Severity = SeverityCritical
	}
	return c
}

// DefaultClassifierModel is used when no model is configured.
const DefaultClassifierModel = "claude-3-5-haiku-latest"

// AnthropicConfig configures the Anthropic enricher.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int64
	Timeout   time.Duration
}

// AnthropicEnricher asks an Anthropic model to explain a failure.
type AnthropicEnricher struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropicEnricher creates an enricher. The API key is required.
func NewAnthropicEnricher(cfg AnthropicConfig) (*AnthropicEnricher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultClassifierModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicEnricher{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

const enrichSystemPrompt = `You help operators of an offline-first sports team app whose writes are queued on the device and replayed against a PostgREST backend.
Given one failed write, answer with a single JSON object and nothing else:
{"probable_cause": "...", "recommended_action": "...", "severity": "info|warning|critical"}`

// Enrich implements Enricher. Only operational metadata is sent; the payload
// never leaves the device.
func (e *AnthropicEnricher) Enrich(ctx context.Context, w *schema.PendingWrite, base Classification) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := fmt.Sprintf(`kind: %s
stream: %s
state: %s
failure class: %s
retries: %d
last error: %s
rule-based cause: %s`, w.Kind, w.StreamKey, w.State, w.FailureClass, w.RetryCount, w.LastError, base.ProbableCause)

	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: enrichSystemPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return base, fmt.Errorf("classification request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var answer struct {
		ProbableCause     string `json:"probable_cause"`
		RecommendedAction string `json:"recommended_action"`
		Severity          string `json:"severity"`
	}
	raw := extractJSON(text.String())
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return base, fmt.Errorf("unexpected classification answer: %w", err)
	}
	if answer.ProbableCause == "" || answer.RecommendedAction == "" {
		return base, fmt.Errorf("incomplete classification answer")
	}

	out := base
	out.ProbableCause = answer.ProbableCause
	out.RecommendedAction = answer.RecommendedAction
	switch sev := Severity(strings.ToLower(answer.Severity)); sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		out.Severity = sev
	}
	out.Source = "anthropic:" + e.model
	return out, nil
}

// extractJSON returns the outermost {...} of s, tolerating prose or code
// fences around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
