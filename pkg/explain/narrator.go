package explain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/anthropic"
	"github.com/hed1ad/leakguard/pkg/billing"
)

// Explanation sources recorded on every explained invoice.
const (
	SourceTemplate = "template"
	SourceExternal = "external"
)

// Explanation modes.
const (
	ModeTemplate = "template"
	ModeExternal = "external"
)

// Narrative is the explanation text of one invoice and where it came from.
type Narrative struct {
	Text   string
	Source string
}

// Narrator writes the explanation of one invoice.
type Narrator interface {
	Narrate(ctx context.Context, inv billing.ExplainedInvoice) (Narrative, error)
}

// NarratorConfig selects and tunes the narrator.
type NarratorConfig struct {
	Mode        string
	APIKey      string
	Model       string
	MaxTokens   int64
	Timeout     time.Duration
	MaxFailures int
}

// NewNarrator returns the external narrator wrapped in a template fallback
// when the external mode is requested and a credential is present, and the
// template narrator otherwise.
func NewNarrator(cfg NarratorConfig) Narrator {
	if cfg.Mode != ModeExternal || cfg.APIKey == "" {
		if cfg.Mode == ModeExternal {
			zap.L().Info("explain: no credential configured, using template explanations")
		}
		return TemplateNarrator{}
	}
	client := anthropic.NewClient(cfg.APIKey)
	return NewFallbackNarrator(NewExternalNarrator(client, cfg.Model, cfg.MaxTokens), cfg.Timeout, cfg.MaxFailures)
}

const systemPrompt = "You are a billing analytics assistant. " +
	"Write a concise, human analyst-style explanation of a revenue leakage alert. " +
	"Do not invent facts. Use only provided fields. " +
	"Keep it 2-4 sentences plus 1 action sentence."

// ExternalNarrator asks the Anthropic Messages API for the explanation.
type ExternalNarrator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewExternalNarrator returns a narrator backed by client.
func NewExternalNarrator(client anthropic.Client, model string, maxTokens int64) *ExternalNarrator {
	return &ExternalNarrator{client: client, model: model, maxTokens: maxTokens}
}

// Narrate implements Narrator.
func (n *ExternalNarrator) Narrate(ctx context.Context, inv billing.ExplainedInvoice) (Narrative, error) {
	temp := 0.2
	resp, err := n.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       n.model,
		MaxTokens:   n.maxTokens,
		System:      systemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt(inv)}},
		Temperature: &temp,
	})
	if err != nil {
		return Narrative{}, eris.Wrapf(err, "explain: narrate %s", inv.InvoiceID)
	}
	resp.Usage.LogUsage(n.model, "explain")

	text := resp.Text()
	if text == "" {
		return Narrative{}, eris.Errorf("explain: empty narrative for %s", inv.InvoiceID)
	}
	return Narrative{Text: text, Source: SourceExternal}, nil
}

func prompt(inv billing.ExplainedInvoice) string {
	var b strings.Builder
	b.WriteString("Explain this invoice leakage alert using these fields:\n")
	fields := []struct{ name, value string }{
		{"invoice_id", inv.InvoiceID},
		{"billed_amount", Money(inv.BilledAmount)},
		{"expected_revenue_baseline", Money(inv.ExpectedRevenueBaseline)},
		{"leakage_baseline", Money(inv.LeakageBaseline)},
		{"anomaly_score_min", nullText(inv.AnomalyScoreMin)},
		{"max_rules_triggered", fmt.Sprint(inv.MaxRulesTriggered)},
		{"rule_violations", inv.RuleViolations},
		{"top_attribution_features", inv.TopFeatures},
		{"top_attribution_impacts", inv.TopImpacts},
	}
	for _, f := range fields {
		fmt.Fprintf(&b, "- %s: %s\n", f.name, f.value)
	}
	b.WriteString("\nOutput format:\n- Explanation: ...\n- Action: ...")
	return b.String()
}

func nullText(v billing.NullFloat) string {
	if !v.Valid {
		return "N/A"
	}
	return fmt.Sprintf("%.6f", v.Value)
}

// FallbackNarrator runs a primary narrator under a deadline and substitutes
// the template explanation on any failure. After maxFailures consecutive
// failures the primary is no longer called.
type FallbackNarrator struct {
	primary     Narrator
	fallback    TemplateNarrator
	timeout     time.Duration
	maxFailures int

	mu       sync.Mutex
	failures int
	open     bool
}

// NewFallbackNarrator wraps primary.
func NewFallbackNarrator(primary Narrator, timeout time.Duration, maxFailures int) *FallbackNarrator {
	return &FallbackNarrator{primary: primary, timeout: timeout, maxFailures: maxFailures}
}

// Narrate implements Narrator. It never fails.
func (f *FallbackNarrator) Narrate(ctx context.Context, inv billing.ExplainedInvoice) (Narrative, error) {
	f.mu.Lock()
	open := f.open
	f.mu.Unlock()
	if open {
		return f.fallback.Narrate(ctx, inv)
	}

	n, err := f.try(ctx, inv)
	if err == nil && strings.TrimSpace(n.Text) == "" {
		err = eris.New("empty narrative")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		f.failures = 0
		return n, nil
	}

	f.failures++
	zap.L().Debug("explain: narrative backend failed, using template",
		zap.String("invoice_id", inv.InvoiceID),
		zap.Int("consecutive_failures", f.failures),
		zap.Error(err),
	)
	if f.maxFailures > 0 && f.failures >= f.maxFailures && !f.open {
		f.open = true
		zap.L().Warn("explain: narrative backend disabled for this run",
			zap.Int("consecutive_failures", f.failures),
		)
	}
	return f.fallback.Narrate(ctx, inv)
}

type attempt struct {
	n   Narrative
	err error
}

// try calls the primary in its own goroutine so a backend that ignores the
// context still cannot hold the caller past the deadline.
func (f *FallbackNarrator) try(ctx context.Context, inv billing.ExplainedInvoice) (Narrative, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{err: eris.Errorf("narrator panic: %v", r)}
			}
		}()
		n, err := f.primary.Narrate(ctx, inv)
		done <- attempt{n: n, err: err}
	}()

	select {
	case a := <-done:
		return a.n, a.err
	case <-ctx.Done():
		return Narrative{}, eris.Wrap(ctx.Err(), "narrator deadline")
	}
}

// Disabled reports whether the primary narrator has been switched off.
func (f *FallbackNarrator) Disabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
