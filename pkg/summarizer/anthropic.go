// Package summarizer folds conversational memory batches into rolling
// summaries using the Anthropic Messages API.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/memory"
)

// Config holds summarizer settings.
type Config struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string
	// Model names the model used for summarization.
	Model string
	// TargetLength is the requested summary length in characters. CJK
	// text packs roughly one concept per character, so the target reads
	// as a character count rather than a word count.
	TargetLength int
	// MaxTokens caps the completion.
	MaxTokens int
}

// Anthropic implements memory.Summarizer on the Anthropic Messages API.
type Anthropic struct {
	log    logger.Logger
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates a summarizer. The API key must be non-empty; the
// caller gates construction on configured credentials.
func NewAnthropic(log logger.Logger, cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("summarizer: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.TargetLength <= 0 {
		cfg.TargetLength = 250
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Anthropic{
		log:    log,
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}, nil
}

// Summarize folds a batch of entries into a new summary, carrying the
// prior summary forward.
func (a *Anthropic) Summarize(ctx context.Context, prior string, batch []*memory.Entry) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(a.cfg.TargetLength)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(foldRequest(prior, batch))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: messages api: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", fmt.Errorf("summarizer: model returned no text")
	}
	a.log.DebugContext(ctx, "summary produced", "model", a.cfg.Model, "chars", len(summary))
	return summary, nil
}

// systemPrompt instructs the model to compress without losing the
// anchors later turns refer back to.
func systemPrompt(targetLength int) string {
	return fmt.Sprintf(`You maintain the long-term memory of an assistant. `+
		`Merge the existing summary and the new conversation turns into a single updated summary. `+
		`Preserve every named entity, document name, date, and decision; keep referents explicit so `+
		`later turns like "that file" or "she" stay resolvable. Drop greetings and filler. `+
		`Write the summary in the conversation's dominant language, at most %d characters. `+
		`Reply with the summary text only.`, targetLength)
}

// foldRequest renders the prior summary and the batch as the user turn.
func foldRequest(prior string, batch []*memory.Entry) string {
	var sb strings.Builder
	sb.WriteString("Existing summary:\n")
	if prior == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(prior)
		sb.WriteString("\n")
	}
	sb.WriteString("\nNew turns:\n")
	for _, e := range batch {
		sb.WriteString(e.Role)
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		if len(e.Sources) > 0 {
			sb.WriteString(" [sources: ")
			sb.WriteString(strings.Join(e.Sources, ", "))
			sb.WriteString("]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
