// Package anthropic implements the summarizer collaborator on top of the
// Anthropic Messages API. Each tier of a compression is summarized by one
// API call and becomes one output message threaded onto the message that
// preceded the range.
package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
)

// Interface guard.
var _ summarize.Summarizer = (*Summarizer)(nil)

// summaryRole is the role of generated summary messages.
const summaryRole = "assistant"

// Summarizer is a summarize.Summarizer backed by Claude.
type Summarizer struct {
	config Config
	client *sdkanthropic.Client
	logger *slog.Logger
	newID  func() string
}

// New creates a Summarizer. The API key comes from the config, then from
// the configured environment variable.
func New(cfg Config, logger *slog.Logger) (*Summarizer, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("summarizer.anthropic: no API key (set api_key or $%s)", cfg.APIKeyEnv)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdkanthropic.NewClient(opts...)

	return &Summarizer{
		config: cfg,
		client: &client,
		logger: logger.With("component", "summarizer.anthropic"),
		newID:  uuid.NewString,
	}, nil
}

// Summarize implements summarize.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, req summarize.Request) (summarize.Result, error) {
	if len(req.Messages) == 0 {
		return summarize.Result{}, nil
	}
	model := s.config.Model
	if req.Settings.Model != "" {
		model = req.Settings.Model
	}

	var res summarize.Result
	parent := req.Messages[0].ParentUUID
	for _, chunk := range summarize.SplitTiers(req.Messages, req.Settings.Tiers()) {
		keep := summarize.KeepFor(req.Keep, chunk.Messages)

		text, err := s.complete(ctx, model, chunk, keep)
		if err != nil {
			return summarize.Result{}, err
		}

		msg := source.Message{
			UUID:       s.newID(),
			ParentUUID: parent,
			Timestamp:  chunk.Messages[len(chunk.Messages)-1].Timestamp,
			Role:       summaryRole,
			Text:       ensureKept(text, keep),
		}
		parent = msg.UUID
		res.Messages = append(res.Messages, msg)
		res.TierResults = append(res.TierResults, summarize.TierResult{
			EndPercent:      chunk.Tier.EndPercent,
			CompactionRatio: chunk.Tier.CompactionRatio,
			InputMessages:   len(chunk.Messages),
			OutputMessages:  1,
		})
	}
	return res, nil
}

// complete runs one API call under the configured timeout.
func (s *Summarizer) complete(ctx context.Context, model string, chunk summarize.Chunk, keep []summarize.KeepSpan) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	msg, err := s.client.Messages.New(ctx, sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(model),
		MaxTokens: int64(s.config.MaxTokens),
		System:    []sdkanthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdkanthropic.MessageParam{
			sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock(buildPrompt(chunk, keep))),
		},
	})
	if err != nil {
		return "", mapError(err)
	}

	var parts []string
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(sdkanthropic.TextBlock); ok {
			parts = append(parts, v.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return "", ErrEmpty
	}

	s.logger.Debug("tier summarized",
		"model", model,
		"messages", len(chunk.Messages),
		"ratio", chunk.Tier.CompactionRatio,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	if msg.StopReason == sdkanthropic.StopReasonMaxTokens {
		s.logger.Warn("summary truncated at max_tokens", "model", model, "max_tokens", s.config.MaxTokens)
	}
	return text, nil
}

// HealthCheck sends a 1-token request to validate connectivity and
// credentials.
func (s *Summarizer) HealthCheck(ctx context.Context) error {
	_, err := s.client.Messages.New(ctx, sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(s.config.Model),
		MaxTokens: 1,
		Messages: []sdkanthropic.MessageParam{
			sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock("hi")),
		},
	})
	return mapError(err)
}
