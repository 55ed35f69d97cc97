// Package generator implements newsdesk.Generator on top of the Anthropic
// Messages API, plus an extractive fallback for runs without an API key.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
)

// ErrNoJSON is returned when the reply holds no JSON object.
var ErrNoJSON = errors.New("reply contained no json object")

// MessagesAPI is the slice of the SDK client used here.
type MessagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Config configures the Anthropic generator.
type Config struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Anthropic writes digests with a Claude model.
type Anthropic struct {
	api    MessagesAPI
	cfg    Config
	logger *zap.Logger
}

var _ newsdesk.Generator = (*Anthropic)(nil)

// NewAnthropic builds a generator backed by the SDK client.
func NewAnthropic(cfg Config, logger *zap.Logger) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(2))
	return NewAnthropicWithAPI(&client.Messages, cfg, logger), nil
}

// NewAnthropicWithAPI builds a generator around an existing messages API.
func NewAnthropicWithAPI(api MessagesAPI, cfg Config, logger *zap.Logger) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anthropic{api: api, cfg: cfg, logger: logger}
}

// Generate sends the instruction as the system prompt and the digest
// context as JSON, then decodes the structured reply.
func (g *Anthropic) Generate(
	ctx context.Context,
	instruction string,
	digestCtx newsdesk.DigestContext,
) (newsdesk.GeneratedDigest, error) {
	payload, err := json.MarshalIndent(digestCtx, "", "  ")
	if err != nil {
		return newsdesk.GeneratedDigest{}, fmt.Errorf("encode digest context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: g.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: instruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(payload))),
		},
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(g.cfg.Temperature)
	}

	start := time.Now()
	msg, err := g.api.New(ctx, params)
	if err != nil {
		return newsdesk.GeneratedDigest{}, fmt.Errorf("anthropic messages: %w", err)
	}
	g.logger.Debug("digest generated",
		zap.String("cluster_key", digestCtx.ClusterKey),
		zap.String("model", g.cfg.Model),
		zap.Duration("duration", time.Since(start)))

	return decodeReply(replyText(msg))
}

func userPrompt(payload []byte) string {
	var b strings.Builder
	b.WriteString("Story context:\n")
	b.Write(payload)
	b.WriteString("\n\nRespond with one JSON object and nothing else, using the keys ")
	b.WriteString(`"headline", "dek", "key_points", "why_it_matters" and "risk_level".`)
	return b.String()
}

func replyText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// decodeReply tolerates prose or code fences around the JSON object.
func decodeReply(text string) (newsdesk.GeneratedDigest, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return newsdesk.GeneratedDigest{}, ErrNoJSON
	}
	var out newsdesk.GeneratedDigest
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	if err := dec.Decode(&out); err != nil {
		return newsdesk.GeneratedDigest{}, fmt.Errorf("decode digest reply: %w", err)
	}
	return out, nil
}
