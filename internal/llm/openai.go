package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/antoniostano/memoryd/internal/memory"
	"github.com/antoniostano/memoryd/internal/reliability"
)

type Config struct {
	BaseURL           string
	APIKey            string
	Tasks             map[TaskType]TaskParams
	EmbeddingModel    string
	Timeout           time.Duration
	MaxResponseTokens int
	Retry             reliability.Policy
}

// Client implements Completer and Embedder over the go-openai SDK.
type Client struct {
	api            *openai.Client
	tasks          map[TaskType]TaskParams
	embeddingModel string
	timeout        time.Duration
	maxTokens      int
	retry          reliability.Policy
	logger         zerolog.Logger
}

var (
	_ Completer = (*Client)(nil)
	_ Embedder  = (*Client)(nil)
)

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		apiCfg.BaseURL = base
	}
	if cfg.Timeout > 0 {
		apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = reliability.DefaultPolicy
	}
	tasks := make(map[TaskType]TaskParams, len(cfg.Tasks))
	for k, v := range cfg.Tasks {
		tasks[k] = v
	}
	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		tasks:          tasks,
		embeddingModel: cfg.EmbeddingModel,
		timeout:        cfg.Timeout,
		maxTokens:      cfg.MaxResponseTokens,
		retry:          retry,
		logger:         logger.With().Str("component", "llm").Logger(),
	}
}

func (c *Client) params(task TaskType) (TaskParams, error) {
	p, ok := c.tasks[task]
	if !ok || strings.TrimSpace(p.Model) == "" {
		p, ok = c.tasks[TaskChat]
	}
	if !ok || strings.TrimSpace(p.Model) == "" {
		return TaskParams{}, errors.Wrapf(ErrNoModel, "%q", task)
	}
	return p, nil
}

// Complete runs a non-streaming chat completion and returns the trimmed text of the
// first choice. An empty completion is not an error here.
func (c *Client) Complete(ctx context.Context, messages []memory.Message, task TaskType) (string, error) {
	params, err := c.params(task)
	if err != nil {
		return "", err
	}
	req := openai.ChatCompletionRequest{
		Model:       params.Model,
		Temperature: params.Temperature,
		MaxTokens:   c.maxTokens,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	var out string
	start := time.Now()
	err = reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			c.logger.Warn().Str("model", params.Model).Msg("completion returned no choices")
			out = ""
			return nil
		}
		out = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}, IsRetryable)
	if err != nil {
		return "", errors.Wrapf(err, "chat completion (%s)", task)
	}
	c.logger.Debug().
		Str("task", string(task)).
		Str("model", params.Model).
		Dur("elapsed", time.Since(start)).
		Msg("completion finished")
	return out, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.embeddingModel),
			Input: []string{text},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return errors.New("embedding response is empty")
		}
		vec = resp.Data[0].Embedding
		return nil
	}, IsRetryable)
	if err != nil {
		return nil, errors.Wrap(err, "create embedding")
	}
	return vec, nil
}

// Online reports whether the model server is reachable and has at least one model
// loaded.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	list, err := c.api.ListModels(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("model server health check failed")
		return false
	}
	if len(list.Models) == 0 {
		c.logger.Warn().Msg("model server is reachable but no models are loaded")
		return false
	}
	return true
}

// IsRetryable classifies SDK errors by their HTTP status. Transport errors with no
// status are retried; context cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return true
}
