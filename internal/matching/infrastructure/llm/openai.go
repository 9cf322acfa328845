// Package llm adapts the OpenAI API to the matching ports, with a
// circuit breaker in front of every outbound call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"

	"github.com/cvmatch/cvmatch/internal/matching/domain"
)

// Config configures the OpenAI adapter.
type Config struct {
	APIKey           string
	EmbeddingModel   openai.EmbeddingModel
	CompletionModel  string
	MaxRequests      uint32
	BreakerInterval  time.Duration
	BreakerTimeout   time.Duration
	FailureThreshold uint32
}

// DefaultConfig returns the production defaults.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:           apiKey,
		EmbeddingModel:   openai.SmallEmbedding3,
		CompletionModel:  openai.GPT4oMini,
		MaxRequests:      3,
		BreakerInterval:  10 * time.Second,
		BreakerTimeout:   30 * time.Second,
		FailureThreshold: 5,
	}
}

// completionsAPI is the slice of the OpenAI client the adapter uses,
// split out so tests can fake the transport.
type completionsAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements the matching Embedder and Suggester ports.
type Client struct {
	api            completionsAPI
	cfg            Config
	embedBreaker   *gobreaker.CircuitBreaker[[]float32]
	suggestBreaker *gobreaker.CircuitBreaker[[]string]
	logger         *slog.Logger
}

// NewClient creates the OpenAI adapter.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return newClient(openai.NewClient(cfg.APIKey), cfg, logger)
}

func newClient(api completionsAPI, cfg Config, logger *slog.Logger) *Client {
	c := &Client{api: api, cfg: cfg, logger: logger}
	c.embedBreaker = gobreaker.NewCircuitBreaker[[]float32](c.breakerSettings("openai-embeddings"))
	c.suggestBreaker = gobreaker.NewCircuitBreaker[[]string](c.breakerSettings("openai-completions"))
	return c
}

func (c *Client) breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: c.cfg.MaxRequests,
		Interval:    c.cfg.BreakerInterval,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := c.embedBreaker.Execute(func() ([]float32, error) {
		resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: c.cfg.EmbeddingModel,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("embedding response carried no data")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrAnalysisUnavailable, err)
		}
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	return vector, nil
}

const suggestionPrompt = `Você é um especialista em recrutamento. Compare o currículo e a vaga abaixo e liste até 5 sugestões curtas e acionáveis, em português, para melhorar a aderência do currículo à vaga. Uma sugestão por linha, sem numeração.

Currículo:
%s

Vaga:
%s`

// Suggest asks the completion model for resume improvement suggestions.
func (c *Client) Suggest(ctx context.Context, resume domain.Resume, job domain.JobDescription) ([]string, error) {
	suggestions, err := c.suggestBreaker.Execute(func() ([]string, error) {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.cfg.CompletionModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf(suggestionPrompt, resume.Content, job.Content),
				},
			},
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("completion response carried no choices")
		}
		return parseSuggestions(resp.Choices[0].Message.Content), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrAnalysisUnavailable, err)
		}
		return nil, fmt.Errorf("create completion: %w", err)
	}
	return suggestions, nil
}

func parseSuggestions(content string) []string {
	var suggestions []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-•* "))
		if line == "" {
			continue
		}
		suggestions = append(suggestions, line)
	}
	return suggestions
}
