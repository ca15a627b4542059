package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ragops/backend/internal/storage/models"
	"github.com/ragops/backend/pkg/circuitbreaker"
	"github.com/ragops/backend/pkg/logger"
	"github.com/ragops/backend/pkg/retry"
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type Generation struct {
	Content   string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Delta is one streamed fragment. The usage fields arrive on the final
// chunk the API sends when stream usage is requested; that chunk carries
// no content.
type Delta struct {
	Content   string
	TokensIn  int
	TokensOut int
	Err       error
}

// Per-1K-token prices used for trace cost accounting. Unknown models fall
// back to defaultCost.
var modelCosts = map[string][2]float64{
	"gpt-4-turbo-preview":    {0.01, 0.03},
	"gpt-4":                  {0.03, 0.06},
	"gpt-4o":                 {0.005, 0.015},
	"gpt-4o-mini":            {0.00015, 0.0006},
	"gpt-3.5-turbo":          {0.0005, 0.0015},
	"text-embedding-3-small": {0.00002, 0},
	"text-embedding-3-large": {0.00013, 0},
}

var defaultCost = [2]float64{0.01, 0.03}

func EstimateCost(model string, tokensIn, tokensOut int) float64 {
	costs, ok := modelCosts[model]
	if !ok {
		costs = defaultCost
	}
	return float64(tokensIn)/1000*costs[0] + float64(tokensOut)/1000*costs[1]
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Model() string { return c.model }

func buildMessages(system, user string, history []models.ChatMessage) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})
	return messages
}

func (c *Client) Generate(ctx context.Context, system, user string, history []models.ChatMessage) (*Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	messages := buildMessages(system, user, history)

	var result *Generation

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: c.temperature,
					MaxTokens:   c.maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &Generation{
				Content:   resp.Choices[0].Message.Content,
				TokensIn:  resp.Usage.PromptTokens,
				TokensOut: resp.Usage.CompletionTokens,
				CostUSD:   EstimateCost(c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// GenerateStream yields content deltas as they arrive from the model. The
// channel is closed once the upstream stream ends or the context is
// cancelled; a Delta with Err set is the terminal element on failure.
func (c *Client) GenerateStream(ctx context.Context, system, user string, history []models.ChatMessage) (<-chan Delta, error) {
	messages := buildMessages(system, user, history)

	stream, err := c.client.CreateChatCompletionStream(
		ctx,
		openai.ChatCompletionRequest{
			Model:         c.model,
			Messages:      messages,
			Temperature:   c.temperature,
			MaxTokens:     c.maxTokens,
			Stream:        true,
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	out := make(chan Delta, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- Delta{Err: fmt.Errorf("stream receive failed: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			if resp.Usage != nil {
				select {
				case out <- Delta{TokensIn: resp.Usage.PromptTokens, TokensOut: resp.Usage.CompletionTokens}:
				case <-ctx.Done():
					return
				}
			}

			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}

			select {
			case out <- Delta{Content: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return embedding, nil
}
