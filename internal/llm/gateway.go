package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/circuitbreaker"
	"github.com/edumagiceco/graphrag/pkg/logger"
	"github.com/edumagiceco/graphrag/pkg/retry"
)

// Turn is one prompt message, decoupled from the wire SDK so callers
// never import openai types.
type Turn struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Config struct {
	BaseURL          string
	Model            string
	APIKey           string
	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingDim     int
	Concurrency      int
	Timeout          time.Duration
	Temperature      float32
	MaxTokens        int
}

// Gateway is the single rate-limited door to the model server. A
// global counting semaphore caps concurrent calls because the model
// server is the bottleneck resource; chat and embedding share the cap.
type Gateway struct {
	chat        *openai.Client
	embed       *openai.Client
	cfg         Config
	sem         chan struct{}
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewGateway(cfg Config) *Gateway {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	chatCfg := openai.DefaultConfig(cfg.APIKey)
	chatCfg.BaseURL = cfg.BaseURL
	embedCfg := openai.DefaultConfig(cfg.APIKey)
	embedCfg.BaseURL = cfg.EmbeddingBaseURL

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
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

	logger.Info("LLM gateway initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Int("concurrency", cfg.Concurrency),
	)

	return &Gateway{
		chat:        openai.NewClientWithConfig(chatCfg),
		embed:       openai.NewClientWithConfig(embedCfg),
		cfg:         cfg,
		sem:         make(chan struct{}, cfg.Concurrency),
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// acquire blocks until a semaphore slot frees up or ctx ends. The slot
// is released by the returned func; request timeouts release it via
// the deferred call at each call site.
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	select {
	case g.sem <- struct{}{}:
		return func() { <-g.sem }, nil
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindCancelled, "gave up waiting for llm slot", ctx.Err())
	}
}

// Ping checks the model server. Used at boot; failures are soft.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := g.chat.ListModels(ctx)
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var embeddings [][]float32

	batchSize := 64
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		err := g.cb.Execute(ctx, func() error {
			return retry.Do(ctx, g.retryConfig, func() error {
				resp, err := g.embed.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(g.cfg.EmbeddingModel),
					},
				)
				if err != nil {
					return mapErr(err)
				}

				for _, data := range resp.Data {
					if len(data.Embedding) != g.cfg.EmbeddingDim {
						return apperr.Newf(apperr.KindPermanent,
							"embedding dimension mismatch: model returned %d, configured %d",
							len(data.Embedding), g.cfg.EmbeddingDim)
					}
					vec := make([]float32, len(data.Embedding))
					copy(vec, data.Embedding)
					embeddings = append(embeddings, vec)
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	if len(embeddings) != len(texts) {
		return nil, apperr.Newf(apperr.KindPermanent,
			"embedding count mismatch: got %d, expected %d", len(embeddings), len(texts))
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// ChatStream streams a completion, calling onToken for each non-empty
// delta. An error from onToken aborts the stream and is returned
// unchanged, so callers can stop generation by returning a Cancelled
// error from the callback.
func (g *Gateway) ChatStream(ctx context.Context, turns []Turn, onToken func(delta string) error) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(turns))
	for i, t := range turns {
		messages[i] = openai.ChatCompletionMessage{Role: t.Role, Content: t.Content}
	}

	stream, err := g.chat.CreateChatCompletionStream(
		ctx,
		openai.ChatCompletionRequest{
			Model:       g.cfg.Model,
			Messages:    messages,
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
			Stream:      true,
		},
	)
	if err != nil {
		return mapErr(err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return mapErr(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onToken(delta); err != nil {
			return err
		}
	}
}

// Complete is the non-streaming convenience used by the extractor.
func (g *Gateway) Complete(ctx context.Context, system, user string) (string, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var content string
	err = g.cb.Execute(ctx, func() error {
		return retry.Do(ctx, g.retryConfig, func() error {
			resp, err := g.chat.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model: g.cfg.Model,
					Messages: []openai.ChatCompletionMessage{
						{Role: openai.ChatMessageRoleSystem, Content: system},
						{Role: openai.ChatMessageRoleUser, Content: user},
					},
					Temperature: g.cfg.Temperature,
					MaxTokens:   g.cfg.MaxTokens,
				},
			)
			if err != nil {
				return mapErr(err)
			}
			if len(resp.Choices) == 0 {
				return apperr.New(apperr.KindPermanent, "model returned no choices")
			}
			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// mapErr classifies upstream failures: 5xx/429 and connection errors
// are Transient, 4xx schema/validation failures are Permanent.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindCancelled, "llm call cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransient, "llm call timed out", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 429 {
			return apperr.Wrap(apperr.KindTransient, "llm upstream error", err)
		}
		return apperr.Wrap(apperr.KindPermanent, "llm rejected request", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 429 {
			return apperr.Wrap(apperr.KindTransient, "llm upstream error", err)
		}
		return apperr.Wrap(apperr.KindPermanent, "llm rejected request", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Wrap(apperr.KindTransient, "llm connection error", err)
	}

	return apperr.Wrap(apperr.KindTransient, "llm call failed", err)
}
