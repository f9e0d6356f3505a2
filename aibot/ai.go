package aibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const aiSystemPrompt = "You are a helpful AI assistant in a Discord chat. " +
	"Respond naturally and conversationally. Keep responses concise but " +
	"informative. Be friendly and engaging."

// aiUserMessageFormat prefixes the prompt with the author's display
// name, so the model knows who it's talking to.
const aiUserMessageFormat = "%s says: %s"

// BackendErrorKind classifies an AI backend failure.
type BackendErrorKind string

const (
	// BackendErrorTimeout indicates the request deadline elapsed or the
	// request was cancelled before a completion arrived.
	BackendErrorTimeout BackendErrorKind = "timeout"

	// BackendErrorQuotaExceeded indicates the backend rejected the
	// request with HTTP 429.
	BackendErrorQuotaExceeded BackendErrorKind = "quota_exceeded"

	// BackendErrorMalformed indicates the backend responded, but with
	// no usable completion text.
	BackendErrorMalformed BackendErrorKind = "malformed"

	// BackendErrorUnknown covers everything else.
	BackendErrorUnknown BackendErrorKind = "unknown"
)

func (b BackendErrorKind) String() string {
	return string(b)
}

// BackendError wraps an AI backend failure with its classification.
// All kinds are handled identically by the dispatcher (generic notice,
// no retry), so the kind only matters for logs and metrics.
type BackendError struct {
	Kind BackendErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ai backend error (%s)", e.Kind)
	}
	return fmt.Sprintf("ai backend error (%s): %s", e.Kind, e.Err.Error())
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// AIClient is the slice of the OpenAI-compatible API used to generate
// replies.
//
// This interface allows for easier testing and potential future
// implementations with different client libraries or mock clients.
type AIClient interface {
	// CreateChatCompletion requests a chat completion.
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// AI generates chat replies through an OpenAI-compatible completion
// endpoint. The default configuration points at Gemini's compatibility
// layer, but any endpoint speaking the same protocol works.
type AI struct {
	client AIClient
	config *AIConfig
	logger *slog.Logger

	// requestLimiter smooths outbound request rate across all users.
	// Nil when AIConfig.MaxRequestsPerSecond is zero.
	requestLimiter *rate.Limiter
}

func newAI(b *AIBot, httpClient *http.Client) *AI {
	config := b.config.AI
	a := &AI{config: config}
	a.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "ai")

	if config.MaxRequestsPerSecond > 0 {
		a.requestLimiter = rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		)
	}

	clientCfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	a.client = openai.NewClientWithConfig(clientCfg)

	return a
}

// Generate requests a completion for prompt on behalf of displayName,
// returning the trimmed completion text. Errors are always returned as
// *BackendError.
func (a *AI) Generate(
	ctx context.Context,
	displayName string,
	prompt string,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = a.logger
	}

	if a.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
	}

	if err := a.waitOnRequestLimiter(ctx); err != nil {
		return "", classifyBackendError(err)
	}

	started := time.Now()
	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: a.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: aiSystemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf(aiUserMessageFormat, displayName, prompt),
				},
			},
		},
	)
	if err != nil {
		backendErr := classifyBackendError(err)
		logger.ErrorContext(
			ctx,
			"completion request failed",
			tint.Err(backendErr),
			"model", a.config.Model,
			"duration", time.Since(started),
		)
		return "", backendErr
	}

	text := completionText(resp)
	if text == "" {
		backendErr := &BackendError{
			Kind: BackendErrorMalformed,
			Err:  errors.New("completion contained no text"),
		}
		logger.ErrorContext(
			ctx,
			"empty completion",
			tint.Err(backendErr),
			"model", a.config.Model,
			"choices", len(resp.Choices),
		)
		return "", backendErr
	}

	logger.InfoContext(
		ctx,
		"completion received",
		"model", a.config.Model,
		"duration", time.Since(started),
		"response_length", len(text),
	)
	return text, nil
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (a *AI) waitOnRequestLimiter(ctx context.Context) error {
	if a.requestLimiter == nil {
		return nil
	}
	return a.requestLimiter.Wait(ctx)
}

// completionText returns the first non-empty choice, trimmed of
// surrounding whitespace.
func completionText(resp openai.ChatCompletionResponse) string {
	for _, choice := range resp.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text
		}
	}
	return ""
}

// classifyBackendError wraps err in a *BackendError, picking the kind
// from the underlying cause. Errors that are already a *BackendError
// pass through unchanged.
func classifyBackendError(err error) *BackendError {
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		return backendErr
	}

	kind := BackendErrorUnknown

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		kind = BackendErrorTimeout
	case errors.As(err, &apiErr):
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			kind = BackendErrorQuotaExceeded
		}
	case errors.As(err, &reqErr):
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			kind = BackendErrorQuotaExceeded
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = BackendErrorTimeout
	}

	return &BackendError{Kind: kind, Err: err}
}
