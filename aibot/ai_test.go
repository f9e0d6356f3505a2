package aibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAIClient implements AIClient with canned responses.
type mockAIClient struct {
	response openai.ChatCompletionResponse
	err      error

	// delay simulates a slow backend. The call aborts early with the
	// context error if the context ends first.
	delay time.Duration

	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
}

func (m *mockAIClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, request)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		}
	}
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return m.response, nil
}

func (m *mockAIClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockAIClient) lastRequest(t testing.TB) openai.ChatCompletionRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

func chatCompletionResponse(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
	}
}

func newTestAI(t testing.TB, client AIClient) *AI {
	t.Helper()
	cfg := DefaultConfig()
	return &AI{
		client: client,
		config: cfg.AI,
		logger: slog.Default(),
	}
}

func TestAIGenerate(t *testing.T) {
	t.Parallel()
	client := &mockAIClient{
		response: chatCompletionResponse("  Hello from the model!  "),
	}
	ai := newTestAI(t, client)

	text, err := ai.Generate(context.Background(), "somebody", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "Hello from the model!", text)
	assert.Equal(t, 1, client.callCount())

	req := client.lastRequest(t)
	assert.Equal(t, DefaultAIModel, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, aiSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, "somebody says: hi there", req.Messages[1].Content)
}

func TestAIGenerateEmptyCompletion(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		response openai.ChatCompletionResponse
	}{
		{
			name:     "no choices",
			response: openai.ChatCompletionResponse{},
		},
		{
			name:     "whitespace only",
			response: chatCompletionResponse("   \n\t  "),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ai := newTestAI(t, &mockAIClient{response: tc.response})

			_, err := ai.Generate(context.Background(), "somebody", "hi")
			require.Error(t, err)

			var backendErr *BackendError
			require.ErrorAs(t, err, &backendErr)
			assert.Equal(t, BackendErrorMalformed, backendErr.Kind)
		})
	}
}

func TestAIGenerateBackendFailure(t *testing.T) {
	t.Parallel()
	client := &mockAIClient{
		err: &openai.APIError{
			HTTPStatusCode: 429,
			Message:        "quota exceeded",
		},
	}
	ai := newTestAI(t, client)

	_, err := ai.Generate(context.Background(), "somebody", "hi")
	require.Error(t, err)

	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, BackendErrorQuotaExceeded, backendErr.Kind)
}

func TestAIGenerateDeadline(t *testing.T) {
	t.Parallel()
	client := &mockAIClient{
		response: chatCompletionResponse("too late"),
		delay:    time.Minute,
	}
	ai := newTestAI(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ai.Generate(ctx, "somebody", "hi")
	require.Error(t, err)

	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, BackendErrorTimeout, backendErr.Kind)
}

func TestCompletionText(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		response openai.ChatCompletionResponse
		expected string
	}{
		{
			name:     "no choices",
			response: openai.ChatCompletionResponse{},
			expected: "",
		},
		{
			name:     "single choice trimmed",
			response: chatCompletionResponse("\n  hi there \n"),
			expected: "hi there",
		},
		{
			name: "skips empty choices",
			response: openai.ChatCompletionResponse{
				Choices: []openai.ChatCompletionChoice{
					{Message: openai.ChatCompletionMessage{Content: "  "}},
					{Message: openai.ChatCompletionMessage{Content: "second"}},
				},
			},
			expected: "second",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, completionText(tc.response))
		})
	}
}

func TestClassifyBackendError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected BackendErrorKind
	}{
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			expected: BackendErrorTimeout,
		},
		{
			name:     "wrapped deadline",
			err:      fmt.Errorf("request failed: %w", context.DeadlineExceeded),
			expected: BackendErrorTimeout,
		},
		{
			name:     "cancelled",
			err:      context.Canceled,
			expected: BackendErrorTimeout,
		},
		{
			name:     "api 429",
			err:      &openai.APIError{HTTPStatusCode: 429},
			expected: BackendErrorQuotaExceeded,
		},
		{
			name:     "api 500",
			err:      &openai.APIError{HTTPStatusCode: 500},
			expected: BackendErrorUnknown,
		},
		{
			name: "request error 429",
			err: &openai.RequestError{
				HTTPStatusCode: 429,
				Err:            errors.New("too many requests"),
			},
			expected: BackendErrorQuotaExceeded,
		},
		{
			name:     "unrecognized",
			err:      errors.New("socket closed"),
			expected: BackendErrorUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			backendErr := classifyBackendError(tc.err)
			require.NotNil(t, backendErr)
			assert.Equal(t, tc.expected, backendErr.Kind)
			assert.ErrorIs(t, backendErr, tc.err)
		})
	}
}

func TestClassifyBackendErrorPassthrough(t *testing.T) {
	t.Parallel()
	original := &BackendError{
		Kind: BackendErrorMalformed,
		Err:  errors.New("no text"),
	}
	assert.Same(t, original, classifyBackendError(original))

	wrapped := fmt.Errorf("generate: %w", original)
	assert.Same(t, original, classifyBackendError(wrapped))
}
