package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/rs/zerolog"
)

// Sampling defaults for configuration generation.
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1000
)

// ErrNoJSON is returned when a completion holds no parsable JSON.
var ErrNoJSON = errors.New("no JSON found in completion")

// InvokeAPI is the subset of the SageMaker runtime client used to call a
// hosted chat model.
type InvokeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Outputs []string `json:"outputs"`
}

// Client calls a chat-completion model behind a SageMaker endpoint.
type Client struct {
	runtime  InvokeAPI
	endpoint string
	logger   zerolog.Logger
}

// NewClient creates a client for endpoint.
func NewClient(runtime InvokeAPI, endpoint string, logger zerolog.Logger) (*Client, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime client is required")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("LLM endpoint name is required")
	}
	return &Client{
		runtime:  runtime,
		endpoint: endpoint,
		logger:   logger.With().Str("component", "llm").Str("endpoint", endpoint).Logger(),
	}, nil
}

// Endpoint returns the model endpoint name.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Complete sends messages and returns the generated text.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(completionRequest{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	out, err := c.runtime.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(c.endpoint),
		ContentType:  aws.String("application/json"),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to invoke %s: %w", c.endpoint, err)
	}

	text := completionText(out.Body)
	c.logger.Debug().Int("chars", len(text)).Msg("Completion received")
	return text, nil
}

// completionText pulls the generated text out of a chat or text-generation
// response. Unknown shapes are returned verbatim.
func completionText(body []byte) string {
	var resp completionResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if len(resp.Choices) > 0 {
			return resp.Choices[0].Message.Content
		}
		if len(resp.Outputs) > 0 {
			return resp.Outputs[0]
		}
	}
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s
	}
	return string(body)
}

// StripFences returns the contents of the first markdown code fence in text,
// preferring a json-tagged fence. Text without a fence is returned trimmed.
func StripFences(text string) string {
	if _, after, ok := strings.Cut(text, "```json"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	if _, after, ok := strings.Cut(text, "```"); ok {
		inner, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(inner)
	}
	return strings.TrimSpace(text)
}

var flatObject = regexp.MustCompile(`(?s)\{[^{}]*\}`)

// DecodeObject decodes a JSON object from a completion into v. When the
// cleaned text is not JSON, the first flat object found in it is tried.
func DecodeObject(text string, v interface{}) error {
	cleaned := StripFences(text)
	if err := json.Unmarshal([]byte(cleaned), v); err == nil {
		return nil
	}
	match := flatObject.FindString(cleaned)
	if match == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(match), v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return nil
}
