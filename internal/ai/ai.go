// Package ai defines the text-generation collaborator used by /ask and an
// Ollama-compatible HTTP client for it.
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/netutil"
)

// ErrUnavailable is returned when no backend is configured.
var ErrUnavailable = errors.New("ai backend unavailable")

// Backend generates text. system is optional background for the prompt.
type Backend interface {
	Generate(ctx context.Context, prompt, system string) (string, error)
	// GenerateStream calls onChunk for each piece of text as it arrives and
	// returns the full text. An error from onChunk aborts the stream.
	GenerateStream(ctx context.Context, prompt, system string, onChunk func(string) error) (string, error)
}

// Disabled is the Backend used when no URL is configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

func (Disabled) GenerateStream(context.Context, string, string, func(string) error) (string, error) {
	return "", ErrUnavailable
}

// OllamaClient talks to an Ollama-style /api/generate endpoint.
type OllamaClient struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	Client  *http.Client
}

// NewOllamaClient builds a client. A zero timeout means the caller's
// context alone bounds requests.
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate implements Backend.
func (c *OllamaClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	return c.GenerateStream(ctx, prompt, system, nil)
}

// GenerateStream implements Backend. With a nil onChunk the request is sent
// non-streaming.
func (c *OllamaClient) GenerateStream(ctx context.Context, prompt, system string, onChunk func(string) error) (string, error) {
	if c.Timeout > 0 {
		var cancel func()
		ctx, cancel = withTimeout(ctx, c.Timeout)
		defer cancel()
	}
	payload, err := json.Marshal(generateRequest{Model: c.Model, Prompt: prompt, System: system, Stream: onChunk != nil})
	if err != nil {
		return "", err
	}
	url := c.BaseURL + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &netutil.NonRetryableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &netutil.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	var full strings.Builder
	sc := bufio.NewScanner(io.LimitReader(resp.Body, netutil.DefaultMaxBodyBytes))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return full.String(), fmt.Errorf("ai: decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("ai: backend error: %s", chunk.Error)
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onChunk != nil {
				if err := onChunk(chunk.Response); err != nil {
					return full.String(), err
				}
			}
		}
		if chunk.Done {
			return full.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), fmt.Errorf("ai: read stream: %w", err)
	}
	return full.String(), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
