// Package ollama converts SQL with a model served by an Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/getpup/migration-orchestrator"
	"github.com/getpup/migration-orchestrator/stage"
	"github.com/getpup/pupsourcing/es"
)

// Config configures a Client.
type Config struct {
	// URL is the Ollama server (default: http://localhost:11434).
	URL string

	// Model is the model to generate with (required).
	Model string

	// Timeout bounds one generation (default: 2m).
	Timeout time.Duration

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	// Logger is optional.
	Logger es.Logger
}

// Client implements stage.Converter against the Ollama generate API.
type Client struct {
	config Config
	http   *http.Client
}

// New creates a Client, applying defaults.
func New(config Config) *Client {
	if config.URL == "" {
		config.URL = "http://localhost:11434"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, http: httpClient}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Convert implements stage.Converter. Server errors and unreachable servers are
// retryable; a rejected request, such as an unknown model, is terminal.
func (c *Client) Convert(ctx context.Context, in stage.ConversionInput) (string, error) {
	prompt, err := Prompt(in)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(generateRequest{Model: c.config.Model, Prompt: prompt})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.URL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", orchestrator.Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read ollama response: %w", err)
	}

	var out generateResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		detail := out.Error
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		err := fmt.Errorf("ollama returned %d: %s", resp.StatusCode, detail)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", orchestrator.Terminal(err)
		}
		return "", err
	}

	converted := StripFences(out.Response)
	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "ollama conversion finished", "model", c.config.Model,
			"correction", in.IsCorrection(), "duration", time.Since(start).String())
	}
	return converted, nil
}

var fence = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n(.*?)```")

// StripFences returns the contents of the first markdown code fence, or the
// trimmed text when there is none.
func StripFences(text string) string {
	if m := fence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
