// Package generate talks to an Ollama-compatible text generation backend.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultHost is used when no backend host is configured.
const DefaultHost = "http://localhost:11434"

const generatePath = "/api/generate"

var ErrEmptyModel = errors.New("model name is empty")

// Backend produces free text for a prompt using the named model.
type Backend interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Options configures a Client.
type Options struct {
	Host    string
	Timeout time.Duration
}

// Client is a Backend speaking the /api/generate streaming protocol.
type Client struct {
	host   string
	client *http.Client
}

// NewClient creates a Client. A zero Timeout leaves requests unbounded.
func NewClient(opts Options) *Client {
	return &Client{
		host:   normalizeHost(opts.Host),
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Host returns the base URL requests are sent to.
func (c *Client) Host() string {
	return c.host
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// generateChunk is one line of the streamed response.
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Generate sends prompt to model and returns the concatenated response
// fields in arrival order.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		return "", ErrEmptyModel
	}

	bodyBytes, err := json.Marshal(generateRequest{Model: model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+generatePath, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr generateChunk
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return "", fmt.Errorf("backend error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return "", fmt.Errorf("backend error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var sb strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk generateChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("decoding response: %w", err)
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("backend error: %s", chunk.Error)
		}
		sb.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}

	return sb.String(), nil
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}
