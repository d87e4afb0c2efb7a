// Package ollama talks to the local model server that embeds chunk texts,
// extracts graph entities from provisions and scores rerank candidates.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/lexrag/internal/faults"
)

const (
	pingTimeout  = 2 * time.Second
	listTimeout  = 10 * time.Second
	// errBodyLimit bounds how much of a failed response is drained.
	errBodyLimit = 4096
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema constrains a chat answer to JSON, as used for entity extraction.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty is one field of a Schema. Arrays describe their elements
// with Items; nested objects use Properties.
type SchemaProperty struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
	Required    []string                  `json:"required,omitempty"`
}

// Client is a model server connection. Failures carry a faults kind so the
// ingest retry policy can tell an overloaded server (connection errors, 429,
// 5xx) from a request it will never accept.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for the server at baseURL. Requests have no client
// timeout: embedding a large act or extracting a long chapter can take
// minutes, so callers bound them with their context.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning reports whether the model server answers its model listing.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	var tags tagsResponse
	return c.call(ctx, "ollama.tags", http.MethodGet, "/api/tags", nil, &tags) == nil
}

// ListModels returns the names of the installed models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	var tags tagsResponse
	if err := c.call(ctx, "ollama.tags", http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("listing installed models: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is installed. A configured "bge-m3" matches
// the installed "bge-m3:latest".
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel installs a missing model before the first ingest. onProgress, if
// set, sees every progress line.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.send(ctx, "ollama.pull", http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("installing model %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading install progress of %s: %w", name, err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   any            `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Chat returns the model's answer. With a schema the answer is JSON matching
// it and sampling is deterministic, so re-extracting a chunk yields the same
// entities.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{Model: model, Messages: messages}
	if jsonSchema != nil {
		cr.Format = jsonSchema
		cr.Options = map[string]any{"temperature": 0}
	}

	var result chatResponse
	if err := c.call(ctx, "ollama.chat", http.MethodPost, "/api/chat", cr, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector of a single text, such as a query.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds chunk texts in one request. Vectors are returned in the
// order of texts.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result embedResponse
	if err := c.call(ctx, "ollama.embed", http.MethodPost, "/api/embed", embedRequest{Model: model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, faults.Permanent("ollama.embed", fmt.Errorf("model %s returned %d vectors for %d texts", model, len(result.Embeddings), len(texts)))
	}
	return result.Embeddings, nil
}

// call sends in as JSON (nil for no body) and decodes the answer into out.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	resp, err := c.send(ctx, op, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Transient(op, fmt.Errorf("malformed answer from %s: %w", path, err))
	}
	return nil
}

// send performs the request and returns the response only on 200. The caller
// closes the body.
func (c *Client) send(ctx context.Context, op, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Transient(op, fmt.Errorf("model server at %s unreachable: %w", c.baseURL, err))
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, errBodyLimit))
		resp.Body.Close()
		return nil, faults.FromHTTPStatus(op, resp.StatusCode)
	}
	return resp, nil
}
