// Package functions calls the hosted commentary functions over HTTP.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nlaroche/glazebot/pkg/core"
)

const (
	EndpointGenerateCommentary = "generate-commentary"
	EndpointDescribeScene      = "describe-scene"
)

// Client is a hosted-functions HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New creates a client for the functions deployed under baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GenerateCommentary asks the inference function for a persona line.
func (c *Client) GenerateCommentary(ctx context.Context, token string, req *CommentaryRequest) (*CommentaryResponse, error) {
	var out CommentaryResponse
	if err := c.call(ctx, EndpointGenerateCommentary, token, req, &out); err != nil {
		return nil, err
	}
	out.Text = strings.TrimSpace(out.Text)
	return &out, nil
}

// DescribeScene asks the vision function to summarize a frame.
func (c *Client) DescribeScene(ctx context.Context, token string, req *SceneRequest) (*SceneResponse, error) {
	var out SceneResponse
	if err := c.call(ctx, EndpointDescribeScene, token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, endpoint, token string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/functions/v1/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return core.NewAPIError(endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}
