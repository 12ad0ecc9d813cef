package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// envelope is the body of every API response.
type envelope struct {
	Status           string          `json:"status"`
	Data             json.RawMessage `json:"data"`
	Message          string          `json:"message"`
	ValidationErrors []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"validationErrors"`
}

// APIError is a non-2xx response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// do sends body as JSON (when non-nil), checks the envelope and decodes its
// data into out (when non-nil). It returns the envelope's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (string, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return "", &APIError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := env.Message
		for _, ve := range env.ValidationErrors {
			msg += fmt.Sprintf("; %s: %s", ve.Field, ve.Message)
		}
		return "", &APIError{Code: resp.StatusCode, Message: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("decode data: %w", err)
		}
	}
	return env.Message, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, out)
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out any) (string, error) {
	if body == nil {
		body = struct{}{}
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}
