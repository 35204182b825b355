package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error is a structured provider failure carrying the provider's own error
// code and message for non-2xx responses
type Error struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is a thin adapter over the messaging provider's HTTP API. It is
// constructed once at startup and injected wherever sends happen.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a provider client
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TemplateComponent is one component block of a template send
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TemplateParameter is one substitution value inside a template component
type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type textPayload struct {
	Body string `json:"body"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   map[string]string   `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type sendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textPayload     `json:"text,omitempty"`
	Template         *templatePayload `json:"template,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// SendText sends a free-form text message and returns the provider message id
func (c *Client) SendText(ctx context.Context, phoneNumberID, to, body string) (string, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &textPayload{Body: body},
	}
	return c.send(ctx, phoneNumberID, req)
}

// SendTemplate sends a template message and returns the provider message id.
// Template sends are permitted outside the conversation window.
func (c *Client) SendTemplate(ctx context.Context, phoneNumberID, to, templateName, language string, components []TemplateComponent) (string, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: &templatePayload{
			Name:       templateName,
			Language:   map[string]string{"code": language},
			Components: components,
		},
	}
	return c.send(ctx, phoneNumberID, req)
}

func (c *Client) send(ctx context.Context, phoneNumberID string, payload sendRequest) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp errorResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&errResp); decErr != nil {
			return "", &Error{StatusCode: resp.StatusCode, Code: "unknown", Message: "unparseable provider error"}
		}
		return "", &Error{
			StatusCode: resp.StatusCode,
			Code:       errResp.Error.Code.String(),
			Message:    errResp.Error.Message,
		}
	}

	var response sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Messages) == 0 || response.Messages[0].ID == "" {
		return "", fmt.Errorf("provider response missing message id")
	}

	return response.Messages[0].ID, nil
}
