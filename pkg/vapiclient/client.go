/**
 * @description
 * This package provides a client for the Vapi voice-assistant provider API.
 * It covers the four provisioning operations the add-on lifecycle needs:
 * creating and deleting an assistant and creating and deleting the phone
 * number binding that routes a DID to it.
 *
 * @notes
 * - Requests carry a 30 second timeout and are never retried internally;
 *   callers decide whether a failure is fatal.
 * - Deleting a resource the provider no longer has is treated as success.
 */
package vapiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds every provisioning request.
const DefaultTimeout = 30 * time.Second

// APIError is returned when the provider answers with a non-success status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vapi API request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// AssistantConfig is the subset of assistant settings the add-on controls.
type AssistantConfig struct {
	Name               string
	VoiceID            string
	Model              string
	SystemPrompt       string
	FirstMessage       string
	ServerURL          string
	ServerSecret       string
	MaxDurationSeconds int
	Metadata           map[string]string
}

// PhoneBindingConfig binds a pool number to an assistant.
type PhoneBindingConfig struct {
	Number       string
	AssistantID  string
	Name         string
	ServerURL    string
	ServerSecret string
}

type voice struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type model struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type server struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// AssistantPayload is the provider's assistant shape. It is also the body returned
// inline for transient assistants in webhook responses.
type AssistantPayload struct {
	Name               string            `json:"name,omitempty"`
	FirstMessage       string            `json:"firstMessage,omitempty"`
	Voice              *voice            `json:"voice,omitempty"`
	Model              *model            `json:"model,omitempty"`
	Server             *server           `json:"server,omitempty"`
	MaxDurationSeconds int               `json:"maxDurationSeconds,omitempty"`
	EndCallMessage     string            `json:"endCallMessage,omitempty"`
	EndCallPhrases     []string          `json:"endCallPhrases,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// NewAssistantPayload converts a config into the provider's assistant shape.
func NewAssistantPayload(cfg AssistantConfig) AssistantPayload {
	payload := AssistantPayload{
		Name:               cfg.Name,
		FirstMessage:       cfg.FirstMessage,
		MaxDurationSeconds: cfg.MaxDurationSeconds,
		Metadata:           cfg.Metadata,
	}
	if cfg.VoiceID != "" {
		payload.Voice = &voice{Provider: "playht", VoiceID: cfg.VoiceID}
	}
	if cfg.Model != "" || cfg.SystemPrompt != "" {
		payload.Model = &model{
			Provider: "openai",
			Model:    cfg.Model,
			Messages: []message{{Role: "system", Content: cfg.SystemPrompt}},
		}
	}
	if cfg.ServerURL != "" {
		payload.Server = &server{URL: cfg.ServerURL, Secret: cfg.ServerSecret}
	}
	return payload
}

type phoneNumberPayload struct {
	Provider    string  `json:"provider"`
	Number      string  `json:"number"`
	AssistantID string  `json:"assistantId"`
	Name        string  `json:"name,omitempty"`
	Server      *server `json:"server,omitempty"`
}

type resourceResponse struct {
	ID string `json:"id"`
}

// Client is a client for the Vapi API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Vapi API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// CreateAssistant creates an assistant and returns its provider id.
func (c *Client) CreateAssistant(ctx context.Context, cfg AssistantConfig) (string, error) {
	var resp resourceResponse
	if err := c.do(ctx, http.MethodPost, "/assistant", NewAssistantPayload(cfg), &resp); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create assistant: provider returned empty id")
	}
	return resp.ID, nil
}

// CreatePhoneBinding attaches a number to an assistant and returns the binding id.
func (c *Client) CreatePhoneBinding(ctx context.Context, cfg PhoneBindingConfig) (string, error) {
	payload := phoneNumberPayload{
		Provider:    "byo-phone-number",
		Number:      cfg.Number,
		AssistantID: cfg.AssistantID,
		Name:        cfg.Name,
	}
	if cfg.ServerURL != "" {
		payload.Server = &server{URL: cfg.ServerURL, Secret: cfg.ServerSecret}
	}

	var resp resourceResponse
	if err := c.do(ctx, http.MethodPost, "/phone-number", payload, &resp); err != nil {
		return "", fmt.Errorf("create phone binding: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create phone binding: provider returned empty id")
	}
	return resp.ID, nil
}

// DeleteAssistant removes an assistant. A missing assistant is not an error.
func (c *Client) DeleteAssistant(ctx context.Context, assistantID string) error {
	return c.delete(ctx, "/assistant/"+assistantID)
}

// DeletePhoneBinding removes a phone binding. A missing binding is not an error.
func (c *Client) DeletePhoneBinding(ctx context.Context, bindingID string) error {
	return c.delete(ctx, "/phone-number/"+bindingID)
}

func (c *Client) delete(ctx context.Context, path string) error {
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if IsNotFound(err) {
		log.Printf("level=info component=vapiclient msg=\"resource already deleted\" path=%s", path)
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to vapi: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode successful response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		log.Printf("level=warn component=vapiclient msg=\"failed to read error response body\" status=%d err=%v", resp.StatusCode, err)
	}
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
}
