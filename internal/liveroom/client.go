package liveroom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct an HTTPClient.
type Config struct {
	// BaseURL is the root URL of the Live Room Service, e.g. "http://localhost:8000".
	BaseURL string

	// HTTPClient is optional. If nil, one is built with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration
}

// HTTPClient talks to the Live Room Service over JSON/HTTP.
// All methods are safe for concurrent use.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("liveroom: BaseURL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("liveroom: parse BaseURL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPClient{baseURL: base, client: httpClient}, nil
}

func (c *HTTPClient) CreateRoom(ctx context.Context) (LiveRoom, error) {
	var room LiveRoom
	if err := c.post(ctx, "/live-rooms", nil, &room); err != nil {
		return LiveRoom{}, err
	}
	if room.ID == "" {
		return LiveRoom{}, fmt.Errorf("%w: create room returned no id", ErrInvalidResponse)
	}
	return room, nil
}

func (c *HTTPClient) GenerateToken(ctx context.Context, roomID string) (AccessToken, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return AccessToken{}, err
	}
	var tok AccessToken
	if err := c.post(ctx, roomPath(roomID, "token"), nil, &tok); err != nil {
		return AccessToken{}, err
	}
	if tok.Token == "" || tok.RoomName == "" {
		return AccessToken{}, fmt.Errorf("%w: token response missing token or roomName", ErrInvalidResponse)
	}
	return tok, nil
}

func (c *HTTPClient) DispatchAgent(ctx context.Context, roomID string, req AgentDispatchRequest) (DispatchRecord, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return DispatchRecord{}, err
	}
	var rec DispatchRecord
	if err := c.post(ctx, roomPath(roomID, "dispatch"), req, &rec); err != nil {
		return DispatchRecord{}, err
	}
	if rec.DispatchID == "" {
		return DispatchRecord{}, fmt.Errorf("%w: dispatch response missing dispatchId", ErrInvalidResponse)
	}
	return rec, nil
}

func roomPath(roomID, action string) string {
	return "/live-rooms/" + url.PathEscape(roomID) + "/" + action
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("liveroom: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("liveroom: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("liveroom: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("liveroom: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(resp.StatusCode, body)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrInvalidResponse, err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		apiErr.Code = eb.Code
		apiErr.Detail = strings.TrimSpace(eb.Detail)
	}
	return apiErr
}
