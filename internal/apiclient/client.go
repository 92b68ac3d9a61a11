// Package apiclient is the coordinator's HTTP client, shared by the upload
// engine, the status tracker, and the CLI.
package apiclient

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

	"classreel-media/internal/media"
	"classreel-media/internal/models"
)

// Client talks to the coordinator API with a creator bearer token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// CreateSessionRequest mirrors the coordinator's session creation payload.
type CreateSessionRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Session describes a created upload session.
type Session struct {
	SessionID  string `json:"sessionId"`
	Strategy   string `json:"strategy"`
	PartSize   int64  `json:"partSize"`
	PartCount  int    `json:"partCount"`
	StorageKey string `json:"storageKey"`
	UploadURL  string `json:"uploadUrl,omitempty"`
}

// Part is a stored part as the coordinator reports it.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	SizeBytes  int64  `json:"sizeBytes"`
}

// CompletedPart names one finished part in a complete request.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Asset is the coordinator's media asset view.
type Asset struct {
	ID                 string             `json:"id"`
	LessonID           string             `json:"lessonId"`
	Status             string             `json:"status"`
	Filename           string             `json:"filename,omitempty"`
	SizeBytes          int64              `json:"sizeBytes,omitempty"`
	ProcessingProgress int                `json:"processingProgress"`
	ProcessingError    string             `json:"processingError,omitempty"`
	Renditions         []models.Rendition `json:"renditions,omitempty"`
	ThumbnailURL       string             `json:"thumbnailUrl,omitempty"`
	DurationSeconds    int                `json:"durationSeconds,omitempty"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, lessonID string, req CreateSessionRequest) (Session, error) {
	var session Session
	path := fmt.Sprintf("/api/lessons/%s/upload/sessions", url.PathEscape(lessonID))
	if err := c.do(ctx, http.MethodPost, path, req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (c *Client) SignPart(ctx context.Context, lessonID, sessionID string, partNumber int) (string, error) {
	var response struct {
		PartNumber int    `json:"partNumber"`
		URL        string `json:"url"`
	}
	path := fmt.Sprintf("/api/lessons/%s/upload/sessions/%s/parts/%d/sign",
		url.PathEscape(lessonID), url.PathEscape(sessionID), partNumber)
	if err := c.do(ctx, http.MethodPost, path, nil, &response); err != nil {
		return "", err
	}
	return response.URL, nil
}

func (c *Client) ListParts(ctx context.Context, lessonID, sessionID string) ([]Part, error) {
	var response struct {
		Parts []Part `json:"parts"`
	}
	path := fmt.Sprintf("/api/lessons/%s/upload/sessions/%s/parts",
		url.PathEscape(lessonID), url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Parts, nil
}

func (c *Client) Complete(ctx context.Context, lessonID, sessionID string, parts []CompletedPart) (Asset, error) {
	var asset Asset
	payload := map[string]any{"parts": parts}
	path := fmt.Sprintf("/api/lessons/%s/upload/sessions/%s/complete",
		url.PathEscape(lessonID), url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, payload, &asset); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (c *Client) Abort(ctx context.Context, lessonID, sessionID string) error {
	path := fmt.Sprintf("/api/lessons/%s/upload/sessions/%s/abort",
		url.PathEscape(lessonID), url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, map[string]any{}, nil)
}

func (c *Client) Status(ctx context.Context, lessonID string) (Asset, error) {
	var asset Asset
	path := fmt.Sprintf("/api/lessons/%s/media/status", url.PathEscape(lessonID))
	if err := c.do(ctx, http.MethodGet, path, nil, &asset); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return media.WrapError(media.KindTransientTransport, "coordinator unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	message := apiErrorMessage(resp.Body)
	return media.NewError(kindForStatus(resp.StatusCode), "%s %s: %s", method, path, message)
}

func apiErrorMessage(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err == nil && json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		return trimmed
	}
	return "request failed"
}

func kindForStatus(status int) media.Kind {
	switch {
	case status == http.StatusBadRequest:
		return media.KindValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return media.KindAuthorization
	case status == http.StatusNotFound:
		return media.KindNotFound
	case status == http.StatusConflict:
		return media.KindStateConflict
	case status == http.StatusBadGateway:
		return media.KindBackendRejected
	case status >= 500:
		return media.KindTransientTransport
	default:
		return media.KindValidation
	}
}
