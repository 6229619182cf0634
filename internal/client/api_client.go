package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agora-sync/internal/domain"
)

// Remote is the slice of the Session Resource API the client side needs.
type Remote interface {
	Teams(ctx context.Context, sessionID string) ([]domain.Team, error)
	Students(ctx context.Context, sessionID string) ([]domain.Student, error)
	Questions(ctx context.Context, sessionID string) ([]domain.Question, error)
	Answers(ctx context.Context, sessionID string) ([]domain.Answer, error)
	Settings(ctx context.Context, sessionID string) (domain.Settings, error)
	PushSession(ctx context.Context, data domain.SessionData, parts Parts) error
	PushStudents(ctx context.Context, sessionID string, students []domain.Student) error
	SubmitAnswer(ctx context.Context, sessionID string, sub domain.AnswerSubmission) (domain.Answer, error)
	Heartbeat(ctx context.Context, sessionID, studentID string) error
	Reset(ctx context.Context, sessionID string, opts ResetOptions) (string, error)
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.Code, e.Message)
}

// APIClient talks to the REST resources served by transport/http.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string, hc *http.Client) *APIClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *APIClient) BaseURL() string {
	return c.baseURL
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func resource(name, sessionID string, rest ...string) string {
	parts := append([]string{"/api", name, url.PathEscape(sessionID)}, rest...)
	return strings.Join(parts, "/")
}

func (c *APIClient) Teams(ctx context.Context, sessionID string) ([]domain.Team, error) {
	var out struct {
		Teams []domain.Team `json:"teams"`
	}
	err := c.do(ctx, http.MethodGet, resource("teams", sessionID), nil, &out)
	return out.Teams, err
}

func (c *APIClient) Students(ctx context.Context, sessionID string) ([]domain.Student, error) {
	var out struct {
		Students []domain.Student `json:"students"`
	}
	err := c.do(ctx, http.MethodGet, resource("students", sessionID), nil, &out)
	return out.Students, err
}

func (c *APIClient) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	var out struct {
		Questions []domain.Question `json:"questions"`
	}
	err := c.do(ctx, http.MethodGet, resource("questions", sessionID), nil, &out)
	return out.Questions, err
}

func (c *APIClient) Answers(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	var out struct {
		Answers []domain.Answer `json:"answers"`
	}
	err := c.do(ctx, http.MethodGet, resource("answers", sessionID), nil, &out)
	return out.Answers, err
}

func (c *APIClient) Settings(ctx context.Context, sessionID string) (domain.Settings, error) {
	var out domain.Settings
	err := c.do(ctx, http.MethodGet, resource("settings", sessionID), nil, &out)
	return out, err
}

// PushSession sends the named parts of the aggregate in one request. Parts
// left out of the body are not touched by the server.
func (c *APIClient) PushSession(ctx context.Context, data domain.SessionData, parts Parts) error {
	body := map[string]any{}
	if parts.Has(PartTeams) {
		body["teams"] = nonNil(data.Teams)
	}
	if parts.Has(PartStudents) {
		body["students"] = nonNil(data.Students)
	}
	if parts.Has(PartQuestions) {
		body["questions"] = nonNil(data.Questions)
	}
	if parts.Has(PartSettings) {
		body["settings"] = data.Settings
	}
	return c.do(ctx, http.MethodPost, resource("session", data.ID), body, nil)
}

func (c *APIClient) PushStudents(ctx context.Context, sessionID string, students []domain.Student) error {
	body := map[string]any{"students": nonNil(students)}
	return c.do(ctx, http.MethodPost, resource("students", sessionID), body, nil)
}

func (c *APIClient) SubmitAnswer(ctx context.Context, sessionID string, sub domain.AnswerSubmission) (domain.Answer, error) {
	var out struct {
		Answer domain.Answer `json:"answer"`
	}
	err := c.do(ctx, http.MethodPost, resource("answers", sessionID), sub, &out)
	return out.Answer, err
}

func (c *APIClient) Heartbeat(ctx context.Context, sessionID, studentID string) error {
	return c.do(ctx, http.MethodPost, resource("students", sessionID, url.PathEscape(studentID), "heartbeat"), nil, nil)
}

// Reset clears the session server-side and returns the replacement id, if
// one was issued.
func (c *APIClient) Reset(ctx context.Context, sessionID string, opts ResetOptions) (string, error) {
	var out struct {
		NewSessionID string `json:"newSessionId"`
	}
	err := c.do(ctx, http.MethodPost, resource("session", sessionID, "reset"), opts, &out)
	return out.NewSessionID, err
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
