// Package client talks to the calmkit API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calmkit/internal/passphrase"
)

// APIError is a non-2xx response or a body with success=false.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Msg)
}

// ErrNoToken is returned by authenticated calls made before login.
var ErrNoToken = errors.New("not logged in")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token sent as x-auth-token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Token() string {
	return c.token
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Register creates an account and keeps the returned session token.
func (c *Client) Register(ctx context.Context, username, email, password string) (User, error) {
	var out authResponse
	err := c.do(ctx, http.MethodPost, "/auth/register", false, map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return User{}, err
	}
	c.token = out.Token
	return out.User, nil
}

// Login authenticates and keeps the returned session token.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var out authResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", false, map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return User{}, err
	}
	c.token = out.Token
	return out.User, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", true, nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// UpdatePassphrase submits a new passcode and the installation salt. A nil
// error means the server accepted the change and started its job.
func (c *Client) UpdatePassphrase(ctx context.Context, passcode, clientSalt string) error {
	return c.do(ctx, http.MethodPut, "/passphrase", true, map[string]string{
		"passcode":   passcode,
		"clientSalt": clientSalt,
	}, nil)
}

// PassphraseStatus returns the latest job, or nil when none exists.
func (c *Client) PassphraseStatus(ctx context.Context) (*passphrase.Job, error) {
	var out struct {
		Job *passphrase.Job `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/passphrase/status", true, nil, &out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

type Log struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	KeyID      string          `json:"keyId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// CreateLog stores an entry sealed by the caller.
func (c *Client) CreateLog(ctx context.Context, ciphertext, keyID string) (Log, error) {
	var out struct {
		Log Log `json:"log"`
	}
	err := c.do(ctx, http.MethodPost, "/logs", true, map[string]string{
		"ciphertext": ciphertext,
		"keyId":      keyID,
	}, &out)
	return out.Log, err
}

func (c *Client) ListLogs(ctx context.Context) ([]Log, error) {
	var out struct {
		Logs []Log `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/logs", true, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

func (c *Client) DeleteLog(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/logs/"+url.PathEscape(id), true, nil, nil)
}

type envelope struct {
	Success *bool  `json:"success"`
	Code    string `json:"code"`
	Msg     string `json:"msg"`
}

func (c *Client) do(ctx context.Context, method, path string, authed bool, body, out any) error {
	if authed && c.token == "" {
		return ErrNoToken
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("x-auth-token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 300 {
				return &APIError{Status: resp.StatusCode}
			}
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || (env.Success != nil && !*env.Success) {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
