// Package social is the HTTP client for the social-graph service. Payloads are
// opaque JSON documents owned by the service.
package social

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

	"veilix/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
)

// Graph is the social-graph collaborator. Every write is attributed to the
// session's account and signed by its capability.
type Graph interface {
	CreatePost(ctx context.Context, payload json.RawMessage, sess models.Session) (string, error)
	CreateComment(ctx context.Context, postID string, payload json.RawMessage, sess models.Session) (string, error)
	AddLike(ctx context.Context, postID string, sess models.Session) (string, error)
	SearchPosts(ctx context.Context, query string) ([]json.RawMessage, error)
}

// Envelope is the signed write body.
type Envelope struct {
	Account   string          `json:"account"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type created struct {
	ID string `json:"id"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("social service returned %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreatePost(ctx context.Context, payload json.RawMessage, sess models.Session) (string, error) {
	return c.write(ctx, "/posts", payload, sess)
}

func (c *Client) CreateComment(ctx context.Context, postID string, payload json.RawMessage, sess models.Session) (string, error) {
	return c.write(ctx, "/posts/"+url.PathEscape(postID)+"/comments", payload, sess)
}

func (c *Client) AddLike(ctx context.Context, postID string, sess models.Session) (string, error) {
	payload, err := json.Marshal(map[string]string{"post_id": postID})
	if err != nil {
		return "", err
	}
	return c.write(ctx, "/posts/"+url.PathEscape(postID)+"/likes", payload, sess)
}

// SearchPosts is an unsigned read.
func (c *Client) SearchPosts(ctx context.Context, query string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/posts?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	var posts []json.RawMessage
	if err := c.do(req, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// Sign builds the envelope for payload. The payload is compacted first so the
// signature covers the bytes exactly as sent.
func Sign(payload json.RawMessage, sess models.Session) (Envelope, error) {
	if sess.Signer == nil {
		return Envelope{}, models.ErrNoSession
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return Envelope{}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	payload = compact.Bytes()
	sig, err := sess.Signer.SignMessage(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("sign payload: %w", err)
	}
	return Envelope{
		Account:   sess.AccountID,
		Payload:   payload,
		Signature: hexutil.Encode(sig),
	}, nil
}

func (c *Client) write(ctx context.Context, path string, payload json.RawMessage, sess models.Session) (string, error) {
	env, err := Sign(payload, sess)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out created
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	c.logger.Debug().Str("path", path).Str("id", out.ID).Str("account", sess.AccountID).Msg("social write accepted")
	return out.ID, nil
}

func (c *Client) do(req *http.Request, into interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
