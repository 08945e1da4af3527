// Package storage uploads files to a content-addressed gateway speaking the
// IPFS HTTP add API.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrEmptyName = errors.New("file name is required")

// Adder stores content and returns its content path.
type Adder interface {
	Add(ctx context.Context, name string, r io.Reader) (string, error)
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type Gateway struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

type Option func(*Gateway)

func WithHTTPClient(h *http.Client) Option {
	return func(g *Gateway) {
		if h != nil {
			g.http = h
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func NewGateway(baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add streams r as a multipart upload and returns "/ipfs/<cid>".
func (g *Gateway) Add(ctx context.Context, name string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/v0/add?pin=true", pr)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload %s: gateway returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode add response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("upload %s: gateway returned no hash", name)
	}

	path := "/ipfs/" + out.Hash
	g.logger.Info().Str("name", name).Str("path", path).Str("size", out.Size).Msg("content added")
	return path, nil
}
