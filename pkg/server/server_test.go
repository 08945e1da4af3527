package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"veilix/pkg/actions"
	"veilix/pkg/activity"
	"veilix/pkg/auth"
	"veilix/pkg/config"
	"veilix/pkg/models"
	"veilix/pkg/session"
	"veilix/pkg/telemetry"
	"veilix/pkg/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	devKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type stubChain struct {
	calls int
}

func (c *stubChain) Submit(ctx context.Context, tr models.Transfer, sess *models.Session) (common.Hash, error) {
	c.calls++
	if sess == nil {
		return common.Hash{}, models.ErrNoSession
	}
	return common.HexToHash("0xabc"), nil
}

type stubGraph struct {
	lastPostID string
}

func (g *stubGraph) CreatePost(ctx context.Context, payload json.RawMessage, sess models.Session) (string, error) {
	return "p-1", nil
}

func (g *stubGraph) CreateComment(ctx context.Context, postID string, payload json.RawMessage, sess models.Session) (string, error) {
	g.lastPostID = postID
	return "c-1", nil
}

func (g *stubGraph) AddLike(ctx context.Context, postID string, sess models.Session) (string, error) {
	g.lastPostID = postID
	return "l-1", nil
}

func (g *stubGraph) SearchPosts(ctx context.Context, query string) ([]json.RawMessage, error) {
	return nil, nil
}

type uploadStore struct{}

func (uploadStore) Add(ctx context.Context, name string, r io.Reader) (string, error) {
	return "/ipfs/Qm" + name, nil
}

type stubPoller struct {
	err error
}

func (p *stubPoller) PollNow(ctx context.Context) error { return p.err }
func (p *stubPoller) LastError() error                  { return p.err }

type harness struct {
	srv    *Server
	merger *telemetry.Merger
	chain  *stubChain
	graph  *stubGraph
	sink   *activity.Sink
	token  string
}

func newHarness(t *testing.T, ext wallet.Extension) harness {
	t.Helper()
	if ext == nil {
		ring, err := wallet.NewKeyRing(config.WalletConfig{
			Name: "dev",
			Keys: []config.KeyConfig{{Name: "alice", PrivateKey: devKey}},
		})
		require.NoError(t, err)
		ext = wallet.NewInjected(ring)
	}

	sink := activity.NewSink()
	sessions := session.NewManager(ext, session.WithActivity(sink))
	merger := telemetry.NewMerger(telemetry.WithActivity(sink))
	chain := &stubChain{}
	graph := &stubGraph{}
	svc := actions.NewService(sessions, chain,
		actions.WithSocial(graph),
		actions.WithStorage(uploadStore{}),
		actions.WithActivity(sink))

	provider := auth.NewProvider(auth.NewHasher(bcrypt.MinCost))
	_, err := provider.Register(context.Background(), "owner@example.com", "password123")
	require.NoError(t, err)
	tok, err := provider.Login(context.Background(), "owner@example.com", "password123")
	require.NoError(t, err)

	srv := NewServer(Deps{
		AppName:  "Veilix",
		Sessions: sessions,
		Merger:   merger,
		Activity: sink,
		Actions:  svc,
		Auth:     provider,
		Poller:   &stubPoller{},
	})
	return harness{srv: srv, merger: merger, chain: chain, graph: graph, sink: sink, token: tok.Value}
}

// do sends a JSON request, with a bearer token when token is non-empty.
func do(t *testing.T, s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHandleStatus(t *testing.T) {
	h := newHarness(t, nil)

	rr := do(t, h.srv, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decode(t, rr)
	assert.Equal(t, "Veilix", resp["app"])
	assert.Nil(t, resp["session"])
	assert.Equal(t, "EMPTY", resp["state"])
	assert.NotContains(t, resp, "snapshot")

	h.merger.OfferSnapshot(models.ChainSnapshot{BlockHeight: 100, Validators: []string{"a", "b"}, Balance: big.NewInt(7)})

	resp = decode(t, do(t, h.srv, http.MethodGet, "/api/status", "", ""))
	assert.Equal(t, "ACTIVE", resp["state"])
	snap := resp["snapshot"].(map[string]interface{})
	assert.Equal(t, float64(100), snap["block_height"])
	assert.Equal(t, "7", snap["balance"])
}

func TestSeriesAndActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.merger.OfferSnapshot(models.ChainSnapshot{BlockHeight: 1, Validators: []string{"a"}})
	h.merger.OfferSnapshot(models.ChainSnapshot{BlockHeight: 1, Validators: []string{"a"}})

	rr := do(t, h.srv, http.MethodGet, "/api/series", "", "")
	var series []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &series))
	require.Len(t, series, 1)
	assert.Equal(t, "poll", series[0]["source"])

	resp := decode(t, do(t, h.srv, http.MethodGet, "/api/activity", "", ""))
	assert.Len(t, resp["events"], 1)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	rr := do(t, h.srv, http.MethodPost, "/api/session", "", h.token)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode(t, rr)
	assert.True(t, strings.EqualFold(devAddress, resp["account_id"].(string)))
	assert.Equal(t, "alice", resp["display_name"])

	status := decode(t, do(t, h.srv, http.MethodGet, "/api/status", "", ""))
	assert.NotNil(t, status["session"])

	rr = do(t, h.srv, http.MethodDelete, "/api/session", "", h.token)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h.srv, http.MethodDelete, "/api/session", "", h.token)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	status = decode(t, do(t, h.srv, http.MethodGet, "/api/status", "", ""))
	assert.Nil(t, status["session"])
}

func TestSignIn_NoExtension(t *testing.T) {
	h := newHarness(t, wallet.NewInjected())
	rr := do(t, h.srv, http.MethodPost, "/api/session", "", h.token)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, decode(t, rr)["error"], "extension")
}

func TestTransfer(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"to":"0x00000000000000000000000000000000000000B2","value":"1000"}`

	rr := do(t, h.srv, http.MethodPost, "/api/transfer", body, h.token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 0, h.chain.calls)

	do(t, h.srv, http.MethodPost, "/api/session", "", h.token)
	rr = do(t, h.srv, http.MethodPost, "/api/transfer", body, h.token)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, common.HexToHash("0xabc").Hex(), decode(t, rr)["hash"])

	rr = do(t, h.srv, http.MethodPost, "/api/transfer", `{"to":"0x1","value":"ten"}`, h.token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransfer_InvalidInputIsBadRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.deps.Actions = actions.NewService(h.srv.deps.Sessions.(*session.Manager), invalidChain{})
	do(t, h.srv, http.MethodPost, "/api/session", "", h.token)

	rr := do(t, h.srv, http.MethodPost, "/api/transfer", `{"to":"nope","value":"1"}`, h.token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// invalidChain rejects every transfer the way the chain client rejects bad input.
type invalidChain struct{}

func (invalidChain) Submit(ctx context.Context, tr models.Transfer, sess *models.Session) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("%w: recipient %q is not an address", models.ErrInvalidTransfer, tr.To)
}

func TestCrossSiteRequestsRefused(t *testing.T) {
	h := newHarness(t, nil)
	send := func(method, path, contentType, origin, token string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(`{"to":"0x00000000000000000000000000000000000000B2","value":"1"}`))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		h.srv.mux.ServeHTTP(rr, req)
		return rr.Code
	}

	// A page on another site posting a simple form.
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/session", "text/plain", "https://evil.example", ""))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/transfer", "text/plain", "https://evil.example", ""))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/session", "application/json", "https://evil.example", h.token))

	// Same origin but not JSON.
	assert.Equal(t, http.StatusUnsupportedMediaType, send(http.MethodPost, "/api/session", "text/plain", "http://example.com", h.token))

	// No or unknown token.
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/session", "application/json", "", ""))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/transfer", "application/json", "", "forged"))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/upload", "multipart/form-data; boundary=x", "", ""))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodDelete, "/api/session", "", "", ""))

	_, ok := h.srv.deps.Sessions.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, h.chain.calls)

	// httptest requests target example.com; a matching Origin is accepted.
	assert.Equal(t, http.StatusOK, send(http.MethodPost, "/api/session", "application/json", "http://example.com", h.token))
}

func TestHandleWS_RefusesCrossOrigin(t *testing.T) {
	h := newHarness(t, nil)
	server := httptest.NewServer(h.srv.mux)
	defer server.Close()

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPostRoutes(t *testing.T) {
	h := newHarness(t, nil)
	do(t, h.srv, http.MethodPost, "/api/session", "", h.token)

	rr := do(t, h.srv, http.MethodPost, "/api/posts", `{"title":"hello"}`, h.token)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "p-1", decode(t, rr)["id"])

	rr = do(t, h.srv, http.MethodPost, "/api/posts/p-9/comments", `{"body":"hi"}`, h.token)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "p-9", h.graph.lastPostID)

	rr = do(t, h.srv, http.MethodPost, "/api/posts/p-8/likes", "", h.token)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "p-8", h.graph.lastPostID)

	rr = do(t, h.srv, http.MethodGet, "/api/posts?q=x", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String())
}

func TestUpload(t *testing.T) {
	h := newHarness(t, nil)
	do(t, h.srv, http.MethodPost, "/api/session", "", h.token)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "cat.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("meow"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.token)
	rr := httptest.NewRecorder()
	h.srv.mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "/ipfs/Qmcat.png", decode(t, rr)["path"])
}

func TestAuthRoutes(t *testing.T) {
	h := newHarness(t, nil)
	creds := `{"email":"alice@example.com","password":"password123"}`

	assert.Equal(t, http.StatusCreated, do(t, h.srv, http.MethodPost, "/api/auth/register", creds, "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h.srv, http.MethodPost, "/api/auth/register", creds, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h.srv, http.MethodPost, "/api/auth/register", `{"email":"x","password":"password123"}`, "").Code)

	rr := do(t, h.srv, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h.srv, http.MethodPost, "/api/auth/login", creds, "")
	require.Equal(t, http.StatusOK, rr.Code)
	token := decode(t, rr)["token"].(string)

	assert.Equal(t, http.StatusNoContent, do(t, h.srv, http.MethodPost, "/api/auth/logout", "", token).Code)

	// The token no longer opens the wallet session.
	assert.Equal(t, http.StatusUnauthorized, do(t, h.srv, http.MethodPost, "/api/session", "", token).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h.srv, http.MethodPost, "/api/auth/logout", "", "").Code)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusOK, do(t, h.srv, http.MethodPost, "/api/refresh", "", "").Code)

	h.srv.deps.Poller = &stubPoller{err: &models.ReadError{Op: "header", Err: errors.New("down")}}
	rr := do(t, h.srv, http.MethodPost, "/api/refresh", "", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestHandleWS(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.srv.Listen(ctx)

	server := httptest.NewServer(h.srv.mux)
	defer server.Close()

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	var msg map[string]interface{}
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "initial", msg["type"])

	h.merger.Offer(models.TelemetrySample{Sequence: 42, ValidatorCount: 3, Source: models.SourcePush})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[string]bool{}
	for !seen["sample_accepted"] || !seen["activity"] {
		msg = nil
		require.NoError(t, ws.ReadJSON(&msg))
		seen[msg["type"].(string)] = true
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrNoSession, http.StatusUnauthorized},
		{models.ErrNoAccount, http.StatusForbidden},
		{auth.ErrEmailAlreadyRegistered, http.StatusConflict},
		{&models.SubmissionError{Err: errors.New("rejected")}, http.StatusBadGateway},
		{fmt.Errorf("%w: value must be non-negative", models.ErrInvalidTransfer), http.StatusBadRequest},
		{&models.ReadError{Op: "header", Err: &models.ConnectionError{Endpoint: "x", Attempts: 1, Err: errors.New("refused")}}, http.StatusBadGateway},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
