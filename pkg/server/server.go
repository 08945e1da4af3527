package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"veilix/pkg/actions"
	"veilix/pkg/activity"
	"veilix/pkg/auth"
	"veilix/pkg/models"
	"veilix/pkg/social"
	"veilix/pkg/telemetry"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	maxUploadBytes = 32 << 20
	DefaultHost    = "127.0.0.1"

	jsonType      = "application/json"
	multipartType = "multipart/form-data"
)

// The zero Upgrader refuses cross-origin handshakes.
var upgrader = websocket.Upgrader{}

// Sessions is the session manager surface the API drives.
type Sessions interface {
	Authenticate(ctx context.Context, appName string) (models.Session, error)
	Current() (models.Session, bool)
	Invalidate()
}

// Poller triggers an out-of-band chain read.
type Poller interface {
	PollNow(ctx context.Context) error
	LastError() error
}

type Deps struct {
	AppName  string
	Host     string // listen address, DefaultHost when empty
	Sessions Sessions
	Merger   *telemetry.Merger
	Activity *activity.Sink
	Actions  *actions.Service
	Auth     *auth.Provider
	Poller   Poller
	Logger   zerolog.Logger
}

type Server struct {
	deps    Deps
	logger  zerolog.Logger
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	mux     *http.ServeMux
}

type sessionView struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
	Source      string `json:"source"`
}

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		logger:  deps.Logger,
		clients: make(map[*websocket.Conn]bool),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/series", s.handleSeries)
	s.mux.HandleFunc("GET /api/activity", s.handleActivity)
	s.mux.HandleFunc("GET /api/posts", s.handleSearch)
	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.HandleFunc("POST /api/refresh", s.guard(jsonType, false, s.handleRefresh))
	s.mux.HandleFunc("POST /api/auth/register", s.guard(jsonType, false, s.handleRegister))
	s.mux.HandleFunc("POST /api/auth/login", s.guard(jsonType, false, s.handleLogin))
	s.mux.HandleFunc("POST /api/auth/logout", s.guard(jsonType, false, s.handleLogout))

	// Everything that acts with the wallet session needs a logged-in user.
	s.mux.HandleFunc("POST /api/session", s.guard(jsonType, true, s.handleSignIn))
	s.mux.HandleFunc("DELETE /api/session", s.guard("", true, s.handleSignOut))
	s.mux.HandleFunc("POST /api/transfer", s.guard(jsonType, true, s.handleTransfer))
	s.mux.HandleFunc("POST /api/posts", s.guard(jsonType, true, s.handleCreatePost))
	s.mux.HandleFunc("POST /api/posts/{id}/comments", s.guard(jsonType, true, s.handleComment))
	s.mux.HandleFunc("POST /api/posts/{id}/likes", s.guard(jsonType, true, s.handleLike))
	s.mux.HandleFunc("POST /api/upload", s.guard(multipartType, true, s.handleUpload))
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on Host:port until ctx ends.
func (s *Server) Start(ctx context.Context, port int) error {
	s.Listen(ctx)

	host := s.deps.Host
	if host == "" {
		host = DefaultHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// guard protects a state-changing route. Cross-origin browser requests are
// refused, the body must carry contentType (empty skips the check) and, with
// requireUser, the bearer token must verify against the auth provider.
func (s *Server) guard(contentType string, requireUser bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sameOrigin(r) {
			s.logger.Warn().Str("origin", r.Header.Get("Origin")).Str("path", r.URL.Path).Msg("cross-origin request refused")
			writeJSON(w, http.StatusForbidden, errorBody("cross-origin request refused"))
			return
		}
		if contentType != "" && !hasContentType(r, contentType) {
			writeJSON(w, http.StatusUnsupportedMediaType, errorBody(fmt.Sprintf("Content-Type must be %s", contentType)))
			return
		}
		if requireUser {
			user, err := s.verify(r)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.logger.Debug().Str("user", user.ID).Str("path", r.URL.Path).Msg("request authorized")
		}
		next(w, r)
	}
}

func (s *Server) verify(r *http.Request) (auth.User, error) {
	if s.deps.Auth == nil {
		return auth.User{}, errors.New("authentication provider not configured")
	}
	token, ok := bearerToken(r)
	if !ok {
		return auth.User{}, auth.ErrInvalidToken
	}
	return s.deps.Auth.Verify(r.Context(), token)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// sameOrigin accepts requests without browser origin headers (CLI clients) and
// those whose Origin matches the Host they were sent to.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return r.Header.Get("Sec-Fetch-Site") != "cross-site"
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func hasContentType(r *http.Request, want string) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == want
}

func (s *Server) status() map[string]interface{} {
	data := map[string]interface{}{
		"app":     s.deps.AppName,
		"session": nil,
		"state":   telemetry.StateEmpty.String(),
	}
	if sess, ok := s.deps.Sessions.Current(); ok {
		data["session"] = sessionView{AccountID: sess.AccountID, DisplayName: sess.DisplayName, Source: sess.Source}
	}
	if s.deps.Merger != nil {
		data["state"] = s.deps.Merger.State().String()
		data["push"] = s.deps.Merger.PushStatus()
		if snap, ok := s.deps.Merger.Latest(); ok {
			data["snapshot"] = snapshotView(snap)
		}
	}
	if s.deps.Poller != nil {
		if err := s.deps.Poller.LastError(); err != nil {
			data["poll_error"] = err.Error()
		}
	}
	return data
}

func snapshotView(snap models.ChainSnapshot) map[string]interface{} {
	v := map[string]interface{}{
		"block_height": snap.BlockHeight,
		"validators":   snap.Validators,
		"taken_at":     snap.TakenAt,
	}
	if snap.Balance != nil {
		v["balance"] = snap.Balance.String()
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	var series []models.TelemetrySample
	if s.deps.Merger != nil {
		series = s.deps.Merger.Series()
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":  s.deps.Activity.Events(),
		"notices": s.deps.Activity.Notices(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		s.writeError(w, errors.New("poller not running"))
		return
	}
	if err := s.deps.Poller.PollNow(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Authenticate(r.Context(), s.deps.AppName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{AccountID: sess.AccountID, DisplayName: sess.DisplayName, Source: sess.Source})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	To    string `json:"to"`
	Value string `json:"value"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(req.Value), 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("value must be a base-10 integer in wei"))
		return
	}
	hash, err := s.deps.Actions.Transfer(r.Context(), req.To, value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": hash.Hex()})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	id, err := s.deps.Actions.Post(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	posts, err := s.deps.Actions.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if posts == nil {
		posts = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	id, err := s.deps.Actions.Comment(r.Context(), r.PathValue("id"), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Actions.Like(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("multipart field \"file\" is required"))
		return
	}
	defer func() { _ = f.Close() }()

	path, err := s.deps.Actions.Upload(r.Context(), hdr.Filename, f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	u, err := s.deps.Auth.Register(r.Context(), c.Email, c.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	tok, err := s.deps.Auth.Login(r.Context(), c.Email, c.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("bearer token is required"))
		return
	}
	_ = s.deps.Auth.Logout(r.Context(), token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Register under the lock after the initial write so broadcasts never
	// interleave with it.
	s.mu.Lock()
	err = conn.WriteJSON(wsMessage{Type: "initial", Data: s.status()})
	if err == nil {
		s.clients[conn] = true
	}
	s.mu.Unlock()
	if err != nil {
		return
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Listen subscribes to telemetry and activity and relays them to websocket
// clients until ctx ends. Subscriptions are in place when it returns.
func (s *Server) Listen(ctx context.Context) {
	var events telemetry.Subscriber
	if s.deps.Merger != nil {
		events = s.deps.Merger.Subscribe()
	}
	notices := s.deps.Activity.Subscribe()
	go s.relay(ctx, events, notices)
}

func (s *Server) relay(ctx context.Context, events telemetry.Subscriber, notices activity.Subscriber) {
	defer func() {
		if events != nil {
			s.deps.Merger.Unsubscribe(events)
		}
		s.deps.Activity.Unsubscribe(notices)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(wsMessage{Type: string(ev.Type), Data: ev.Data})
		case n, ok := <-notices:
			if !ok {
				return
			}
			s.broadcast(wsMessage{Type: "activity", Data: n})
		}
	}
}

func (s *Server) broadcast(msg wsMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		if err := client.WriteJSON(msg); err != nil {
			_ = client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	} else {
		s.logger.Debug().Err(err).Msg("request rejected")
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func statusFor(err error) int {
	var submission *models.SubmissionError
	var read *models.ReadError
	var upstream *social.StatusError
	var conn *models.ConnectionError
	switch {
	case errors.Is(err, models.ErrNoSession), errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNoExtension), errors.Is(err, models.ErrNoAccount), errors.Is(err, models.ErrAccountNotFound):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrEmailAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, models.ErrInvalidTransfer):
		return http.StatusBadRequest
	case errors.As(err, &submission), errors.As(err, &read), errors.As(err, &upstream), errors.As(err, &conn):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
