// Package auth is the email/password identity provider. Its users are
// independent of wallet accounts.
package auth

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidToken           = errors.New("invalid or expired token")
	ErrInvalidEmail           = errors.New("invalid email format")
	ErrWeakPassword           = errors.New("password must be at least 8 characters")
)

const (
	DefaultTokenTTL = 24 * time.Hour
	minPasswordLen  = 8
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Token struct {
	Value     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type account struct {
	user User
	hash string
}

// Hasher wraps bcrypt with a cost clamped to the valid range.
type Hasher struct {
	Cost int
}

func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *Hasher) Compare(hash string, password []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), password)
}

// Provider keeps users and tokens in memory.
type Provider struct {
	hasher   *Hasher
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	accounts map[string]*account
	tokens   map[string]Token
	mu       sync.Mutex
}

type Option func(*Provider)

func WithTokenTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func NewProvider(hasher *Hasher, opts ...Option) *Provider {
	if hasher == nil {
		hasher = NewHasher(0)
	}
	p := &Provider{
		hasher:   hasher,
		ttl:      DefaultTokenTTL,
		now:      time.Now,
		logger:   zerolog.Nop(),
		accounts: make(map[string]*account),
		tokens:   make(map[string]Token),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *Provider) Register(ctx context.Context, email, password string) (User, error) {
	email = normalizeEmail(email)
	if !emailPattern.MatchString(email) {
		return User{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return User{}, ErrWeakPassword
	}

	p.mu.Lock()
	_, exists := p.accounts[email]
	p.mu.Unlock()
	if exists {
		return User{}, ErrEmailAlreadyRegistered
	}

	// Hash outside the lock; bcrypt is slow.
	hash, err := p.hasher.Hash([]byte(password))
	if err != nil {
		return User{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[email]; exists {
		return User{}, ErrEmailAlreadyRegistered
	}
	u := User{ID: uuid.New().String(), Email: email, CreatedAt: p.now()}
	p.accounts[email] = &account{user: u, hash: hash}
	p.logger.Info().Str("user_id", u.ID).Msg("user registered")
	return u, nil
}

// Login checks the password and issues a fresh token.
func (p *Provider) Login(ctx context.Context, email, password string) (Token, error) {
	email = normalizeEmail(email)

	p.mu.Lock()
	acc, ok := p.accounts[email]
	p.mu.Unlock()
	if !ok {
		return Token{}, ErrInvalidCredentials
	}
	if err := p.hasher.Compare(acc.hash, []byte(password)); err != nil {
		p.logger.Debug().Str("user_id", acc.user.ID).Msg("login rejected")
		return Token{}, ErrInvalidCredentials
	}

	tok := Token{
		Value:     uuid.New().String(),
		UserID:    acc.user.ID,
		ExpiresAt: p.now().Add(p.ttl),
	}
	p.mu.Lock()
	p.tokens[tok.Value] = tok
	p.mu.Unlock()
	p.logger.Info().Str("user_id", acc.user.ID).Msg("user logged in")
	return tok, nil
}

// Logout revokes token. Unknown tokens are ignored.
func (p *Provider) Logout(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, token)
	return nil
}

// Verify resolves a live token to its user.
func (p *Provider) Verify(ctx context.Context, token string) (User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.tokens[token]
	if !ok {
		return User{}, ErrInvalidToken
	}
	if !p.now().Before(tok.ExpiresAt) {
		delete(p.tokens, token)
		return User{}, ErrInvalidToken
	}
	for _, acc := range p.accounts {
		if acc.user.ID == tok.UserID {
			return acc.user, nil
		}
	}
	return User{}, ErrInvalidToken
}
