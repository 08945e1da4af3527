package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"veilix/pkg/activity"
	"veilix/pkg/models"
	"veilix/pkg/wallet"

	"github.com/rs/zerolog"
)

// Selector picks the acting account out of the ones a wallet offers.
type Selector func(accounts []wallet.Account) (wallet.Account, error)

// FirstAccount selects the first offered account. It is a placeholder policy until
// the dashboard offers an account picker.
func FirstAccount(accounts []wallet.Account) (wallet.Account, error) {
	if len(accounts) == 0 {
		return wallet.Account{}, models.ErrNoAccount
	}
	return accounts[0], nil
}

// ByAddress selects the account with the given address.
func ByAddress(address string) Selector {
	return func(accounts []wallet.Account) (wallet.Account, error) {
		if len(accounts) == 0 {
			return wallet.Account{}, models.ErrNoAccount
		}
		for _, a := range accounts {
			if strings.EqualFold(a.Address, address) {
				return a, nil
			}
		}
		return wallet.Account{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, address)
	}
}

// Manager owns the single active session.
type Manager struct {
	ext      wallet.Extension
	selector Selector
	activity activity.Recorder
	logger   zerolog.Logger

	current *models.Session
	mu      sync.RWMutex
}

type Option func(*Manager)

func WithSelector(s Selector) Option {
	return func(m *Manager) {
		if s != nil {
			m.selector = s
		}
	}
}

func WithActivity(r activity.Recorder) Option {
	return func(m *Manager) { m.activity = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(ext wallet.Extension, opts ...Option) *Manager {
	m := &Manager{
		ext:      ext,
		selector: FirstAccount,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate runs the wallet handshake under appName and installs a fresh
// session. Any failure leaves the manager without a session.
func (m *Manager) Authenticate(ctx context.Context, appName string) (models.Session, error) {
	sess, err := m.handshake(ctx, appName)

	m.mu.Lock()
	if err != nil {
		m.current = nil
	} else {
		m.current = &sess
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("app", appName).Msg("authentication failed")
		m.record(fmt.Sprintf("Sign-in failed: %v", err))
		return models.Session{}, err
	}
	m.logger.Info().Str("account", sess.AccountID).Str("source", sess.Source).Msg("session established")
	m.record(fmt.Sprintf("Signed in as %s", sess.DisplayName))
	return sess, nil
}

func (m *Manager) handshake(ctx context.Context, appName string) (models.Session, error) {
	handles, err := m.ext.Enable(ctx, appName)
	if err != nil {
		return models.Session{}, fmt.Errorf("enable wallet: %w", err)
	}
	if len(handles) == 0 {
		return models.Session{}, models.ErrNoExtension
	}

	accounts, err := m.ext.Accounts(ctx)
	if err != nil {
		return models.Session{}, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return models.Session{}, models.ErrNoAccount
	}

	acc, err := m.selector(accounts)
	if err != nil {
		return models.Session{}, err
	}

	signer, err := m.ext.SignerFor(ctx, acc.Address)
	if err != nil {
		return models.Session{}, fmt.Errorf("resolve signer: %w", err)
	}

	name := acc.Name
	if name == "" {
		name = acc.Address
	}
	return models.Session{
		AccountID:   acc.Address,
		DisplayName: name,
		Source:      acc.Source,
		Signer:      signer,
	}, nil
}

// Current returns the active session, if any.
func (m *Manager) Current() (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return models.Session{}, false
	}
	return *m.current, true
}

// Invalidate drops the active session. Calling it without a session is a no-op.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	if prev == nil {
		return
	}
	m.logger.Info().Str("account", prev.AccountID).Msg("session invalidated")
	m.record(fmt.Sprintf("Signed out %s", prev.DisplayName))
}

func (m *Manager) record(msg string) {
	if m.activity == nil {
		return
	}
	m.activity.Record(models.ActivityEvent{Kind: models.KindAuth, Message: msg})
}
