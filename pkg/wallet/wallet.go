// Package wallet models the browser wallet extension: providers that authorize an
// application, enumerate accounts and hand out signing capabilities.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"veilix/pkg/config"
	"veilix/pkg/models"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Handle identifies a provider that authorized the application.
type Handle struct {
	Name string
}

// Account is an address offered by a provider.
type Account struct {
	Address string
	Name    string
	Source  string
}

// Extension is the contract the session manager consumes.
type Extension interface {
	Enable(ctx context.Context, appName string) ([]Handle, error)
	Accounts(ctx context.Context) ([]Account, error)
	SignerFor(ctx context.Context, address string) (models.Signer, error)
}

// KeyRing is a provider backed by raw secp256k1 keys.
type KeyRing struct {
	name        string
	allowedApps []string
	keys        []namedKey
}

type namedKey struct {
	name string
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeyRing parses the configured keys. An empty allowedApps list authorizes any app.
func NewKeyRing(cfg config.WalletConfig) (*KeyRing, error) {
	r := &KeyRing{name: cfg.Name, allowedApps: cfg.AllowedApps}
	for i, k := range cfg.Keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(k.PrivateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("wallet %s: key %d: %w", cfg.Name, i, err)
		}
		r.keys = append(r.keys, namedKey{name: k.Name, key: key, addr: crypto.PubkeyToAddress(key.PublicKey)})
	}
	return r, nil
}

func (r *KeyRing) Name() string {
	return r.name
}

func (r *KeyRing) authorizes(appName string) bool {
	if len(r.allowedApps) == 0 {
		return true
	}
	for _, a := range r.allowedApps {
		if strings.EqualFold(a, appName) {
			return true
		}
	}
	return false
}

func (r *KeyRing) accounts() []Account {
	out := make([]Account, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, Account{Address: k.addr.Hex(), Name: k.name, Source: r.name})
	}
	return out
}

func (r *KeyRing) signer(address string) (models.Signer, bool) {
	if !common.IsHexAddress(address) {
		return nil, false
	}
	want := common.HexToAddress(address)
	for _, k := range r.keys {
		if k.addr == want {
			return &keySigner{key: k.key, addr: k.addr}, true
		}
	}
	return nil, false
}

// Injected aggregates every provider present in the process, the way a page sees
// all installed extensions. Only providers that authorized the app are consulted
// after Enable.
type Injected struct {
	rings   []*KeyRing
	enabled []*KeyRing
	mu      sync.RWMutex
}

func NewInjected(rings ...*KeyRing) *Injected {
	return &Injected{rings: rings}
}

// FromConfig builds one key ring per configured wallet.
func FromConfig(wallets []config.WalletConfig) (*Injected, error) {
	var rings []*KeyRing
	for _, w := range wallets {
		r, err := NewKeyRing(w)
		if err != nil {
			return nil, err
		}
		rings = append(rings, r)
	}
	return NewInjected(rings...), nil
}

func (in *Injected) Enable(ctx context.Context, appName string) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = nil
	var handles []Handle
	for _, r := range in.rings {
		if r.authorizes(appName) {
			in.enabled = append(in.enabled, r)
			handles = append(handles, Handle{Name: r.name})
		}
	}
	return handles, nil
}

func (in *Injected) Accounts(ctx context.Context) ([]Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	var out []Account
	for _, r := range in.enabled {
		out = append(out, r.accounts()...)
	}
	return out, nil
}

func (in *Injected) SignerFor(ctx context.Context, address string) (models.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	for _, r := range in.enabled {
		if s, ok := r.signer(address); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, address)
}

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func (s *keySigner) Address() common.Address {
	return s.addr
}

func (s *keySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// SignMessage signs the EIP-191 text hash of msg.
func (s *keySigner) SignMessage(msg []byte) ([]byte, error) {
	return crypto.Sign(accounts.TextHash(msg), s.key)
}
