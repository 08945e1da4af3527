package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"veilix/pkg/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	DefaultValidatorsMethod = "clique_getSigners"
	DefaultGasLimit         = 21000
)

var (
	DefaultCallTimeout = 10 * time.Second
	DefaultAttempts    = 5
)

// Node is the subset of an Ethereum JSON-RPC client the facade uses.
type Node interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Validators(ctx context.Context) ([]string, error)
	Close()
}

// Dialer opens a Node for an endpoint.
type Dialer func(ctx context.Context, endpoint, validatorsMethod string) (Node, error)

type ethNode struct {
	*ethclient.Client
	validatorsMethod string
}

// Validators calls the configured signer-set RPC (clique_getSigners by default).
func (n *ethNode) Validators(ctx context.Context) ([]string, error) {
	var signers []common.Address
	if err := n.Client.Client().CallContext(ctx, &signers, n.validatorsMethod, "latest"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(signers))
	for _, s := range signers {
		out = append(out, s.Hex())
	}
	return out, nil
}

// DialEth is the default Dialer, backed by go-ethereum's ethclient.
func DialEth(ctx context.Context, endpoint, validatorsMethod string) (Node, error) {
	c, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &ethNode{Client: c, validatorsMethod: validatorsMethod}, nil
}

// Client is the facade over one ledger node connection. Reads never depend on a
// session; Submit always does. A client without a node dials again on the next
// call.
type Client struct {
	endpoint         string
	mu               sync.Mutex
	node             Node
	chainID          *big.Int
	logger           zerolog.Logger
	timeout          time.Duration
	attempts         int
	initialBackoff   time.Duration
	validatorsMethod string
	dialer           Dialer
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAttempts bounds how many times Connect dials before giving up.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initialBackoff = d
		}
	}
}

func WithValidatorsMethod(method string) Option {
	return func(c *Client) {
		if strings.TrimSpace(method) != "" {
			c.validatorsMethod = method
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

func newClient(endpoint string, opts []Option) *Client {
	c := &Client{
		endpoint:         endpoint,
		logger:           zerolog.Nop(),
		timeout:          DefaultCallTimeout,
		attempts:         DefaultAttempts,
		initialBackoff:   500 * time.Millisecond,
		validatorsMethod: DefaultValidatorsMethod,
		dialer:           DialEth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials endpoint and verifies it by fetching the chain ID. Failed
// attempts are retried with exponential backoff up to the configured bound.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	c := newClient(endpoint, opts)

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = 10 * c.initialBackoff

	op := func() (Node, error) {
		attempts++
		node, err := c.dialer(ctx, endpoint, c.validatorsMethod)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		id, err := node.ChainID(callCtx)
		if err != nil {
			node.Close()
			return nil, err
		}
		c.chainID = id
		return node, nil
	}

	node, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Dur("retry_in", next).Msg("node connection failed")
		}),
	)
	if err != nil {
		return nil, &models.ConnectionError{Endpoint: endpoint, Attempts: attempts, Err: err}
	}
	c.node = node
	c.logger.Info().Str("endpoint", endpoint).Str("chain_id", c.chainID.String()).Msg("connected to node")
	return c, nil
}

// New returns a client that is not connected yet. The first read or submit
// dials the endpoint once; a failure is returned and the next call tries again.
func New(endpoint string, opts ...Option) *Client {
	return newClient(endpoint, opts)
}

// nodeFor returns the live node, dialing it if needed.
func (c *Client) nodeFor(ctx context.Context) (Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node != nil {
		return c.node, nil
	}

	node, err := c.dialer(ctx, c.endpoint, c.validatorsMethod)
	if err != nil {
		return nil, &models.ConnectionError{Endpoint: c.endpoint, Attempts: 1, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := node.ChainID(callCtx)
	if err != nil {
		node.Close()
		return nil, &models.ConnectionError{Endpoint: c.endpoint, Attempts: 1, Err: err}
	}
	c.node, c.chainID = node, id
	c.logger.Info().Str("endpoint", c.endpoint).Str("chain_id", id.String()).Msg("reconnected to node")
	return node, nil
}

// Connected reports whether the client holds a live node.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node != nil
}

// NewWithNode wraps an already open node. Used by tests and by callers that
// manage the connection themselves.
func NewWithNode(node Node, chainID *big.Int, opts ...Option) *Client {
	c := newClient("", opts)
	c.node = node
	c.chainID = chainID
	return c
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) ChainID() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID == nil {
		return nil
	}
	return new(big.Int).Set(c.chainID)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.node != nil {
		c.node.Close()
		c.node = nil
	}
}

func (c *Client) ReadHeader(ctx context.Context) (models.Header, error) {
	node, err := c.nodeFor(ctx)
	if err != nil {
		return models.Header{}, &models.ReadError{Op: "header", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	h, err := node.HeaderByNumber(ctx, nil)
	if err != nil {
		return models.Header{}, &models.ReadError{Op: "header", Err: err}
	}
	return models.Header{
		BlockHeight: h.Number.Uint64(),
		Hash:        h.Hash().Hex(),
		Time:        time.Unix(int64(h.Time), 0),
	}, nil
}

// ReadValidators returns the validator set sorted and de-duplicated.
func (c *Client) ReadValidators(ctx context.Context) ([]string, error) {
	node, err := c.nodeFor(ctx)
	if err != nil {
		return nil, &models.ReadError{Op: "validators", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	vals, err := node.Validators(ctx)
	if err != nil {
		return nil, &models.ReadError{Op: "validators", Err: err}
	}
	return models.NormalizeValidators(vals), nil
}

func (c *Client) ReadBalance(ctx context.Context, accountID string) (*big.Int, error) {
	if !common.IsHexAddress(accountID) {
		return nil, &models.ReadError{Op: "balance", Err: fmt.Errorf("invalid account %q", accountID)}
	}
	node, err := c.nodeFor(ctx)
	if err != nil {
		return nil, &models.ReadError{Op: "balance", Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	bal, err := node.BalanceAt(ctx, common.HexToAddress(accountID), nil)
	if err != nil {
		return nil, &models.ReadError{Op: "balance", Err: err}
	}
	return bal, nil
}

// Snapshot reads header and validators, plus the balance of accountID when it is
// non-empty. A failed balance read leaves Balance nil rather than failing the
// snapshot.
func (c *Client) Snapshot(ctx context.Context, accountID string) (models.ChainSnapshot, error) {
	header, err := c.ReadHeader(ctx)
	if err != nil {
		return models.ChainSnapshot{}, err
	}
	vals, err := c.ReadValidators(ctx)
	if err != nil {
		return models.ChainSnapshot{}, err
	}
	snap := models.ChainSnapshot{
		BlockHeight: header.BlockHeight,
		Validators:  vals,
		TakenAt:     time.Now(),
	}
	if accountID != "" {
		bal, err := c.ReadBalance(ctx, accountID)
		if err != nil {
			c.logger.Warn().Err(err).Str("account", accountID).Msg("balance read failed")
		} else {
			snap.Balance = bal
		}
	}
	return snap, nil
}

// Submit builds a legacy value transfer, signs it with the session's capability
// and hands it to the node. It returns once the node accepts the tx into its
// pending set. A nil session fails before the node is contacted.
func (c *Client) Submit(ctx context.Context, tr models.Transfer, sess *models.Session) (common.Hash, error) {
	if sess == nil || sess.Signer == nil {
		return common.Hash{}, models.ErrNoSession
	}
	if !common.IsHexAddress(tr.To) {
		return common.Hash{}, fmt.Errorf("%w: recipient %q is not an address", models.ErrInvalidTransfer, tr.To)
	}
	if tr.Value == nil || tr.Value.Sign() < 0 {
		return common.Hash{}, fmt.Errorf("%w: value must be non-negative", models.ErrInvalidTransfer)
	}

	node, err := c.nodeFor(ctx)
	if err != nil {
		return common.Hash{}, &models.SubmissionError{Err: err}
	}
	chainID := c.ChainID()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	from := sess.Signer.Address()
	nonce, err := node.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &models.SubmissionError{Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := node.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &models.SubmissionError{Err: fmt.Errorf("gas price: %w", err)}
	}
	gas := tr.GasLimit
	if gas == 0 {
		gas = DefaultGasLimit
	}

	to := common.HexToAddress(tr.To)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    tr.Value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     tr.Data,
	})
	signed, err := sess.Signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, &models.SubmissionError{Err: fmt.Errorf("sign: %w", err)}
	}
	if err := node.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &models.SubmissionError{Hash: signed.Hash().Hex(), Err: err}
	}

	c.logger.Info().Str("hash", signed.Hash().Hex()).Str("from", from.Hex()).Str("to", to.Hex()).Msg("transaction submitted")
	return signed.Hash(), nil
}
