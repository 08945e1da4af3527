package models

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is the signing capability handed out by a wallet extension. Key material
// never leaves it.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	SignMessage(msg []byte) ([]byte, error)
}

// Session is the authenticated identity used for every chain-mutating action.
// It is immutable once created.
type Session struct {
	AccountID   string
	DisplayName string
	Source      string
	Signer      Signer
}

// Header is the subset of a block header the dashboard cares about.
type Header struct {
	BlockHeight uint64
	Hash        string
	Time        time.Time
}

// ChainSnapshot is a point-in-time read from the ledger node.
type ChainSnapshot struct {
	BlockHeight uint64
	Validators  []string
	Balance     *big.Int // nil when no account was read
	TakenAt     time.Time
}

// Source tags where a telemetry sample came from.
type Source int

const (
	SourcePoll Source = iota
	SourcePush
)

func (s Source) String() string {
	switch s {
	case SourcePoll:
		return "poll"
	case SourcePush:
		return "push"
	default:
		return "unknown"
	}
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TelemetrySample is one (height, validator count) observation.
type TelemetrySample struct {
	Sequence       uint64    `json:"sequence"`
	ValidatorCount int       `json:"validator_count"`
	Source         Source    `json:"source"`
	ObservedAt     time.Time `json:"observed_at"`
}

// ActivityKind classifies an activity event.
type ActivityKind string

const (
	KindAuth        ActivityKind = "AUTH"
	KindTransaction ActivityKind = "TRANSACTION"
	KindPost        ActivityKind = "POST"
	KindLike        ActivityKind = "LIKE"
	KindComment     ActivityKind = "COMMENT"
	KindBlock       ActivityKind = "BLOCK"
)

// ActivityEvent is an append-only record shown to the user.
type ActivityEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      ActivityKind `json:"kind"`
	Message   string       `json:"message"`
}

// PushEventType is the lifecycle event emitted by the live push channel.
type PushEventType string

const (
	PushConnect    PushEventType = "connect"
	PushData       PushEventType = "data"
	PushDisconnect PushEventType = "disconnect"
)

// PushPayload is the body of a data message. Nil fields were missing on the wire.
type PushPayload struct {
	BlockNumber *uint64  `json:"blockNumber"`
	Validators  []string `json:"validators"`
}

// NormalizeValidators trims, drops blanks and de-duplicates case-insensitively,
// returning the set sorted. Poll and push samples both count validators
// through it.
func NormalizeValidators(vals []string) []string {
	seen := make(map[string]bool, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// PushEvent is a single message from the push channel.
type PushEvent struct {
	Type    PushEventType
	Payload PushPayload
	Err     error
}

// Transfer is a native value transfer built by the chain facade.
type Transfer struct {
	To       string
	Value    *big.Int
	Data     []byte
	GasLimit uint64 // 0 means the default of 21000
}

// EndpointResult holds check results for a single endpoint.
type EndpointResult struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Status  string `json:"status"` // "ok", "error" or "skipped"
	ChainID int64  `json:"chain_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CheckReport holds the results of `veilix check`.
type CheckReport struct {
	ConfigPath      string           `json:"config_path"`
	ValidStructure  bool             `json:"valid_structure"`
	StructureErrors []string         `json:"structure_errors,omitempty"`
	WalletCount     int              `json:"wallet_count"`
	AccountCount    int              `json:"account_count"`
	Endpoints       []EndpointResult `json:"endpoints,omitempty"`
	ChainIDMismatch bool             `json:"chain_id_mismatch"`
	ConfigUpdated   bool             `json:"config_updated"`
	SaveError       string           `json:"save_error,omitempty"`
	DryRun          bool             `json:"dry_run"`
}
