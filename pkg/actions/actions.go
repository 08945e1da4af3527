// Package actions implements the user-facing write operations. Every write
// resolves the current session before any collaborator is contacted.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"veilix/pkg/activity"
	"veilix/pkg/models"
	"veilix/pkg/social"
	"veilix/pkg/storage"
	"veilix/pkg/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// Sessions reports the active session.
type Sessions interface {
	Current() (models.Session, bool)
}

// Submitter signs and submits a transfer. Implemented by *chain.Client.
type Submitter interface {
	Submit(ctx context.Context, tr models.Transfer, sess *models.Session) (common.Hash, error)
}

type Service struct {
	sessions Sessions
	chain    Submitter
	graph    social.Graph
	store    storage.Adder
	activity activity.Recorder
	logger   zerolog.Logger
}

type Option func(*Service)

func WithSocial(g social.Graph) Option {
	return func(s *Service) { s.graph = g }
}

func WithStorage(a storage.Adder) Option {
	return func(s *Service) { s.store = a }
}

func WithActivity(r activity.Recorder) Option {
	return func(s *Service) { s.activity = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(sessions Sessions, chain Submitter, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		chain:    chain,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transfer sends value wei to the recipient and returns the tx hash once the
// node has accepted it.
func (s *Service) Transfer(ctx context.Context, to string, value *big.Int) (common.Hash, error) {
	sess, ok := s.sessions.Current()
	if !ok {
		return common.Hash{}, s.fail(models.KindTransaction, "transfer", models.ErrNoSession)
	}
	hash, err := s.chain.Submit(ctx, models.Transfer{To: to, Value: value}, &sess)
	if err != nil {
		return common.Hash{}, s.fail(models.KindTransaction, "transfer", err)
	}
	s.record(models.KindTransaction, fmt.Sprintf("Transaction %s sent to %s", utils.ShortAddress(hash.Hex()), utils.ShortAddress(to)))
	return hash, nil
}

func (s *Service) Post(ctx context.Context, payload json.RawMessage) (string, error) {
	sess, err := s.writable(models.KindPost, "post")
	if err != nil {
		return "", err
	}
	id, err := s.graph.CreatePost(ctx, payload, sess)
	if err != nil {
		return "", s.fail(models.KindPost, "post", err)
	}
	s.record(models.KindPost, fmt.Sprintf("Post %s created", id))
	return id, nil
}

func (s *Service) Comment(ctx context.Context, postID string, payload json.RawMessage) (string, error) {
	sess, err := s.writable(models.KindComment, "comment")
	if err != nil {
		return "", err
	}
	id, err := s.graph.CreateComment(ctx, postID, payload, sess)
	if err != nil {
		return "", s.fail(models.KindComment, "comment", err)
	}
	s.record(models.KindComment, fmt.Sprintf("Comment %s added to post %s", id, postID))
	return id, nil
}

func (s *Service) Like(ctx context.Context, postID string) (string, error) {
	sess, err := s.writable(models.KindLike, "like")
	if err != nil {
		return "", err
	}
	id, err := s.graph.AddLike(ctx, postID, sess)
	if err != nil {
		return "", s.fail(models.KindLike, "like", err)
	}
	s.record(models.KindLike, fmt.Sprintf("Liked post %s", postID))
	return id, nil
}

// Upload stores the content and returns its content path.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	if _, ok := s.sessions.Current(); !ok {
		return "", s.fail(models.KindPost, "upload", models.ErrNoSession)
	}
	if s.store == nil {
		return "", s.fail(models.KindPost, "upload", fmt.Errorf("storage gateway not configured"))
	}
	path, err := s.store.Add(ctx, name, r)
	if err != nil {
		return "", s.fail(models.KindPost, "upload", err)
	}
	s.record(models.KindPost, fmt.Sprintf("Uploaded %s to %s", name, path))
	return path, nil
}

// Search is a read and does not need a session.
func (s *Service) Search(ctx context.Context, query string) ([]json.RawMessage, error) {
	if s.graph == nil {
		return nil, fmt.Errorf("social service not configured")
	}
	posts, err := s.graph.SearchPosts(ctx, query)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("search failed")
		return nil, err
	}
	return posts, nil
}

func (s *Service) writable(kind models.ActivityKind, op string) (models.Session, error) {
	sess, ok := s.sessions.Current()
	if !ok {
		return models.Session{}, s.fail(kind, op, models.ErrNoSession)
	}
	if s.graph == nil {
		return models.Session{}, s.fail(kind, op, fmt.Errorf("social service not configured"))
	}
	return sess, nil
}

func (s *Service) fail(kind models.ActivityKind, op string, err error) error {
	s.logger.Warn().Err(err).Str("op", op).Msg("action failed")
	s.record(kind, fmt.Sprintf("%s failed: %v", op, err))
	return err
}

func (s *Service) record(kind models.ActivityKind, msg string) {
	if s.activity == nil {
		return
	}
	s.activity.Record(models.ActivityEvent{Kind: kind, Message: msg})
}
