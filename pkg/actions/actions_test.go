package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"

	"veilix/pkg/activity"
	"veilix/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticSessions struct {
	sess *models.Session
}

func (s staticSessions) Current() (models.Session, bool) {
	if s.sess == nil {
		return models.Session{}, false
	}
	return *s.sess, true
}

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, tr models.Transfer, sess *models.Session) (common.Hash, error) {
	args := m.Called(ctx, tr, sess)
	return args.Get(0).(common.Hash), args.Error(1)
}

type MockGraph struct {
	mock.Mock
}

func (m *MockGraph) CreatePost(ctx context.Context, payload json.RawMessage, sess models.Session) (string, error) {
	args := m.Called(ctx, payload, sess)
	return args.String(0), args.Error(1)
}

func (m *MockGraph) CreateComment(ctx context.Context, postID string, payload json.RawMessage, sess models.Session) (string, error) {
	args := m.Called(ctx, postID, payload, sess)
	return args.String(0), args.Error(1)
}

func (m *MockGraph) AddLike(ctx context.Context, postID string, sess models.Session) (string, error) {
	args := m.Called(ctx, postID, sess)
	return args.String(0), args.Error(1)
}

func (m *MockGraph) SearchPosts(ctx context.Context, query string) ([]json.RawMessage, error) {
	args := m.Called(ctx, query)
	posts, _ := args.Get(0).([]json.RawMessage)
	return posts, args.Error(1)
}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Add(ctx context.Context, name string, r io.Reader) (string, error) {
	args := m.Called(ctx, name, r)
	return args.String(0), args.Error(1)
}

var alice = &models.Session{AccountID: "0x00000000000000000000000000000000000000A1", DisplayName: "alice"}

type fixture struct {
	chain *MockSubmitter
	graph *MockGraph
	store *MockStore
	sink  *activity.Sink
}

func newService(sess *models.Session) (*Service, fixture) {
	f := fixture{
		chain: new(MockSubmitter),
		graph: new(MockGraph),
		store: new(MockStore),
		sink:  activity.NewSink(),
	}
	svc := NewService(staticSessions{sess: sess}, f.chain,
		WithSocial(f.graph), WithStorage(f.store), WithActivity(f.sink))
	return svc, f
}

func TestWritesWithoutSession(t *testing.T) {
	svc, f := newService(nil)
	ctx := context.Background()

	_, err := svc.Transfer(ctx, "0x00000000000000000000000000000000000000B2", big.NewInt(1))
	assert.ErrorIs(t, err, models.ErrNoSession)
	_, err = svc.Post(ctx, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, models.ErrNoSession)
	_, err = svc.Comment(ctx, "p", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, models.ErrNoSession)
	_, err = svc.Like(ctx, "p")
	assert.ErrorIs(t, err, models.ErrNoSession)
	_, err = svc.Upload(ctx, "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, models.ErrNoSession)

	f.chain.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
	f.graph.AssertNotCalled(t, "CreatePost", mock.Anything, mock.Anything, mock.Anything)
	f.graph.AssertNotCalled(t, "CreateComment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.graph.AssertNotCalled(t, "AddLike", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything)

	// Each failure is surfaced as a notice.
	assert.Len(t, f.sink.Notices(), 5)
}

func TestTransfer(t *testing.T) {
	svc, f := newService(alice)
	hash := common.HexToHash("0xfeed")
	to := "0x00000000000000000000000000000000000000B2"
	f.chain.On("Submit", mock.Anything, models.Transfer{To: to, Value: big.NewInt(42)}, alice).Return(hash, nil)

	got, err := svc.Transfer(context.Background(), to, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.KindTransaction, events[0].Kind)
	f.chain.AssertExpectations(t)
}

func TestTransfer_Rejected(t *testing.T) {
	svc, f := newService(alice)
	rejected := &models.SubmissionError{Hash: "0x1", Err: errors.New("nonce too low")}
	f.chain.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return(common.Hash{}, rejected)

	_, err := svc.Transfer(context.Background(), "0x00000000000000000000000000000000000000B2", big.NewInt(1))
	var se *models.SubmissionError
	require.ErrorAs(t, err, &se)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "nonce too low")
}

func TestSocialWrites(t *testing.T) {
	svc, f := newService(alice)
	ctx := context.Background()
	payload := json.RawMessage(`{"body":"hi"}`)

	f.graph.On("CreatePost", mock.Anything, payload, *alice).Return("p-1", nil)
	f.graph.On("CreateComment", mock.Anything, "p-1", payload, *alice).Return("c-1", nil)
	f.graph.On("AddLike", mock.Anything, "p-1", *alice).Return("l-1", nil)

	id, err := svc.Post(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "p-1", id)

	id, err = svc.Comment(ctx, "p-1", payload)
	require.NoError(t, err)
	assert.Equal(t, "c-1", id)

	id, err = svc.Like(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "l-1", id)

	var kinds []models.ActivityKind
	for _, e := range f.sink.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []models.ActivityKind{models.KindPost, models.KindComment, models.KindLike}, kinds)
	f.graph.AssertExpectations(t)
}

func TestPost_Failure(t *testing.T) {
	svc, f := newService(alice)
	f.graph.On("CreatePost", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("service down"))

	_, err := svc.Post(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "service down")
	require.Len(t, f.sink.Events(), 1)
	assert.Equal(t, models.KindPost, f.sink.Events()[0].Kind)
}

func TestUpload(t *testing.T) {
	svc, f := newService(alice)
	f.store.On("Add", mock.Anything, "cat.png", mock.Anything).Return("/ipfs/QmCat", nil)

	path, err := svc.Upload(context.Background(), "cat.png", strings.NewReader("meow"))
	require.NoError(t, err)
	assert.Equal(t, "/ipfs/QmCat", path)
	assert.Contains(t, f.sink.Events()[0].Message, "/ipfs/QmCat")
}

func TestSearch_NoSessionNeeded(t *testing.T) {
	svc, f := newService(nil)
	posts := []json.RawMessage{json.RawMessage(`{"id":"1"}`)}
	f.graph.On("SearchPosts", mock.Anything, "go").Return(posts, nil)

	got, err := svc.Search(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, posts, got)
}

func TestUnconfiguredCollaborators(t *testing.T) {
	svc := NewService(staticSessions{sess: alice}, new(MockSubmitter))

	_, err := svc.Post(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "not configured")
	_, err = svc.Upload(context.Background(), "a", strings.NewReader(""))
	assert.ErrorContains(t, err, "not configured")
	_, err = svc.Search(context.Background(), "q")
	assert.ErrorContains(t, err, "not configured")
}
