package consumers

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/infrastructure/audit"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

type mockRevoker struct {
	mock.Mock
}

func (m *mockRevoker) Revoke(ctx context.Context, identity models.Identity) error {
	return m.Called(ctx, identity).Error(0)
}

func (m *mockRevoker) RevokeAllByUserID(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *mockRevoker) RevokeAllByClientID(ctx context.Context, clientID string) (int, error) {
	args := m.Called(ctx, clientID)
	return args.Int(0), args.Error(1)
}

func (m *mockRevoker) RevokeAllByAgencyCode(ctx context.Context, agencyCode string) (int, error) {
	args := m.Called(ctx, agencyCode)
	return args.Int(0), args.Error(1)
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func command(t *testing.T, offset int64, cmd RevocationCommand) kafka.Message {
	t.Helper()
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestRevocationConsumer_Dispatch(t *testing.T) {
	ctx := context.Background()
	revoker := new(mockRevoker)
	c := NewRevocationConsumerWithReader(&fakeReader{}, revoker, nil, logger.NewNoopLogger())

	revoker.On("Revoke", mock.Anything, models.Identity{UserID: "u", ClientID: "c"}).Return(nil).Once()
	revoker.On("RevokeAllByUserID", mock.Anything, "u").Return(2, nil).Once()
	revoker.On("RevokeAllByClientID", mock.Anything, "c").Return(1, nil).Once()
	revoker.On("RevokeAllByAgencyCode", mock.Anything, "A").Return(3, nil).Once()

	require.NoError(t, c.Handle(ctx, command(t, 0, RevocationCommand{UserID: "u", ClientID: "c", Reason: "disabled"})))
	require.NoError(t, c.Handle(ctx, command(t, 1, RevocationCommand{UserID: "u"})))
	require.NoError(t, c.Handle(ctx, command(t, 2, RevocationCommand{ClientID: "c"})))
	require.NoError(t, c.Handle(ctx, command(t, 3, RevocationCommand{AgencyCode: "A"})))
	revoker.AssertExpectations(t)
}

func TestRevocationConsumer_RevokeMissingKeyIsApplied(t *testing.T) {
	revoker := new(mockRevoker)
	revoker.On("Revoke", mock.Anything, mock.Anything).Return(errors.NotFound("gone"))
	c := NewRevocationConsumerWithReader(&fakeReader{}, revoker, nil, logger.NewNoopLogger())

	assert.NoError(t, c.Handle(context.Background(), command(t, 0, RevocationCommand{UserID: "u", ClientID: "c"})))
}

func TestRevocationConsumer_RunSkipsBulkCommandMatchingNothing(t *testing.T) {
	reader := &fakeReader{}
	revoker := new(mockRevoker)
	revoker.On("RevokeAllByUserID", mock.Anything, "nobody").Return(0, errors.NotFound("no keys with userId = nobody"))
	revoker.On("RevokeAllByClientID", mock.Anything, "ghost").Return(0, errors.NotFound("no keys with clientId = ghost"))
	revoker.On("RevokeAllByAgencyCode", mock.Anything, "none").Return(0, errors.NotFound("no keys with agencyCode = none"))
	revoker.On("Revoke", mock.Anything, models.Identity{UserID: "u2", ClientID: "c2"}).Return(nil)

	reader.queue = []kafka.Message{
		command(t, 1, RevocationCommand{UserID: "nobody"}),
		command(t, 2, RevocationCommand{ClientID: "ghost"}),
		command(t, 3, RevocationCommand{AgencyCode: "none"}),
		command(t, 4, RevocationCommand{UserID: "u2", ClientID: "c2"}),
	}
	c := NewRevocationConsumerWithReader(reader, revoker, nil, logger.NewNoopLogger())
	c.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits())
	revoker.AssertNumberOfCalls(t, "RevokeAllByUserID", 1)

	cancel()
	require.NoError(t, <-done)
}

func TestRevocationConsumer_RejectsMalformed(t *testing.T) {
	c := NewRevocationConsumerWithReader(&fakeReader{}, new(mockRevoker), nil, logger.NewNoopLogger())
	ctx := context.Background()

	err := c.Handle(ctx, kafka.Message{Value: []byte("{not json")})
	assert.True(t, isPermanent(err))
	assert.True(t, errors.Is(err, errors.ErrClaimsParsingFailure))

	for _, cmd := range []RevocationCommand{
		{},
		{UserID: "u", AgencyCode: "A"},
		{UserID: "u", ClientID: "c", AgencyCode: "A"},
	} {
		err := c.Handle(ctx, command(t, 0, cmd))
		assert.True(t, isPermanent(err), "%+v", cmd)
		assert.True(t, errors.Is(err, errors.ErrBadParameter), "%+v", cmd)
	}
}

func TestRevocationConsumer_VerifiesSignature(t *testing.T) {
	secret := []byte("shared")
	revoker := new(mockRevoker)
	revoker.On("RevokeAllByUserID", mock.Anything, "u").Return(1, nil).Once()
	c := NewRevocationConsumerWithReader(&fakeReader{}, revoker, secret, logger.NewNoopLogger())
	ctx := context.Background()

	unsigned := command(t, 0, RevocationCommand{UserID: "u"})
	err := c.Handle(ctx, unsigned)
	assert.True(t, isPermanent(err))
	assert.True(t, errors.Is(err, errors.ErrSignatureMismatch))

	signed := unsigned
	signed.Headers = []kafka.Header{{Key: audit.SignatureHeader, Value: []byte(audit.Sign(signed.Value, secret))}}
	require.NoError(t, c.Handle(ctx, signed))
	revoker.AssertExpectations(t)
}

func TestRevocationConsumer_Run(t *testing.T) {
	reader := &fakeReader{}
	revoker := new(mockRevoker)
	revoker.On("RevokeAllByUserID", mock.Anything, "u").Return(1, nil)
	revoker.On("RevokeAllByClientID", mock.Anything, "flaky").Return(0, errors.StorageFailure("delete", stdErrors.New("db down"))).Twice()
	revoker.On("RevokeAllByClientID", mock.Anything, "flaky").Return(1, nil).Once()

	reader.queue = []kafka.Message{
		command(t, 10, RevocationCommand{UserID: "u"}),
		{Offset: 11, Value: []byte("garbage")},
		command(t, 12, RevocationCommand{ClientID: "flaky"}),
		command(t, 13, RevocationCommand{UserID: "u"}),
	}
	c := NewRevocationConsumerWithReader(reader, revoker, nil, logger.NewNoopLogger())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The malformed command is dropped; the flaky one is retried in place.
	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{10, 11, 12, 13}, reader.commits())
	revoker.AssertNumberOfCalls(t, "RevokeAllByClientID", 3)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}
