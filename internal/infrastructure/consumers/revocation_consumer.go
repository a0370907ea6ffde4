// Package consumers contains Kafka consumers for background processing tasks.
package consumers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/domain/models"
	"github.com/turtacn/keystore/internal/infrastructure/audit"
	"github.com/turtacn/keystore/pkg/errors"
	"github.com/turtacn/keystore/pkg/logger"
)

// retryBackoff is the pause after a failed fetch or a failed command.
const retryBackoff = time.Second

// RevocationCommand asks the service to drop keys. userId and clientId
// together name one key; any single one of userId, clientId or agencyCode
// names every key carrying it.
type RevocationCommand struct {
	UserID     string `json:"userId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	AgencyCode string `json:"agencyCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Revoker is the part of the key service the consumer drives.
type Revoker interface {
	Revoke(ctx context.Context, identity models.Identity) error
	RevokeAllByUserID(ctx context.Context, userID string) (int, error)
	RevokeAllByClientID(ctx context.Context, clientID string) (int, error)
	RevokeAllByAgencyCode(ctx context.Context, agencyCode string) (int, error)
}

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RevocationConsumer applies revocation commands published by upstream
// systems, for example when an account is disabled.
type RevocationConsumer struct {
	reader  MessageReader
	revoker Revoker
	secret  []byte
	backoff time.Duration
	logger  logger.Logger
}

// NewRevocationConsumer creates a consumer of cfg.RevocationTopic. All
// replicas share cfg.ConsumerGroup so each command is applied once.
func NewRevocationConsumer(cfg config.KafkaConfig, revoker Revoker, log logger.Logger) *RevocationConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.RevocationTopic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
	})
	return NewRevocationConsumerWithReader(reader, revoker, []byte(cfg.SigningSecret), log)
}

// NewRevocationConsumerWithReader creates a consumer on an existing reader.
// A non-empty secret rejects messages without a valid signature header.
func NewRevocationConsumerWithReader(reader MessageReader, revoker Revoker, secret []byte, log logger.Logger) *RevocationConsumer {
	return &RevocationConsumer{
		reader:  reader,
		revoker: revoker,
		secret:  secret,
		backoff: retryBackoff,
		logger:  log.WithComponent("RevocationConsumer"),
	}
}

// Run consumes until ctx is cancelled. Offsets are committed in order, so a
// command that fails to apply is retried until it succeeds; malformed or
// unsigned ones are committed and dropped.
func (c *RevocationConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "starting revocation consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info(context.Background(), "stopping revocation consumer")
				return nil
			}
			c.logger.Error(ctx, "failed to fetch message from kafka", err)
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		for {
			err := c.Handle(ctx, msg)
			if err == nil {
				break
			}
			if isPermanent(err) {
				c.logger.Warn(ctx, "dropping revocation message",
					logger.Int64("offset", msg.Offset), logger.Err(err))
				break
			}
			c.logger.Error(ctx, "failed to apply revocation command", err, logger.Int64("offset", msg.Offset))
			if !c.wait(ctx) {
				return nil
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error(ctx, "failed to commit revocation message", err, logger.Int64("offset", msg.Offset))
		}
	}
}

// wait sleeps for the backoff and reports false if ctx ended first.
func (c *RevocationConsumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

// Handle verifies and applies one message.
func (c *RevocationConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	if len(c.secret) > 0 && !audit.Verify(msg.Value, c.secret, header(msg, audit.SignatureHeader)) {
		return permanent(errors.SignatureMismatch(nil))
	}
	var cmd RevocationCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return permanent(errors.ClaimsParsingFailure("malformed revocation command", err))
	}
	return c.apply(ctx, cmd)
}

func (c *RevocationConsumer) apply(ctx context.Context, cmd RevocationCommand) error {
	var (
		n   int
		err error
	)
	switch {
	case cmd.UserID != "" && cmd.ClientID != "" && cmd.AgencyCode == "":
		n = 1
		err = c.revoker.Revoke(ctx, models.Identity{UserID: cmd.UserID, ClientID: cmd.ClientID})
	case cmd.UserID != "" && cmd.ClientID == "" && cmd.AgencyCode == "":
		n, err = c.revoker.RevokeAllByUserID(ctx, cmd.UserID)
	case cmd.ClientID != "" && cmd.UserID == "" && cmd.AgencyCode == "":
		n, err = c.revoker.RevokeAllByClientID(ctx, cmd.ClientID)
	case cmd.AgencyCode != "" && cmd.UserID == "" && cmd.ClientID == "":
		n, err = c.revoker.RevokeAllByAgencyCode(ctx, cmd.AgencyCode)
	default:
		return permanent(errors.BadParameter("revocation", "command must name an identity, a userId, a clientId or an agencyCode"))
	}
	// Nothing left to revoke counts as applied.
	if errors.Is(err, errors.ErrNotFound) {
		n, err = 0, nil
	}
	if err != nil {
		return err
	}
	c.logger.Info(ctx, "revocation command applied",
		logger.String("user_id", cmd.UserID),
		logger.String("client_id", cmd.ClientID),
		logger.String("agency_code", cmd.AgencyCode),
		logger.String("reason", cmd.Reason),
		logger.Int("revoked", n))
	return nil
}

// Close closes the underlying reader.
func (c *RevocationConsumer) Close() error {
	return c.reader.Close()
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// permanentError marks a message that can never be applied.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var p *permanentError
	return stderrors.As(err, &p)
}
