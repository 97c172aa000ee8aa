// Package session persists exactly one stored session per device and fans out
// change notifications to other process instances sharing the same store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/db"
	domses "github.com/meterlane/paygent/internal/domain/session"
)

// kv is the consumer interface for key-value operations (ISP).
type kv interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// pubsub is the consumer interface for the change-notification channel.
type pubsub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string, fn func(message string)) error
}

// Store implements the durable session projection on top of a KV store.
// Every write publishes the store's origin ID; Watch ignores messages carrying
// its own origin, so same-context writes never re-trigger the reload path.
type Store struct {
	kv        kv
	ps        pubsub
	keyPrefix string
	origin    string
	logger    *zap.Logger
}

// New creates a session store with a fresh per-process origin ID.
func New(kv kv, ps pubsub, keyPrefix string, logger *zap.Logger) *Store {
	return &Store{
		kv:        kv,
		ps:        ps,
		keyPrefix: keyPrefix,
		origin:    uuid.NewString(),
		logger:    logger,
	}
}

// key is device-global: one stored session per device, not per user.
// Ownership is validated on load instead.
func (s *Store) key() string { return s.keyPrefix + "session" }

func (s *Store) channel() string { return s.key() + ":changes" }

// Save overwrites the stored session, or deletes it when the session is
// no longer active. The change is published after the write completes so
// remote loads observe the new state.
func (s *Store) Save(ctx context.Context, sess domses.Session, userAddress string) error {
	if !sess.Active(time.Now()) {
		if err := s.kv.Del(ctx, s.key()); err != nil {
			return fmt.Errorf("session delete: %w", err)
		}
		s.notify(ctx)
		return nil
	}

	data, err := json.Marshal(toDTO(sess, userAddress))
	if err != nil {
		return fmt.Errorf("session marshal: %w", err)
	}
	if err := s.kv.Set(ctx, s.key(), data); err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	s.notify(ctx)
	return nil
}

// Load reads the stored session. Records owned by another user or already
// expired are deleted and reported as absent.
func (s *Store) Load(ctx context.Context, userAddress string) (domses.Session, bool, error) {
	data, err := s.kv.Get(ctx, s.key())
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domses.Session{}, false, nil
		}
		return domses.Session{}, false, fmt.Errorf("session load: %w", err)
	}

	var dto storedSession
	if err := json.Unmarshal(data, &dto); err != nil {
		s.logger.Warn("Discarding undecodable stored session", zap.Error(err))
		_ = s.kv.Del(ctx, s.key())
		return domses.Session{}, false, nil
	}

	if dto.UserAddress != userAddress {
		s.logger.Info("Discarding stored session owned by another user",
			zap.String("stored_owner", dto.UserAddress))
		_ = s.kv.Del(ctx, s.key())
		return domses.Session{}, false, nil
	}

	sess := dto.toDomain()
	if sess.Expired(time.Now()) {
		_ = s.kv.Del(ctx, s.key())
		return domses.Session{}, false, nil
	}

	return sess, true, nil
}

// Watch blocks on the change channel until ctx is cancelled. On every remote
// notification it re-loads the authoritative record and pushes the result to
// fn. The notification payload itself is never trusted.
func (s *Store) Watch(ctx context.Context, userAddress string, fn func(domses.Session, bool)) error {
	return s.ps.Subscribe(ctx, s.channel(), func(message string) {
		if message == s.origin {
			return
		}
		sess, ok, err := s.Load(ctx, userAddress)
		if err != nil {
			s.logger.Warn("Failed to reload session after remote change", zap.Error(err))
			return
		}
		fn(sess, ok)
	})
}

func (s *Store) notify(ctx context.Context) {
	if err := s.ps.Publish(ctx, s.channel(), s.origin); err != nil {
		// The write itself succeeded; peers will converge on their next load.
		s.logger.Warn("Failed to publish session change", zap.Error(err))
	}
}
