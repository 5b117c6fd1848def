package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"llamachat/internal/credential"
	"llamachat/internal/models"
	"llamachat/internal/redis"

	"go.uber.org/zap"
)

const (
	redisInvalidateChannel = "llamachat:invalidate"
	defaultStateTTL        = 30 * time.Minute
)

const (
	scopeSession = "session"
	scopeReset   = "reset"
	scopeDelete  = "delete"
)

type invalidateMessage struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	Origin    string `json:"origin"`
}

// mirroredSession is the redis form of a session. Token is sealed with the
// cipher and empty when no cipher is configured.
type mirroredSession struct {
	Session models.Session `json:"session"`
	Token   string         `json:"token,omitempty"`
}

type stateRedis struct {
	client *redis.Client
	cipher *credential.Cipher
	ttl    time.Duration
	logger *zap.Logger
}

func newStateCache(client *redis.Client, cipher *credential.Cipher, ttl time.Duration, logger *zap.Logger) *stateRedis {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stateRedis{client: client, cipher: cipher, ttl: ttl, logger: logger}
}

func sessionKey(id string) string { return "llamachat:session:" + id }
func historyKey(id string) string { return "llamachat:history:" + id }

// startListener delivers invalidations until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) error {
	if r == nil || handler == nil {
		return nil
	}
	pubsub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					r.logger.Warn("session invalidation decode failed", zap.Error(err))
					continue
				}
				handler(inv)
			}
		}
	}()
	return nil
}

// publishInvalidation broadcasts msg to other instances.
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("session invalidation marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		r.logger.Warn("publish session invalidation failed", zap.Error(err))
	}
}

func (r *stateRedis) storeSession(se models.Session, token string, history []models.Message) {
	if r == nil || se.ID == "" {
		return
	}
	entry := mirroredSession{Session: se}
	if token != "" && r.cipher != nil {
		sealed, err := r.cipher.Encrypt(token)
		if err != nil {
			r.logger.Warn("seal session token failed", zap.String("session_id", se.ID), zap.Error(err))
		} else {
			entry.Token = sealed
		}
	}
	ctx := context.Background()
	data, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("session mirror marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(ctx, sessionKey(se.ID), data, r.ttl); err != nil {
		r.logger.Warn("session mirror write failed", zap.String("session_id", se.ID), zap.Error(err))
	}
	r.storeHistory(se.ID, history)
}

func (r *stateRedis) storeHistory(id string, history []models.Message) {
	if r == nil || id == "" {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		r.logger.Warn("history mirror marshal failed", zap.Error(err))
		return
	}
	if err := r.client.Set(context.Background(), historyKey(id), data, r.ttl); err != nil {
		r.logger.Warn("history mirror write failed", zap.String("session_id", id), zap.Error(err))
	}
}

// loadSession returns the mirrored session, its token (empty when it cannot
// be unsealed) and the history snapshot.
func (r *stateRedis) loadSession(id string) (models.Session, string, []models.Message, bool) {
	if r == nil || id == "" {
		return models.Session{}, "", nil, false
	}
	ctx := context.Background()
	raw, err := r.client.Get(ctx, sessionKey(id))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("session mirror read failed", zap.String("session_id", id), zap.Error(err))
		}
		return models.Session{}, "", nil, false
	}
	var entry mirroredSession
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		r.logger.Warn("session mirror decode failed", zap.String("session_id", id), zap.Error(err))
		return models.Session{}, "", nil, false
	}

	var token string
	if entry.Token != "" && r.cipher != nil {
		if token, err = r.cipher.Decrypt(entry.Token); err != nil {
			r.logger.Warn("unseal session token failed", zap.String("session_id", id), zap.Error(err))
			token = ""
		}
	}

	var history []models.Message
	rawHistory, err := r.client.Get(ctx, historyKey(id))
	if err == nil {
		if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
			r.logger.Warn("history mirror decode failed", zap.String("session_id", id), zap.Error(err))
			history = nil
		}
	} else if !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.Warn("history mirror read failed", zap.String("session_id", id), zap.Error(err))
	}
	return entry.Session, token, history, true
}

func (r *stateRedis) refresh(id string) {
	if r == nil || id == "" {
		return
	}
	if err := r.client.Expire(context.Background(), r.ttl, sessionKey(id), historyKey(id)); err != nil {
		r.logger.Debug("session mirror refresh failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (r *stateRedis) invalidateSession(id string) {
	if r == nil || id == "" {
		return
	}
	if err := r.client.Del(context.Background(), sessionKey(id), historyKey(id)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.Warn("session mirror delete failed", zap.String("session_id", id), zap.Error(err))
	}
}
