// internal/channel/client.go
package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"focus-sync/internal/common/config"
	"focus-sync/internal/common/database"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/models"
)

// ==========================
// CHANNEL CLIENT
// ==========================

func requestList(peer string) string {
	return "channel:" + peer + ":requests"
}

func replyList(requestID string) string {
	return "channel:reply:" + requestID
}

func presenceKey(peer string) string {
	return "channel:" + peer + ":alive"
}

// replyTTL bounds how long an unclaimed reply may sit in Redis.
const replyTTL = time.Minute

// Client talks to the peer process over Redis lists. Delivery is best
// effort and at most once per attempt; when the peer is unreachable,
// fire-and-forget messages are queued locally and replayed by Flush once
// the peer comes back.
type Client struct {
	redis *database.RedisClient
	cfg   config.ChannelConfig
	log   logger.Logger

	mu      sync.Mutex
	pending []*models.Envelope
}

// NewClient builds a client addressing the configured peer.
func NewClient(rdb *database.RedisClient, cfg config.ChannelConfig, log logger.Logger) *Client {
	return &Client{redis: rdb, cfg: cfg, log: log}
}

// Ping reports whether the peer process is currently alive, bounded by the
// configured probe timeout. An unreachable peer is a routine condition,
// not a fault.
func (c *Client) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.PingTimeout)*time.Millisecond)
	defer cancel()

	alive, err := c.redis.GetClient().Exists(probeCtx, presenceKey(c.cfg.PeerName)).Result()
	if err != nil {
		return errors.NewSyncUnreachableError(err)
	}
	if alive == 0 {
		return errors.NewChannelTimeoutError("peer presence probe")
	}
	return nil
}

// Request sends an envelope and blocks for the reply, up to the configured
// request timeout. The envelope is validated before it leaves the process
// so a malformed request fails fast on this side.
func (c *Client) Request(ctx context.Context, env *models.Envelope) (*models.Response, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if err := ValidateEnvelope(env); err != nil {
		return nil, err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.NewInvalidEnvelopeError(err.Error())
	}

	if err := c.redis.GetClient().RPush(ctx, requestList(c.cfg.PeerName), data).Err(); err != nil {
		return nil, errors.NewSyncUnreachableError(err)
	}

	timeout := time.Duration(c.cfg.RequestTimeout) * time.Millisecond
	result, err := c.redis.GetClient().BLPop(ctx, timeout, replyList(env.ID)).Result()
	if err == redis.Nil {
		return nil, errors.NewChannelTimeoutError(string(env.Type))
	}
	if err != nil {
		return nil, errors.NewSyncUnreachableError(err)
	}

	// BLPop returns [key, value].
	var resp models.Response
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return nil, errors.NewInvalidEnvelopeError("malformed reply: " + err.Error())
	}
	return &resp, nil
}

// Send delivers a fire-and-forget envelope. When the peer is unreachable
// the envelope is queued locally; call Flush after a successful Ping to
// replay the queue.
func (c *Client) Send(ctx context.Context, env *models.Envelope) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if err := ValidateEnvelope(env); err != nil {
		return err
	}

	if err := c.Ping(ctx); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, env)
		queued := len(c.pending)
		c.mu.Unlock()
		c.log.Warn("peer unreachable, message queued", map[string]interface{}{
			"type":   string(env.Type),
			"queued": queued,
		})
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return errors.NewInvalidEnvelopeError(err.Error())
	}
	return c.redis.GetClient().RPush(ctx, requestList(c.cfg.PeerName), data).Err()
}

// Flush replays queued messages. Messages that still cannot be delivered
// go back on the queue.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, env := range queued {
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := c.redis.GetClient().RPush(ctx, requestList(c.cfg.PeerName), data).Err(); err != nil {
			c.mu.Lock()
			c.pending = append(c.pending, queued[i:]...)
			c.mu.Unlock()
			return errors.NewSyncUnreachableError(err)
		}
	}
	if len(queued) > 0 {
		c.log.Info("queued messages flushed", map[string]interface{}{
			"count": len(queued),
		})
	}
	return nil
}

// PendingCount reports how many messages wait for the peer to come back.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
