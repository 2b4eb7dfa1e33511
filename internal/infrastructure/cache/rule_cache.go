package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

const (
	rulePrefix  = "guard:rules:"
	globalField = "global"
)

// RuleCache stores resolved rules in one hash per country, keyed by tenant.
// A global change drops the whole hash since tenants without an override
// resolved through the global row; a tenant change drops one field.
type RuleCache struct {
	client  *redis.Client
	ttl     time.Duration
	channel string
	logger  *zap.Logger
}

func NewRuleCache(client *redis.Client, ttl time.Duration, channel string, logger *zap.Logger) *RuleCache {
	return &RuleCache{
		client:  client,
		ttl:     ttl,
		channel: channel,
		logger:  logger.Named("rule_cache"),
	}
}

func ruleKey(iso string) string {
	return rulePrefix + strings.ToUpper(iso)
}

func tenantField(tenantID uuid.UUID) string {
	if tenantID == uuid.Nil {
		return globalField
	}
	return tenantID.String()
}

func (c *RuleCache) Get(ctx context.Context, tenantID uuid.UUID, iso string) (compliance.ResolvedRule, bool, error) {
	raw, err := c.client.HGet(ctx, ruleKey(iso), tenantField(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return compliance.ResolvedRule{}, false, nil
	}
	if err != nil {
		return compliance.ResolvedRule{}, false, fmt.Errorf("redis hget failed: %w", err)
	}

	var r compliance.ResolvedRule
	if err := json.Unmarshal(raw, &r); err != nil {
		// A corrupt entry is a miss; the caller repopulates it.
		c.logger.Warn("discarding undecodable cached rule",
			zap.String("country_iso", iso), zap.Error(err))
		return compliance.ResolvedRule{}, false, nil
	}
	return r, true, nil
}

func (c *RuleCache) Set(ctx context.Context, tenantID uuid.UUID, iso string, r compliance.ResolvedRule) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	key := ruleKey(iso)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, tenantField(tenantID), raw)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rule write failed: %w", err)
	}
	return nil
}

// Invalidate drops the covered entries and publishes inv on the
// invalidation channel.
func (c *RuleCache) Invalidate(ctx context.Context, inv compliance.RuleInvalidation) error {
	key := ruleKey(inv.CountryISO)
	var err error
	if inv.TenantID == nil {
		err = c.client.Del(ctx, key).Err()
	} else {
		err = c.client.HDel(ctx, key, tenantField(*inv.TenantID)).Err()
	}
	if err != nil {
		return fmt.Errorf("redis rule invalidation failed: %w", err)
	}

	msg, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe delivers invalidations published by any process to handle
// until ctx is cancelled. It returns once the subscription is confirmed;
// delivery continues in a goroutine.
func (c *RuleCache) Subscribe(ctx context.Context, handle func(compliance.RuleInvalidation)) error {
	pubsub := c.client.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe failed: %w", err)
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
				var inv compliance.RuleInvalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					c.logger.Warn("ignoring malformed rule invalidation",
						zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				handle(inv)
			}
		}
	}()

	c.logger.Info("subscribed to rule invalidations", zap.String("channel", c.channel))
	return nil
}
