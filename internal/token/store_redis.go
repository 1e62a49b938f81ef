// internal/token/store_redis.go
// Redis-backed TokenRegistry. A TokenRecord is naturally a single key-value
// with a TTL, so this store keeps one JSON-encoded string key per token, set
// with the registry's TTL, and lets Redis's own expiry do the sweeping instead of a Go-side ticker -- useful for a
// Controller that wants token state to survive a restart mid-upload.
package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/soulrelay/soulrelay/internal/logging"
	"github.com/soulrelay/soulrelay/internal/metrics"
	"github.com/soulrelay/soulrelay/internal/relayerr"
	"go.uber.org/zap"
)

const redisKeyPrefix = "soulrelay:token:"

type redisRegistry struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedis returns a Registry backed by Redis. ttl defaults to DefaultTTL.
func NewRedis(cli *redis.Client, ttl time.Duration) Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisRegistry{cli: cli, ttl: ttl}
}

func (r *redisRegistry) Issue(purpose Purpose, agentName, args string) (uuid.UUID, error) {
	tok := uuid.New()
	rec := Record{
		Token:     tok,
		Purpose:   purpose,
		AgentName: agentName,
		Args:      args,
		CreatedAt: time.Now(),
		SingleUse: singleUse(purpose),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return uuid.Nil, err
	}
	ctx := context.Background()
	if err := r.cli.Set(ctx, redisKeyPrefix+tok.String(), b, r.ttl).Err(); err != nil {
		return uuid.Nil, err
	}
	metrics.TokensIssuedTotal.WithLabelValues(string(purpose)).Inc()
	return tok, nil
}

func (r *redisRegistry) Validate(tok uuid.UUID, expectedPurpose Purpose, callerAgentName, expectedArgs string, consume bool) (Record, error) {
	ctx := context.Background()
	key := redisKeyPrefix + tok.String()

	raw, err := r.cli.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "not_found").Inc()
		return Record{}, errNotFound
	}
	if err != nil {
		logging.Sugar().Warnw("redis token get", "err", err)
		return Record{}, relayerr.New(relayerr.Internal, "token store unavailable").Wrap(err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, relayerr.New(relayerr.Internal, "corrupt token record").Wrap(err)
	}

	if rec.Purpose != expectedPurpose || rec.AgentName != callerAgentName || rec.Args != expectedArgs {
		metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "mismatch").Inc()
		return Record{}, relayerr.New(relayerr.Unauthorized, "token does not match request").WithToken(tok.String())
	}

	if consume && rec.SingleUse {
		if err := r.cli.Del(ctx, key).Err(); err != nil {
			logging.Logger().Warn("redis token del", zap.Error(err))
		}
	}
	metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "ok").Inc()
	return rec, nil
}

// Expire is a no-op: Redis EXPIRE already sweeps stale keys.
func (r *redisRegistry) Expire() {}

func (r *redisRegistry) Close() error { return r.cli.Close() }
