// internal/token/token.go
// Package token implements the TokenRegistry: a process-wide, single-writer,
// multi-reader set of short-lived expected tokens, each scoped to an Agent, a
// purpose, and an expected argument set.
//
// A token never confers authority by itself -- callers must always pair it
// with a credential (see pkg/credential) validated against the matching
// Agent's configured secret. Validate() only checks the token-side facts
// (existence, expiry, purpose, agent, args); credential verification is the
// caller's responsibility.
package token

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulrelay/soulrelay/internal/metrics"
	"github.com/soulrelay/soulrelay/internal/relayerr"
)

// Purpose identifies what a Token was issued for.
type Purpose string

const (
	PurposeShareUpload   Purpose = "share_upload"
	PurposeFileUpload    Purpose = "file_upload"
	PurposeFileDownload  Purpose = "file_download"
)

// state is the lifecycle of a TokenRecord.
type state int

const (
	statePending state = iota
	stateConsumed
	stateExpired
)

// Record is one outstanding expected-token entry.
type Record struct {
	Token     uuid.UUID
	Purpose   Purpose
	AgentName string
	Args      string // e.g. the virtual filename; compared byte-for-byte
	CreatedAt time.Time
	SingleUse bool
	state     state
}

// DefaultTTL is the recommended idle expiry for an issued token.
const DefaultTTL = 5 * time.Minute

// Registry is the TokenRegistry contract. Two implementations exist: an
// in-memory single-process store (New) and a Redis-backed store
// (NewRedis) for Controllers that want token state to survive a restart
// mid-upload -- see store_redis.go.
type Registry interface {
	Issue(purpose Purpose, agentName, args string) (uuid.UUID, error)
	Validate(tok uuid.UUID, expectedPurpose Purpose, callerAgentName, expectedArgs string, consume bool) (Record, error)
	// Expire sweeps records older than ttl into the terminal Expired state
	// and removes them. Callers run this on a ticker.
	Expire()
	// Close releases any resources (e.g. a Redis client) the store owns. The
	// in-memory implementation's Close is a no-op.
	Close() error
}

// singleUse reports whether purpose requires Validate(consume=true) to
// remove the record on first success. ShareUpload and FileUpload are
// single-use; FileDownload may be validated repeatedly to support Agent
// retry of an HTTP pull.
func singleUse(p Purpose) bool {
	return p == PurposeShareUpload || p == PurposeFileUpload
}

var errNotFound = relayerr.New(relayerr.Unauthorized, "token not found")

// memRegistry is a mutex-guarded in-memory TokenRegistry: single writer via
// internal lock, multi-reader.
type memRegistry struct {
	ttl time.Duration

	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

// New returns an in-memory Registry with the given TTL (DefaultTTL if zero).
func New(ttl time.Duration) Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memRegistry{ttl: ttl, records: make(map[uuid.UUID]*Record)}
}

func (r *memRegistry) Issue(purpose Purpose, agentName, args string) (uuid.UUID, error) {
	tok := uuid.New()
	r.mu.Lock()
	r.records[tok] = &Record{
		Token:     tok,
		Purpose:   purpose,
		AgentName: agentName,
		Args:      args,
		CreatedAt: time.Now(),
		SingleUse: singleUse(purpose),
		state:     statePending,
	}
	r.mu.Unlock()
	metrics.TokensIssuedTotal.WithLabelValues(string(purpose)).Inc()
	return tok, nil
}

func (r *memRegistry) Validate(tok uuid.UUID, expectedPurpose Purpose, callerAgentName, expectedArgs string, consume bool) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[tok]
	if !ok {
		metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "not_found").Inc()
		return Record{}, errNotFound
	}
	if time.Since(rec.CreatedAt) > r.ttl {
		delete(r.records, tok)
		metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "expired").Inc()
		return Record{}, relayerr.New(relayerr.Unauthorized, "token expired").WithToken(tok.String())
	}
	if rec.state == stateConsumed {
		metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "consumed").Inc()
		return Record{}, relayerr.New(relayerr.Unauthorized, "token already consumed").WithToken(tok.String())
	}
	if rec.Purpose != expectedPurpose || rec.AgentName != callerAgentName || rec.Args != expectedArgs {
		metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "mismatch").Inc()
		return Record{}, relayerr.New(relayerr.Unauthorized, "token does not match request").WithToken(tok.String())
	}

	out := *rec
	if consume && rec.SingleUse {
		delete(r.records, tok)
	}
	metrics.TokensValidatedTotal.WithLabelValues(string(expectedPurpose), "ok").Inc()
	return out, nil
}

func (r *memRegistry) Expire() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, tok)
		}
	}
}

func (r *memRegistry) Close() error { return nil }
