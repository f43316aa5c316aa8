// Package code issues and resolves short-lived, human-enterable room codes.
//
// Codes live in Redis so any process can resolve them; the subsystem has no
// in-memory fallback because codes must stay globally unique and discoverable
// across processes.
package code

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Alphabet excludes characters that read ambiguously when handwritten
	// or spoken (I, L, O, 0, 1).
	Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	// Length is the number of characters in a room code.
	Length = 6

	// TTL bounds how long an issued code stays resolvable, independent of
	// room activity.
	TTL = 15 * time.Minute

	keyPrefix       = "liveroom:code:"
	maxIssueRetries = 12
)

var (
	// ErrRegistryUnavailable indicates Redis cannot be reached.
	ErrRegistryUnavailable = errors.New("room code registry is unavailable")
	// ErrAllocationFailed indicates collision retries were exhausted.
	ErrAllocationFailed = errors.New("room code allocation failed")
)

// Mapping is the registry record behind one live room code.
type Mapping struct {
	SubmissionID string    `json:"submission_id"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Issued describes a freshly allocated room code.
type Issued struct {
	Code      string
	ExpiresAt time.Time
}

// Registry allocates and resolves room codes in Redis.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry builds a registry on an existing Redis client.
func NewRegistry(client *redis.Client) *Registry {
	return &Registry{client: client, ttl: TTL, now: time.Now}
}

// Dial connects to Redis using a URL (redis://...) and verifies the
// connection before returning a registry.
func Dial(ctx context.Context, redisURL string) (*Registry, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrRegistryUnavailable, err)
	}
	return NewRegistry(client), nil
}

// Close releases the underlying Redis client.
func (r *Registry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Normalize canonicalizes user-typed codes before lookup.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Issue allocates a collision-free code for a submission. It retries a
// bounded number of times on collision; exhausting retries is fatal.
func (r *Registry) Issue(ctx context.Context, submissionID string, createdBy string) (Issued, error) {
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return Issued{}, errors.New("submission id is required")
	}

	for attempt := 0; attempt < maxIssueRetries; attempt++ {
		generated, err := generate()
		if err != nil {
			return Issued{}, fmt.Errorf("generate room code: %w", err)
		}

		now := r.now().UTC()
		mapping := Mapping{
			SubmissionID: submissionID,
			CreatedBy:    strings.TrimSpace(createdBy),
			CreatedAt:    now,
			ExpiresAt:    now.Add(r.ttl),
		}
		payload, err := json.Marshal(mapping)
		if err != nil {
			return Issued{}, fmt.Errorf("marshal code mapping: %w", err)
		}

		ok, err := r.client.SetNX(ctx, keyPrefix+generated, payload, r.ttl).Result()
		if err != nil {
			return Issued{}, fmt.Errorf("%w: setnx: %v", ErrRegistryUnavailable, err)
		}
		if ok {
			return Issued{Code: generated, ExpiresAt: mapping.ExpiresAt}, nil
		}
	}
	return Issued{}, ErrAllocationFailed
}

// Resolve looks up the mapping behind a code. A missing or expired code
// resolves to nil without an error; an expired-but-present key is deleted.
func (r *Registry) Resolve(ctx context.Context, rawCode string) (*Mapping, error) {
	key := keyPrefix + Normalize(rawCode)

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: get: %v", ErrRegistryUnavailable, err)
	}

	payload, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrRegistryUnavailable, err)
	}

	remaining, err := ttlCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("%w: ttl: %v", ErrRegistryUnavailable, err)
	}
	if remaining <= 0 {
		// Present but past its TTL (persisted key or clock skew); clean up.
		_ = r.client.Del(ctx, key).Err()
		return nil, nil
	}

	var mapping Mapping
	if err := json.Unmarshal([]byte(payload), &mapping); err != nil {
		return nil, fmt.Errorf("unmarshal code mapping: %w", err)
	}
	mapping.ExpiresAt = r.now().UTC().Add(remaining)
	return &mapping, nil
}

// Delete removes a code mapping, typically on explicit room closure.
func (r *Registry) Delete(ctx context.Context, rawCode string) error {
	if err := r.client.Del(ctx, keyPrefix+Normalize(rawCode)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

func generate() (string, error) {
	// Bytes at or above limit are rejected so every alphabet character is
	// equally likely.
	limit := byte(256 - 256%len(Alphabet))
	out := make([]byte, 0, Length)
	var raw [Length * 2]byte
	for len(out) < Length {
		if _, err := rand.Read(raw[:]); err != nil {
			return "", err
		}
		for _, b := range raw {
			if b >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}
