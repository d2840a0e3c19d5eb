// Package identity keeps the anonymous identity that experiments bucket on.
//
// The identity is generated once per storage scope and then read back on every
// run. Generation only needs to produce a unique, stable string; bucketing
// treats it as opaque.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store persists one identity string.
type Store interface {
	// Get returns the stored identity. ok is false when none exists yet.
	Get(ctx context.Context) (id string, ok bool, err error)
	Set(ctx context.Context, id string) error
}

// Generator produces new identities.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

var nowFn = time.Now

// Legacy returns identities shaped like user_<unix millis>_<9 base36 chars>.
func Legacy() Generator {
	return func() string {
		return "user_" + strconv.FormatInt(nowFn().UnixMilli(), 10) + "_" + randomBase36(9)
	}
}

// UUIDv7 returns time-ordered RFC 9562 identities.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every identity from gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// ForFormat maps a configured identity format to its generator.
func ForFormat(format string) (Generator, error) {
	switch format {
	case "", "legacy":
		return Legacy(), nil
	case "uuid":
		return UUIDv7(), nil
	default:
		return nil, fmt.Errorf("unknown identity format %q", format)
	}
}

// Resolve returns the stored identity, generating and persisting one with gen
// when the store is empty.
func Resolve(ctx context.Context, s Store, gen Generator) (string, error) {
	id, ok, err := s.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	if gen == nil {
		gen = Legacy()
	}
	id = strings.TrimSpace(gen())
	if id == "" {
		return "", errors.New("identity generator returned an empty id")
	}
	if err := s.Set(ctx, id); err != nil {
		return "", fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func randomBase36(n int) string {
	radix := big.NewInt(int64(len(base36)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		k, err := rand.Int(rand.Reader, radix)
		if err != nil {
			panic("identity: crypto/rand failed: " + err.Error())
		}
		b.WriteByte(base36[k.Int64()])
	}
	return b.String()
}
