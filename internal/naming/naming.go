// Package naming generates collision-free names for artifacts created by a
// task, typically image tags.
package naming

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

// DefaultAttempts is the number of numeric suffixes tried after the
// timestamped candidate collides.
const DefaultAttempts = 100

// ExistsFunc reports whether the name is already taken in the external system.
type ExistsFunc func(ctx context.Context, name string) bool

// Generator holds the knobs of GenerateUniqueImageName. A zero Generator is
// ready to use.
type Generator struct {
	Attempts int
	Now      func() time.Time
	Rand     func(n int) int
}

// Unique returns a name for which exists returns false:
//  1. base itself
//  2. base-<timestamp with microseconds>
//  3. base-<timestamp>-N for N in 1..Attempts
//  4. base-<timestamp>-<random 4 digits>, returned without a check
//
// The last step cannot guarantee uniqueness. It is reached only when more than
// Attempts names with the same microsecond timestamp exist.
func (g Generator) Unique(ctx context.Context, base string, exists ExistsFunc) string {
	if !exists(ctx, base) {
		return base
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	stamped := base + "-" + Timestamp(now())
	if !exists(ctx, stamped) {
		return stamped
	}

	attempts := g.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for n := 1; n <= attempts; n++ {
		if ctx.Err() != nil {
			break
		}
		candidate := stamped + "-" + strconv.Itoa(n)
		if !exists(ctx, candidate) {
			return candidate
		}
	}

	rnd := rand.IntN
	if g.Rand != nil {
		rnd = g.Rand
	}
	return fmt.Sprintf("%s-%04d", stamped, 1000+rnd(9000))
}

// GenerateUniqueImageName is Generator{}.Unique.
func GenerateUniqueImageName(ctx context.Context, base string, exists ExistsFunc) string {
	return Generator{}.Unique(ctx, base, exists)
}

// Timestamp formats t with microsecond precision using only characters valid
// in an image tag.
func Timestamp(t time.Time) string {
	return t.Format("20060102-150405") + fmt.Sprintf("-%06d", t.Nanosecond()/int(time.Microsecond))
}
