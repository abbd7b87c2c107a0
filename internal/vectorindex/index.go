// Package vectorindex stores chunk embeddings in one namespace per owner.
//
// A scope is always the owner id. Each backend maps a scope to its own
// physical container (a map, a Qdrant collection, a Postgres table), so a
// search can only ever see the caller's vectors. Filter narrows results
// inside a scope and is never the isolation mechanism.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultK is used when Search is called with k <= 0.
const DefaultK = 5

// maxNameLen keeps generated names inside the Postgres identifier limit.
const maxNameLen = 63

var (
	ErrEmptyScope        = errors.New("vector scope is empty")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

type Item struct {
	ID         string
	DocumentID string
	Vector     []float32
	Metadata   map[string]any
}

type Match struct {
	ID         string
	DocumentID string
	Score      float64
	Metadata   map[string]any
}

type Filter struct {
	DocumentIDs []string
}

func (f Filter) allows(documentID string) bool {
	if len(f.DocumentIDs) == 0 {
		return true
	}
	for _, id := range f.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}

type Index interface {
	Upsert(ctx context.Context, scope string, items []Item) error
	Search(ctx context.Context, scope string, vector []float32, k int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, scope string, ids []string) error
	DropScope(ctx context.Context, scope string) error
	Name() string
}

// ScopeName derives a storage-safe container name for an owner. The owner
// is lowercased, anything outside [a-z0-9_] becomes '_', and a hash of the
// raw owner id is appended so two owners never share a name after
// sanitising.
func ScopeName(prefix, owner string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", ErrEmptyScope
	}
	var b strings.Builder
	for _, r := range strings.ToLower(owner) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	suffix := fmt.Sprintf("_%08x", h.Sum32())

	clean := b.String()
	room := maxNameLen - len(prefix) - 1 - len(suffix)
	if room < 1 {
		return "", fmt.Errorf("collection prefix %q is too long", prefix)
	}
	if len(clean) > room {
		clean = clean[:room]
	}
	return prefix + "_" + clean + suffix, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
