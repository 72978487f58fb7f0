package loss

import (
	"context"
	"iter"
	"log/slog"

	"github.com/ollama/ldm/internal/orderedmap"
	"github.com/ollama/ldm/logutil"
)

// Breakdown holds the named loss terms of a step in the order they were
// computed. Keys carry a "train/" or "val/" prefix.
type Breakdown struct {
	prefix string
	m      *orderedmap.Map[string, float64]
}

func newBreakdown(prefix string) *Breakdown {
	return &Breakdown{prefix: prefix, m: orderedmap.New[string, float64]()}
}

func (b *Breakdown) set(name string, v float64) {
	b.m.Set(b.prefix+"/"+name, v)
}

// Get returns the value of a fully prefixed key.
func (b *Breakdown) Get(key string) (float64, bool) {
	return b.m.Get(key)
}

func (b *Breakdown) Keys() []string {
	return b.m.Keys()
}

func (b *Breakdown) Len() int {
	return b.m.Len()
}

func (b *Breakdown) All() iter.Seq2[string, float64] {
	return b.m.All()
}

// merge appends every entry of other with suffix added to its key.
func (b *Breakdown) merge(other *Breakdown, suffix string) {
	for k, v := range other.All() {
		b.m.Set(k+suffix, v)
	}
}

func (b *Breakdown) Log(ctx context.Context, level slog.Level, msg string) {
	logutil.Values(ctx, level, msg, b.All())
}
