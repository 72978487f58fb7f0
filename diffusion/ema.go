package diffusion

import (
	"context"
	"log/slog"
)

// EMA shadows model weights with an exponential moving average.
type EMA interface {
	// Store saves the current weights.
	Store()
	// CopyTo loads the averaged weights into the model.
	CopyTo()
	// Restore puts the stored weights back.
	Restore()
}

// WithEMA runs fn with EMA weights swapped in. The training weights are
// restored when fn returns, including on error or cancellation. Without an
// EMA fn runs on the current weights.
func (c *Core) WithEMA(ctx context.Context, label string, fn func(context.Context) error) error {
	if c.EMA == nil {
		return fn(ctx)
	}

	c.EMA.Store()
	c.EMA.CopyTo()
	if label != "" {
		slog.Info("switched to EMA weights", "context", label)
	}

	defer func() {
		c.EMA.Restore()
		if label != "" {
			slog.Info("restored training weights", "context", label)
		}
	}()

	return fn(ctx)
}
