package order

import (
	"context"
	"errors"
	"strings"
)

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ignoreCancel adapts a Run loop for an errgroup: stopping on ctx is not a
// failure.
func ignoreCancel(ctx context.Context, run func(context.Context) error) func() error {
	return func() error {
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
