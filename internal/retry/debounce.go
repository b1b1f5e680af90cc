package retry

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Debouncer collapses concurrent executions that share a key. While one
// execution is in flight every other caller with the same key waits for and
// receives its result instead of starting a second one.
type Debouncer[T any] struct {
	group singleflight.Group
}

// Do runs op through Execute unless an execution for key is already running.
// The in-flight execution uses the context of the caller that started it.
func (d *Debouncer[T]) Do(ctx context.Context, key string, op Operation[T], cfg Config) (T, error) {
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return Execute(ctx, op, cfg)
	})
	var zero T
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}
