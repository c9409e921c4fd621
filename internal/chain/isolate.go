package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ForEach runs fn for every chain concurrently. A failure or panic in one
// chain is logged and joined into the result without stopping the others.
func ForEach(ctx context.Context, log *slog.Logger, keys []string, fn func(ctx context.Context, key string) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			err := isolated(ctx, key, fn)
			if err == nil {
				return
			}
			log.Warn("chain task failed", slog.String("chain", key), slog.Any("error", err))
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func isolated(ctx context.Context, key string, fn func(ctx context.Context, key string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, key)
}
