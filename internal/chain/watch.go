package chain

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"OpenWallet-Core/pkg/logger"
)

const reloadDelay = 100 * time.Millisecond

// Watch reloads the chain definitions file whenever it changes and hands the
// parsed result to apply. Invalid files are logged and ignored. The returned
// function stops the watcher; it also stops when ctx ends.
func Watch(ctx context.Context, path string, apply func(context.Context, Definitions)) (func(), error) {
	log := logger.Named("chain-watch")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// 监听目录而不是文件本身，编辑器常以 rename 的方式保存。
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var (
		wg    sync.WaitGroup
		timer *time.Timer
	)
	reload := func() {
		defs, err := LoadDefinitions(path)
		if err != nil {
			log.Warn("chain definitions reload failed", slog.String("path", path), slog.Any("error", err))
			return
		}
		log.Info("chain definitions reloaded", slog.String("path", path), slog.Int("chains", len(defs.Chains)))
		apply(ctx, defs)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		base := filepath.Base(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, func() {
					if ctx.Err() == nil {
						reload()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("chain watcher error", slog.Any("error", err))
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			watcher.Close()
			wg.Wait()
		})
	}
	return stop, nil
}
