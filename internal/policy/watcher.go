package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dataguard/dataguard/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounce coalesces the write bursts editors and atomic-save tools produce.
const debounce = 200 * time.Millisecond

// Watch reloads the policy file whenever it changes and hands each valid
// replacement to onReload. Malformed replacements are logged and skipped so
// the active policy never regresses. Blocks until ctx is done.
func Watch(ctx context.Context, path string, registry RewriteRegistry, onReload func(*models.PolicySpec)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			spec, err := Load(path, registry)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Policy reload skipped")
				continue
			}
			log.Info().
				Str("path", path).
				Str("policy_id", spec.PolicyID).
				Int("version", spec.Version).
				Msg("Policy file reloaded")
			onReload(spec)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
