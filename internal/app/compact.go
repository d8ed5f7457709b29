package app

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Compact re-applies the history policy to every stored record.
func (a *App) Compact(ctx context.Context, opts CompactOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.DryRun {
		a.Logger.Warn().Msg("压缩 dry-run：不会写入存储")
	}

	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	policy := a.Config.History.Policy()
	now := time.Now().UTC()

	changed, before, after, failed := 0, 0, 0, 0
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec := records[key]
		compacted := policy.Compact(rec.History, now)
		if !policy.Enabled {
			compacted = nil
		}
		before += len(rec.History)
		after += len(compacted)
		if len(compacted) == len(rec.History) {
			continue
		}
		changed++
		a.Logger.Info().Str("key", key).Int("before", len(rec.History)).Int("after", len(compacted)).Msg("history compacted")

		if opts.DryRun {
			continue
		}
		rec.History = compacted
		if err := store.Save(ctx, key, rec); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("key", key).Msg("压缩结果保存失败")
		}
	}

	fmt.Fprintf(a.Out, "records: %d  compacted: %d  points: %d -> %d\n", len(keys), changed, before, after)
	if failed > 0 {
		return fmt.Errorf("%d records failed to save, check the log", failed)
	}
	return nil
}
