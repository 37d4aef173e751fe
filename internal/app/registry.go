package app

import (
	"context"
	"fmt"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/storage"
	logx "harvester/pkg/logx"
)

// registryStore is the part of the store the registry sync writes to.
type registryStore interface {
	SeedTags(ctx context.Context, tags []domain.Tag) (int, error)
	UpsertTags(ctx context.Context, tags []domain.Tag) (int, error)
	UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error)
}

// syncRegistry brings the stored registry in line with cfg. The default
// vocabulary only lands in an empty tags table; configured tags and sources
// are upserted by name. Sources absent from cfg are left untouched.
func syncRegistry(ctx context.Context, st registryStore, cfg *config.Config, log logx.Logger) error {
	tags, err := mapTags(cfg)
	if err != nil {
		return err
	}
	sources, err := mapSources(cfg)
	if err != nil {
		return err
	}

	seeded, err := st.SeedTags(ctx, storage.DefaultTags())
	if err != nil {
		return fmt.Errorf("seed tags: %w", err)
	}
	if seeded > 0 {
		log.Info("tag vocabulary seeded", logx.Int("tags", seeded))
	}
	if len(tags) > 0 {
		n, err := st.UpsertTags(ctx, tags)
		if err != nil {
			return fmt.Errorf("upsert tags: %w", err)
		}
		log.Debug("tags synced", logx.Int("configured", len(tags)), logx.Int("added", n))
	}

	for _, src := range sources {
		saved, err := st.UpsertSource(ctx, src)
		if err != nil {
			return err
		}
		log.Debug("source registered",
			logx.String("source", saved.Name),
			logx.String("source_id", saved.ID),
			logx.Duration("interval", saved.Interval),
			logx.Bool("active", saved.Active),
		)
	}
	return nil
}
