package main

import (
	"context"
	"log/slog"

	"floorbot/internal/infra/config"
	"floorbot/internal/usecase/scheduling"
)

// initScheduler registers the catalog reload and in-memory session reaping
// jobs. Jobs without a schedule are skipped.
func initScheduler(cfg *config.Config, cat *CatalogComponents, sessions *SessionComponents, log *slog.Logger) (*scheduling.Scheduler, error) {
	s := scheduling.NewScheduler(log)

	if cat.Importer != nil && cfg.Catalog.ReloadSchedule != "" {
		s.RegisterAction(scheduling.ActionCatalogReload, cat.Importer.Run)
		if err := s.AddTask(scheduling.Task{
			Name:     "catalog-reload",
			Schedule: cfg.Catalog.ReloadSchedule,
			Action:   scheduling.ActionCatalogReload,
		}); err != nil {
			return nil, err
		}
	}

	if sessions.Memory != nil && cfg.Session.ReapInterval != "" {
		mem := sessions.Memory
		s.RegisterAction(scheduling.ActionSessionReap, func(context.Context) error {
			if n := mem.Reap(); n > 0 {
				log.Debug("expired sessions reaped", "count", n)
			}
			return nil
		})
		if err := s.AddTask(scheduling.Task{
			Name:     "session-reap",
			Schedule: cfg.Session.ReapInterval,
			Action:   scheduling.ActionSessionReap,
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}
