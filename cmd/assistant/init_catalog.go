package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"floorbot/internal/adapter/catalog"
	"floorbot/internal/adapter/tool"
	"floorbot/internal/infra/config"
	"floorbot/internal/usecase/order"
)

// CatalogComponents holds the product catalog and everything built on it.
type CatalogComponents struct {
	Catalog    *catalog.SQLiteCatalog
	Importer   *catalog.Importer // nil without a seed file
	Calculator *order.Calculator
	Tools      *tool.Registry
}

// Close releases the catalog database.
func (c *CatalogComponents) Close() error { return c.Catalog.Close() }

func openCatalog(cfg *config.Config, log *slog.Logger) (*catalog.SQLiteCatalog, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := catalog.Open(cfg.Catalog.Path, log)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// initCatalog opens the catalog, imports the seed file when one is
// configured, and registers the assistant tools.
func initCatalog(ctx context.Context, cfg *config.Config, log *slog.Logger) (*CatalogComponents, error) {
	db, err := openCatalog(cfg, log)
	if err != nil {
		return nil, err
	}
	c := &CatalogComponents{Catalog: db}

	if cfg.Catalog.SeedFile != "" {
		c.Importer = catalog.NewImporter(db, cfg.Catalog.SeedFile, log)
		if _, err := c.Importer.Import(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed import: %w", err)
		}
	}

	c.Calculator = order.NewCalculator(db, order.Config{
		TaxRate:     cfg.Order.TaxRate,
		DeliveryFee: cfg.Order.DeliveryFee,
	})
	c.Tools, err = tool.NewAssistantRegistry(db, c.Calculator, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tools: %w", err)
	}

	if n, err := db.Count(ctx); err == nil {
		log.Info("catalog ready", "path", cfg.Catalog.Path, "products", n)
	}
	return c, nil
}
