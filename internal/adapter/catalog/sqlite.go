// Package catalog implements the product catalog on SQLite.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
	"floorbot/internal/usecase/normalize"
)

// Product is the stored catalog record. Seed files use the same shape.
type Product struct {
	ID             int64             `json:"id" yaml:"id"`
	Title          string            `json:"title" yaml:"title"`
	Brand          string            `json:"brand,omitempty" yaml:"brand"`
	Description    string            `json:"description,omitempty" yaml:"description"`
	Category       string            `json:"category" yaml:"category"`
	Colors         []string          `json:"colors,omitempty" yaml:"colors"`
	Materials      string            `json:"materials,omitempty" yaml:"materials"`
	Pattern        string            `json:"pattern,omitempty" yaml:"pattern"`
	Price          float64           `json:"price" yaml:"price"`
	SalePrice      float64           `json:"sale_price,omitempty" yaml:"sale_price"`
	Coverage       string            `json:"coverage,omitempty" yaml:"coverage"`
	Stock          int               `json:"stock" yaml:"stock"`
	Specifications map[string]string `json:"specifications,omitempty" yaml:"specifications"`
}

// SQLiteCatalog implements domain.Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.Catalog = (*SQLiteCatalog)(nil)

// Open opens (or creates) a SQLite catalog at dbPath and runs the schema migration.
func Open(dbPath string, logger *slog.Logger) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// WAL mode for concurrent reads during reloads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	return &SQLiteCatalog{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS products (
			id             INTEGER PRIMARY KEY,
			title          TEXT NOT NULL,
			brand          TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			category       TEXT NOT NULL DEFAULT '',
			colors         TEXT NOT NULL DEFAULT '',
			materials      TEXT NOT NULL DEFAULT '',
			pattern        TEXT NOT NULL DEFAULT '',
			price          REAL NOT NULL DEFAULT 0,
			sale_price     REAL NOT NULL DEFAULT 0,
			coverage       TEXT NOT NULL DEFAULT '',
			stock          INTEGER NOT NULL DEFAULT 0,
			specifications TEXT NOT NULL DEFAULT '{}',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// Upsert inserts or replaces products by id in a single transaction.
func (c *SQLiteCatalog) Upsert(ctx context.Context, products []Product) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp("catalog.upsert", fmt.Errorf("%w: %w", domain.ErrCatalog, err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (id, title, brand, description, category, colors, materials,
			pattern, price, sale_price, coverage, stock, specifications, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, brand = excluded.brand, description = excluded.description,
			category = excluded.category, colors = excluded.colors, materials = excluded.materials,
			pattern = excluded.pattern, price = excluded.price, sale_price = excluded.sale_price,
			coverage = excluded.coverage, stock = excluded.stock,
			specifications = excluded.specifications, updated_at = excluded.updated_at
	`)
	if err != nil {
		return domain.WrapOp("catalog.upsert", fmt.Errorf("%w: %w", domain.ErrCatalog, err))
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, p := range products {
		specs, err := json.Marshal(p.Specifications)
		if err != nil {
			return fmt.Errorf("marshal specifications for product %d: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.Title, p.Brand, p.Description, p.Category, strings.Join(p.Colors, ","),
			p.Materials, p.Pattern, p.Price, p.SalePrice, p.Coverage, p.Stock, string(specs), now, now,
		); err != nil {
			return domain.WrapOp("catalog.upsert", fmt.Errorf("%w: product %d: %w", domain.ErrCatalog, p.ID, err))
		}
	}
	return tx.Commit()
}

// Count returns the number of stored products.
func (c *SQLiteCatalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&n); err != nil {
		return 0, domain.WrapOp("catalog.count", fmt.Errorf("%w: %w", domain.ErrCatalog, err))
	}
	return n, nil
}

const productColumns = "id, title, description, category, colors, materials, pattern, price, sale_price, coverage, stock, specifications"

// effectivePriceSQL mirrors domain.ProductInfo.EffectivePrice.
const effectivePriceSQL = "(CASE WHEN sale_price > 0 THEN sale_price ELSE price END)"

// Search returns in-stock products matching every supplied criterion, in
// catalog order, capped at the criteria limit.
func (c *SQLiteCatalog) Search(ctx context.Context, criteria domain.SearchCriteria) ([]domain.ProductInfo, error) {
	ctx, span := tracer.StartSpan(ctx, "catalog.search",
		trace.WithAttributes(
			tracer.StringAttr("catalog.category", criteria.Category),
			tracer.IntAttr("catalog.colors", len(criteria.Colors)),
		),
	)
	defer span.End()

	where, args := buildWhere(criteria)
	limit := criteria.Limit
	if limit <= 0 {
		limit = domain.DefaultSearchLimit
	}
	// The category clause also matches aliases in title and description, so
	// rows are re-checked against their classified category and the limit is
	// applied after that check.
	wantCategory := ""
	if normalize.IsCanonicalCategory(criteria.Category) {
		wantCategory = criteria.Category
	}
	query := "SELECT " + productColumns + " FROM products WHERE " + where + " ORDER BY id"
	if wantCategory == "" {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		err = domain.WrapOp("catalog.search", fmt.Errorf("%w: %w", domain.ErrCatalog, err))
		tracer.RecordError(span, err)
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProductInfo
	for len(out) < limit && rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("catalog.search", err)
		}
		if wantCategory != "" && p.Category != wantCategory {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("catalog.search", fmt.Errorf("%w: %w", domain.ErrCatalog, err))
	}

	span.SetAttributes(tracer.IntAttr("catalog.results", len(out)))
	tracer.SetOK(span)
	c.logger.Debug("catalog search", "category", criteria.Category, "results", len(out))
	return out, nil
}

// GetByID returns a product regardless of stock.
func (c *SQLiteCatalog) GetByID(ctx context.Context, id int64) (domain.ProductInfo, bool, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = ?", id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProductInfo{}, false, nil
	}
	if err != nil {
		return domain.ProductInfo{}, false, domain.WrapOp("catalog.get", err)
	}
	return p, true, nil
}

// buildWhere ANDs one clause per supplied criterion. Terms within a
// criterion (category aliases, color variants) are ORed.
func buildWhere(c domain.SearchCriteria) (string, []any) {
	clauses := []string{"stock > 0"}
	var args []any

	anyOf := func(terms []string, columns ...string) {
		var parts []string
		for _, term := range terms {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			for _, col := range columns {
				parts = append(parts, "lower("+col+") LIKE ? ESCAPE '\\'")
				args = append(args, likePattern(term))
			}
		}
		if len(parts) > 0 {
			clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
		}
	}

	if c.Category != "" {
		anyOf(normalize.CategoryTerms(c.Category), "category", "title", "description")
	}
	if len(c.Colors) > 0 {
		anyOf(c.Colors, "colors", "title", "description")
	}
	if c.Material != "" {
		anyOf([]string{c.Material}, "materials", "title")
	}
	if c.Pattern != "" {
		anyOf([]string{c.Pattern}, "pattern", "title", "description")
	}
	if c.Keyword != "" {
		anyOf([]string{c.Keyword}, "title", "description")
	}
	if c.MinPrice != nil {
		clauses = append(clauses, effectivePriceSQL+" >= ?")
		args = append(args, *c.MinPrice)
	}
	if c.MaxPrice != nil {
		clauses = append(clauses, effectivePriceSQL+" <= ?")
		args = append(args, *c.MaxPrice)
	}
	return strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(term string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(s scanner) (domain.ProductInfo, error) {
	var (
		p                                  domain.ProductInfo
		label, colors, coverage, specsJSON string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Description, &label, &colors, &p.Material,
		&p.Pattern, &p.Price, &p.SalePrice, &coverage, &p.Stock, &specsJSON); err != nil {
		return domain.ProductInfo{}, err
	}
	if specsJSON != "" && specsJSON != "null" {
		if err := json.Unmarshal([]byte(specsJSON), &p.Specifications); err != nil {
			return domain.ProductInfo{}, fmt.Errorf("decode specifications for product %d: %w", p.ID, err)
		}
	}
	p.Category = classify(label, p.Name)
	p.Color = primaryColor(colors, p.Name)
	p.Coverage = coverage
	p.CoveragePerUnit = ParseCoverage(coverage)
	p.Unit = CoverageUnit(coverage)
	p.Discount = domain.DiscountPercentage(p.Price, p.SalePrice)
	return p, nil
}

// classify maps a stored category label (or, failing that, the title) to a
// canonical category. Unrecognized products are plain "flooring".
func classify(label, title string) string {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "carpet"), strings.Contains(l, "rug"):
		return domain.CategoryCarpets
	case strings.Contains(l, "vinyl"), strings.Contains(l, "lvt"):
		return domain.CategoryVinyl
	case strings.Contains(l, "laminate"):
		return domain.CategoryLaminate
	case strings.Contains(l, "wood"), strings.Contains(l, "timber"), strings.Contains(l, "hardwood"):
		return domain.CategoryWoodFlooring
	}

	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "carpet"):
		return domain.CategoryCarpets
	case strings.Contains(t, "vinyl"):
		return domain.CategoryVinyl
	case strings.Contains(t, "laminate"):
		return domain.CategoryLaminate
	case strings.Contains(t, "wood"):
		return domain.CategoryWoodFlooring
	}
	return "flooring"
}

var commonColors = []string{"grey", "gray", "beige", "brown", "white", "black", "oak", "walnut",
	"natural", "dark", "light", "cream", "tan", "charcoal"}

// primaryColor is the first listed color, else the first common color word
// in the title, else "Natural".
func primaryColor(colors, title string) string {
	if first, _, _ := strings.Cut(colors, ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	t := strings.ToLower(title)
	for _, c := range commonColors {
		if strings.Contains(t, c) {
			return strings.ToUpper(c[:1]) + c[1:]
		}
	}
	return "Natural"
}

var numberRe = regexp.MustCompile(`\d+\.?\d*`)

// ParseCoverage returns the first number in a free-text coverage such as
// "2.2 m² per box". It defaults to 1.0.
func ParseCoverage(coverage string) float64 {
	m := numberRe.FindString(coverage)
	if m == "" {
		return 1.0
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(m, "."), 64)
	if err != nil || v <= 0 {
		return 1.0
	}
	return v
}

// CoverageUnit is box when the coverage text mentions a box or pack.
func CoverageUnit(coverage string) domain.PricingUnit {
	c := strings.ToLower(coverage)
	if strings.Contains(c, "box") || strings.Contains(c, "pack") {
		return domain.UnitBox
	}
	return domain.UnitSquareMeter
}
