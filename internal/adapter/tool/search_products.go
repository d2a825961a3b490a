package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
	"floorbot/internal/usecase/normalize"
)

// maxDescription bounds product descriptions in tool output.
const maxDescription = 200

// SearchProductsTool finds in-stock products from normalized shopper criteria.
type SearchProductsTool struct {
	catalog domain.Catalog
	logger  *slog.Logger
}

// NewSearchProductsTool creates the search_products tool.
func NewSearchProductsTool(catalog domain.Catalog, logger *slog.Logger) *SearchProductsTool {
	return &SearchProductsTool{catalog: catalog, logger: logger}
}

func (t *SearchProductsTool) Name() string { return NameSearchProducts }
func (t *SearchProductsTool) Description() string {
	return "Search flooring products by type, color, material, pattern and maximum price."
}

func (t *SearchProductsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"product_type": {
					"type": "string",
					"description": "Type of flooring: carpets, vinyl, laminate, wood flooring"
				},
				"color": {"type": "string", "description": "Preferred color"},
				"material": {"type": "string", "description": "Material type (e.g., wool, polypropylene)"},
				"pattern": {"type": "string", "description": "Pattern (e.g., herringbone, striped, plain)"},
				"max_price": {"type": "number", "minimum": 0, "description": "Maximum price per unit"}
			}
		}`),
	}
}

type searchParams struct {
	ProductType string   `json:"product_type"`
	Color       string   `json:"color"`
	Material    string   `json:"material"`
	Pattern     string   `json:"pattern"`
	MaxPrice    *float64 `json:"max_price"`
}

// ProductDisplay is a product as shown to the model.
type ProductDisplay struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Category    string             `json:"category"`
	Price       float64            `json:"price"`
	Unit        domain.PricingUnit `json:"unit"`
	Coverage    float64            `json:"coverage"`
	Discount    float64            `json:"discount"`
	Stock       int                `json:"stock"`
	Description string             `json:"description"`
}

// NewProductDisplay projects p for tool output. Price is the effective price.
func NewProductDisplay(p domain.ProductInfo) ProductDisplay {
	return ProductDisplay{
		ID:          p.ID,
		Name:        p.Name,
		Category:    p.Category,
		Price:       p.EffectivePrice(),
		Unit:        p.Unit,
		Coverage:    p.CoveragePerUnit,
		Discount:    p.Discount,
		Stock:       p.Stock,
		Description: clip(p.Description, maxDescription),
	}
}

// SearchOutput is the search_products result body.
type SearchOutput struct {
	Products []ProductDisplay `json:"products"`
	Count    int              `json:"count"`
}

func (t *SearchProductsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_products", t.logger, params,
		func(ctx context.Context, span trace.Span, p searchParams) (any, error) {
			criteria := normalize.Criteria(p.ProductType, p.Color, p.Material, p.Pattern)
			criteria.MaxPrice = p.MaxPrice
			if criteria.IsEmpty() {
				return nil, domain.NewDomainError("search_products", domain.ErrToolArgument,
					"at least one search criterion is required")
			}
			span.SetAttributes(tracer.StringAttr("search.category", criteria.Category))

			products, err := t.catalog.Search(ctx, criteria)
			if err != nil {
				return nil, err
			}
			out := SearchOutput{Products: make([]ProductDisplay, 0, len(products)), Count: len(products)}
			for _, prod := range products {
				out.Products = append(out.Products, NewProductDisplay(prod))
			}
			span.SetAttributes(tracer.IntAttr("search.results", out.Count))
			return JSONResult(out, products)
		})
}

// clip shortens s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
