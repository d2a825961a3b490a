// Package order holds the pricing arithmetic for flooring orders: areas,
// pack quantities, discounted line items, order totals and recommendations.
package order

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/oklog/ulid/v2"

	"floorbot/internal/domain"
)

// MaxRecommendations caps Recommendations results.
const MaxRecommendations = 5

// Area returns width * length. Units are not converted.
func Area(width, length float64) float64 {
	return width * length
}

// QuantityNeeded returns how much of p covers area. Box-priced products round
// up to whole boxes; area-priced products return the area rounded to 2 decimals.
func QuantityNeeded(area float64, p domain.ProductInfo) float64 {
	if !p.SoldByBox() {
		return domain.RoundHalfUp(area, 2)
	}
	coverage := p.CoveragePerUnit
	if coverage <= 0 {
		coverage = 1
	}
	// Strip float noise first so 4.4/2.2 stays at 2 boxes.
	boxes := domain.RoundHalfUp(area/coverage, 6)
	return math.Ceil(boxes)
}

// NewItem prices quantity units of p. A positive area is recorded as the area
// covered; otherwise it is derived from the product coverage.
func NewItem(p domain.ProductInfo, quantity float64, area float64) domain.OrderItem {
	unitPrice := p.EffectivePrice()
	covered := area
	if covered <= 0 {
		covered = quantity * p.CoveragePerUnit
	}
	subtotal := unitPrice * quantity
	discount := subtotal * (p.Discount / 100)
	return domain.OrderItem{
		Product:        p,
		Quantity:       quantity,
		AreaCovered:    covered,
		UnitPrice:      unitPrice,
		Subtotal:       subtotal,
		DiscountAmount: discount,
		Total:          subtotal - discount,
	}
}

// Summarize aggregates items. Tax applies to the discounted subtotal.
func Summarize(items []domain.OrderItem, taxRate, deliveryFee float64) domain.OrderSummary {
	var subtotal, discount float64
	for _, it := range items {
		subtotal += it.Subtotal
		discount += it.DiscountAmount
	}
	net := subtotal - discount
	tax := net * taxRate
	return domain.OrderSummary{
		Items:       items,
		Subtotal:    subtotal,
		Discount:    discount,
		TaxRate:     taxRate,
		Tax:         tax,
		DeliveryFee: deliveryFee,
		GrandTotal:  net + tax + deliveryFee,
	}
}

// Line is a requested order line.
type Line struct {
	ProductID int64   `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	Area      float64 `json:"area,omitempty"`
}

// Calculator resolves products from the catalog and prices orders.
type Calculator struct {
	catalog     domain.Catalog
	taxRate     float64
	deliveryFee float64
}

// Config holds calculator settings.
type Config struct {
	TaxRate     float64
	DeliveryFee float64
}

// NewCalculator creates a calculator. A zero tax rate is kept as zero;
// callers wanting the default pass domain.DefaultTaxRate.
func NewCalculator(catalog domain.Catalog, cfg Config) *Calculator {
	return &Calculator{
		catalog:     catalog,
		taxRate:     cfg.TaxRate,
		deliveryFee: cfg.DeliveryFee,
	}
}

// Product looks a product up by id.
func (c *Calculator) Product(ctx context.Context, id int64) (domain.ProductInfo, bool, error) {
	p, ok, err := c.catalog.GetByID(ctx, id)
	if err != nil {
		return domain.ProductInfo{}, false, domain.WrapOp("Calculator.Product", err)
	}
	return p, ok, nil
}

// OrderItem prices one line. ok is false when the product does not exist;
// err is only set when the catalog itself fails.
func (c *Calculator) OrderItem(ctx context.Context, productID int64, quantity float64, area float64) (domain.OrderItem, bool, error) {
	p, ok, err := c.Product(ctx, productID)
	if err != nil || !ok {
		return domain.OrderItem{}, false, err
	}
	return NewItem(p, quantity, area), true, nil
}

// Summary prices lines with the configured tax rate and delivery fee.
// Lines whose product does not resolve are dropped; when none resolve the
// result is domain.ErrNoValidItems.
func (c *Calculator) Summary(ctx context.Context, lines []Line) (domain.OrderSummary, error) {
	items := make([]domain.OrderItem, 0, len(lines))
	for _, l := range lines {
		it, ok, err := c.OrderItem(ctx, l.ProductID, l.Quantity, l.Area)
		if err != nil {
			return domain.OrderSummary{}, err
		}
		if ok {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return domain.OrderSummary{}, domain.ErrNoValidItems
	}
	s := Summarize(items, c.taxRate, c.deliveryFee)
	s.Reference = ulid.Make().String()
	return s, nil
}

// Recommendations returns up to five in-stock products of a category,
// optionally at or under budget, best discount first.
func (c *Calculator) Recommendations(ctx context.Context, category string, budget *float64) ([]domain.ProductInfo, error) {
	if category == "" {
		return nil, fmt.Errorf("Calculator.Recommendations: category required: %w", domain.ErrInvalidInput)
	}
	products, err := c.catalog.Search(ctx, domain.SearchCriteria{
		Category: category,
		MaxPrice: budget,
		Limit:    domain.DefaultSearchLimit,
	})
	if err != nil {
		return nil, domain.WrapOp("Calculator.Recommendations", err)
	}
	if budget != nil {
		filtered := products[:0]
		for _, p := range products {
			if p.EffectivePrice() <= *budget {
				filtered = append(filtered, p)
			}
		}
		products = filtered
	}
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].Discount > products[j].Discount
	})
	if len(products) > MaxRecommendations {
		products = products[:MaxRecommendations]
	}
	return products, nil
}
