package domain

import "context"

// PricingUnit says whether a product is sold by area or by pack/box.
type PricingUnit string

const (
	UnitSquareMeter PricingUnit = "m2"
	UnitBox         PricingUnit = "box"
)

// Canonical product categories the assistant reasons about.
const (
	CategoryCarpets      = "carpets"
	CategoryVinyl        = "vinyl"
	CategoryLaminate     = "laminate"
	CategoryWoodFlooring = "wood flooring"
)

// DefaultSearchLimit bounds how many products a single search returns.
const DefaultSearchLimit = 10

// ProductInfo is the read projection of a catalog product.
// It is recomputed on every fetch and never persisted by the assistant.
type ProductInfo struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Category        string            `json:"category"`
	Color           string            `json:"color"`
	Material        string            `json:"material"`
	Pattern         string            `json:"pattern,omitempty"`
	Price           float64           `json:"price"`
	SalePrice       float64           `json:"sale_price"`
	Unit            PricingUnit       `json:"unit"`
	Coverage        string            `json:"coverage,omitempty"`
	CoveragePerUnit float64           `json:"coverage_per_unit"`
	Stock           int               `json:"stock"`
	Discount        float64           `json:"discount_percentage"`
	Description     string            `json:"description"`
	Specifications  map[string]string `json:"specifications,omitempty"`
}

// EffectivePrice is the sale price when one is set, else the list price.
func (p ProductInfo) EffectivePrice() float64 {
	if p.SalePrice > 0 {
		return p.SalePrice
	}
	return p.Price
}

// SoldByBox reports whether quantities are whole packs/boxes.
func (p ProductInfo) SoldByBox() bool { return p.Unit == UnitBox }

// DiscountPercentage derives the discount from list and sale prices,
// rounded to 2 decimals. Zero when there is no sale or the sale is not lower.
func DiscountPercentage(list, sale float64) float64 {
	if sale <= 0 || list <= 0 || sale >= list {
		return 0
	}
	return RoundHalfUp((list-sale)/list*100, 2)
}

// SearchCriteria narrows a catalog search. Empty fields do not filter.
// Colors is a synonym set: a product matches if any variant matches.
type SearchCriteria struct {
	Category string
	Colors   []string
	Material string
	Pattern  string
	Keyword  string
	MinPrice *float64
	MaxPrice *float64
	Limit    int
}

// IsEmpty reports whether no criterion was supplied.
func (c SearchCriteria) IsEmpty() bool {
	return c.Category == "" && len(c.Colors) == 0 && c.Material == "" &&
		c.Pattern == "" && c.Keyword == "" && c.MinPrice == nil && c.MaxPrice == nil
}

// Catalog is the read side of the product store.
type Catalog interface {
	// Search returns in-stock products matching every supplied criterion.
	Search(ctx context.Context, criteria SearchCriteria) ([]ProductInfo, error)
	// GetByID returns the product and true, or false when it does not exist.
	GetByID(ctx context.Context, id int64) (ProductInfo, bool, error)
}
