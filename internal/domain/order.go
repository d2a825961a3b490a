package domain

import "fmt"

// Order defaults.
const (
	DefaultTaxRate     = 0.10
	DefaultDeliveryFee = 0.0
)

// OrderItem is a priced line derived from a product snapshot.
// Monetary fields are kept unrounded; rounding happens in ToDisplay.
type OrderItem struct {
	Product        ProductInfo `json:"product"`
	Quantity       float64     `json:"quantity"`
	AreaCovered    float64     `json:"area_covered"`
	UnitPrice      float64     `json:"unit_price"`
	Subtotal       float64     `json:"subtotal"`
	DiscountAmount float64     `json:"discount_amount"`
	Total          float64     `json:"total"`
}

// OrderSummary aggregates order items with tax and delivery.
type OrderSummary struct {
	Reference   string      `json:"reference,omitempty"`
	Items       []OrderItem `json:"items"`
	Subtotal    float64     `json:"subtotal"`
	Discount    float64     `json:"discount"`
	TaxRate     float64     `json:"tax_rate"`
	Tax         float64     `json:"tax"`
	DeliveryFee float64     `json:"delivery_fee"`
	GrandTotal  float64     `json:"grand_total"`
}

// OrderItemDisplay is the presentation form of an OrderItem.
type OrderItemDisplay struct {
	ProductID   int64       `json:"product_id"`
	ProductName string      `json:"product_name"`
	Quantity    float64     `json:"quantity"`
	Unit        PricingUnit `json:"unit"`
	AreaCovered string      `json:"area_covered"`
	UnitPrice   string      `json:"unit_price"`
	Subtotal    string      `json:"subtotal"`
	Discount    string      `json:"discount"`
	Total       string      `json:"total"`
}

// OrderTotalsDisplay is the presentation form of the summary totals.
type OrderTotalsDisplay struct {
	Subtotal   string `json:"subtotal"`
	Discount   string `json:"discount"`
	Tax        string `json:"tax"`
	Delivery   string `json:"delivery"`
	GrandTotal string `json:"grand_total"`
}

// OrderSummaryDisplay is what create_order_summary returns to the model.
type OrderSummaryDisplay struct {
	Reference string             `json:"reference,omitempty"`
	Items     []OrderItemDisplay `json:"items"`
	Summary   OrderTotalsDisplay `json:"summary"`
}

// ToDisplay renders the summary with money and area rounded to 2 decimals.
func (s OrderSummary) ToDisplay() OrderSummaryDisplay {
	items := make([]OrderItemDisplay, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, OrderItemDisplay{
			ProductID:   it.Product.ID,
			ProductName: it.Product.Name,
			Quantity:    it.Quantity,
			Unit:        it.Product.Unit,
			AreaCovered: fmt.Sprintf("%.2f m²", it.AreaCovered),
			UnitPrice:   money(it.UnitPrice),
			Subtotal:    money(it.Subtotal),
			Discount:    money(it.DiscountAmount),
			Total:       money(it.Total),
		})
	}
	return OrderSummaryDisplay{
		Reference: s.Reference,
		Items:     items,
		Summary: OrderTotalsDisplay{
			Subtotal:   money(s.Subtotal),
			Discount:   money(s.Discount),
			Tax:        money(s.Tax),
			Delivery:   money(s.DeliveryFee),
			GrandTotal: money(s.GrandTotal),
		},
	}
}

func money(v float64) string { return fmt.Sprintf("$%.2f", v) }
