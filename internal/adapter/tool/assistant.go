package tool

import (
	"log/slog"

	"floorbot/internal/domain"
	"floorbot/internal/usecase/order"
)

// NewAssistantRegistry registers the four assistant tools, each wrapped
// with schema validation.
func NewAssistantRegistry(catalog domain.Catalog, calc *order.Calculator, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(logger)
	for _, t := range []domain.Tool{
		NewSearchProductsTool(catalog, logger),
		NewCalculateAreaTool(logger),
		NewCalculateQuantityTool(calc, logger),
		NewCreateOrderSummaryTool(calc, logger),
	} {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
