package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/infra/tracer"
	"floorbot/internal/usecase/order"
)

// CreateOrderSummaryTool prices a list of order lines with tax and delivery.
type CreateOrderSummaryTool struct {
	calc   *order.Calculator
	logger *slog.Logger
}

// NewCreateOrderSummaryTool creates the create_order_summary tool.
func NewCreateOrderSummaryTool(calc *order.Calculator, logger *slog.Logger) *CreateOrderSummaryTool {
	return &CreateOrderSummaryTool{calc: calc, logger: logger}
}

func (t *CreateOrderSummaryTool) Name() string { return NameCreateOrderSummary }
func (t *CreateOrderSummaryTool) Description() string {
	return "Create an order summary with line totals, discounts, tax and delivery."
}

func (t *CreateOrderSummaryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"items": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"product_id": {"type": ["integer", "string"]},
							"quantity": {"type": "number"}
						},
						"required": ["product_id", "quantity"]
					}
				}
			},
			"required": ["items"]
		}`),
	}
}

type summaryParams struct {
	Items []struct {
		ProductID ProductID `json:"product_id"`
		Quantity  float64   `json:"quantity"`
	} `json:"items"`
}

func (t *CreateOrderSummaryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.create_order_summary", t.logger, params,
		func(ctx context.Context, span trace.Span, p summaryParams) (any, error) {
			lines := make([]order.Line, 0, len(p.Items))
			for _, it := range p.Items {
				if it.Quantity <= 0 {
					continue
				}
				lines = append(lines, order.Line{ProductID: int64(it.ProductID), Quantity: it.Quantity})
			}
			summary, err := t.calc.Summary(ctx, lines)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(
				tracer.IntAttr("order.items", len(summary.Items)),
				tracer.StringAttr("order.reference", summary.Reference),
			)
			return JSONResult(summary.ToDisplay(), &summary)
		})
}
