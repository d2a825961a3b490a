package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"floorbot/internal/domain"
	"floorbot/internal/usecase/order"
)

// ProductID accepts a JSON number or a numeric string. null decodes to 0,
// which never resolves to a product; any other value is an argument error.
type ProductID int64

func (id *ProductID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*id = 0
		return nil
	}
	s := raw
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return errBadProductID
		}
		s = strings.TrimSpace(s)
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*id = ProductID(v)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return errBadProductID
	}
	*id = ProductID(f)
	return nil
}

var errBadProductID = domain.NewDomainError("product_id", domain.ErrToolArgument,
	"product_id must be a whole number")

// CalculateAreaTool multiplies room dimensions.
type CalculateAreaTool struct {
	logger *slog.Logger
}

// NewCalculateAreaTool creates the calculate_area tool.
func NewCalculateAreaTool(logger *slog.Logger) *CalculateAreaTool {
	return &CalculateAreaTool{logger: logger}
}

func (t *CalculateAreaTool) Name() string { return NameCalculateArea }
func (t *CalculateAreaTool) Description() string {
	return "Calculate the floor area of a room from its width and length in meters."
}

func (t *CalculateAreaTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"width": {"type": "number", "description": "Room width in meters"},
				"length": {"type": "number", "description": "Room length in meters"}
			},
			"required": ["width", "length"]
		}`),
	}
}

type areaParams struct {
	Width  *float64 `json:"width"`
	Length *float64 `json:"length"`
}

// AreaOutput is the calculate_area result body.
type AreaOutput struct {
	Width  float64 `json:"width"`
	Length float64 `json:"length"`
	Area   float64 `json:"area"`
	Unit   string  `json:"unit"`
}

func (t *CalculateAreaTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.calculate_area", t.logger, params,
		func(_ context.Context, _ trace.Span, p areaParams) (any, error) {
			if p.Width == nil || p.Length == nil {
				return nil, domain.NewDomainError("calculate_area", domain.ErrToolArgument,
					"width and length are required")
			}
			if *p.Width <= 0 || *p.Length <= 0 {
				return nil, domain.NewDomainError("calculate_area", domain.ErrToolArgument,
					"width and length must be positive")
			}
			return AreaOutput{
				Width:  *p.Width,
				Length: *p.Length,
				Area:   order.Area(*p.Width, *p.Length),
				Unit:   "square meters",
			}, nil
		})
}

// CalculateQuantityTool works out how many units of a product cover an area.
type CalculateQuantityTool struct {
	calc   *order.Calculator
	logger *slog.Logger
}

// NewCalculateQuantityTool creates the calculate_quantity tool.
func NewCalculateQuantityTool(calc *order.Calculator, logger *slog.Logger) *CalculateQuantityTool {
	return &CalculateQuantityTool{calc: calc, logger: logger}
}

func (t *CalculateQuantityTool) Name() string { return NameCalculateQuantity }
func (t *CalculateQuantityTool) Description() string {
	return "Calculate how many boxes or square meters of a product are needed for an area."
}

func (t *CalculateQuantityTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"product_id": {"type": ["integer", "string"], "description": "Product ID"},
				"area": {"type": "number", "description": "Area in square meters"}
			},
			"required": ["product_id", "area"]
		}`),
	}
}

type quantityParams struct {
	ProductID ProductID `json:"product_id"`
	Area      *float64  `json:"area"`
}

// QuantityOutput is the calculate_quantity result body.
type QuantityOutput struct {
	ProductID       int64              `json:"product_id"`
	ProductName     string             `json:"product_name"`
	Area            float64            `json:"area"`
	Quantity        float64            `json:"quantity"`
	Unit            domain.PricingUnit `json:"unit"`
	CoveragePerUnit float64            `json:"coverage_per_unit"`
}

func (t *CalculateQuantityTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.calculate_quantity", t.logger, params,
		func(ctx context.Context, _ trace.Span, p quantityParams) (any, error) {
			if p.Area == nil || *p.Area <= 0 {
				return nil, domain.NewDomainError("calculate_quantity", domain.ErrToolArgument,
					"area must be a positive number")
			}
			prod, ok, err := t.calc.Product(ctx, int64(p.ProductID))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, domain.ErrProductNotFound
			}
			return QuantityOutput{
				ProductID:       prod.ID,
				ProductName:     prod.Name,
				Area:            *p.Area,
				Quantity:        order.QuantityNeeded(*p.Area, prod),
				Unit:            prod.Unit,
				CoveragePerUnit: prod.CoveragePerUnit,
			}, nil
		})
}
