package tool

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"floorbot/internal/domain"
)

// The closed set of tools the assistant may call.
const (
	NameSearchProducts     = "search_products"
	NameCalculateArea      = "calculate_area"
	NameCalculateQuantity  = "calculate_quantity"
	NameCreateOrderSummary = "create_order_summary"
)

// KnownNames lists the closed tool set in declaration order.
var KnownNames = []string{NameSearchProducts, NameCalculateArea, NameCalculateQuantity, NameCreateOrderSummary}

// Registry holds the assistant's tools. Only names in KnownNames can be
// registered; lookups for anything else fail with domain.ErrToolNotFound.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
// If logger is non-nil, tools are wrapped with schema validation on Register;
// compilation errors are logged and the tool is registered unwrapped.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds a tool. Returns error if the name is not in the closed set
// or already registered.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if !slices.Contains(KnownNames, name) {
		return fmt.Errorf("tool %q is not an assistant tool", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	if r.logger != nil {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool",
				"tool", name, "error", err)
		} else {
			t = wrapped
		}
	}

	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// List returns registered tools in declaration order.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.tools))
	for _, name := range KnownNames {
		if t, ok := r.tools[name]; ok {
			tools = append(tools, t)
		}
	}
	return tools
}

// Schemas returns tool schemas for LLM function-calling, in declaration order.
func (r *Registry) Schemas() []domain.ToolSchema {
	tools := r.List()
	schemas := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, t.Schema())
	}
	return schemas
}
