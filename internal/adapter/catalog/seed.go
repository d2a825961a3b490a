package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"floorbot/internal/domain"
)

//go:embed seed_schema.json
var seedSchema []byte

// Seed is a catalog import document.
type Seed struct {
	Products []Product `yaml:"products" json:"products"`
}

// LoadSeed reads a YAML seed file and validates it against the seed schema.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML (or JSON) seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse seed: %w", domain.ErrInvalidInput, err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: seed is not JSON-compatible: %w", domain.ErrInvalidInput, err)
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse seed: %w", domain.ErrInvalidInput, err)
	}
	if err := validateSeed(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("%w: decode seed: %w", domain.ErrInvalidInput, err)
	}
	seen := make(map[int64]bool, len(seed.Products))
	for _, p := range seed.Products {
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate product id %d", domain.ErrInvalidInput, p.ID)
		}
		seen[p.ID] = true
	}
	return &seed, nil
}

func validateSeed(doc any) error {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(seedSchema)
	if err != nil {
		return fmt.Errorf("invalid seed schema: %w", err)
	}
	result := schema.Validate(doc)
	if !result.IsValid() {
		return fmt.Errorf("seed does not match schema: %s", result.Error())
	}
	return nil
}

// Importer loads a seed file into a catalog.
type Importer struct {
	catalog *SQLiteCatalog
	path    string
	logger  *slog.Logger
}

// NewImporter creates an importer for the seed file at path.
func NewImporter(catalog *SQLiteCatalog, path string, logger *slog.Logger) *Importer {
	return &Importer{catalog: catalog, path: path, logger: logger}
}

// Import validates the seed file and upserts its products. It returns the
// number of products imported.
func (im *Importer) Import(ctx context.Context) (int, error) {
	seed, err := LoadSeed(im.path)
	if err != nil {
		return 0, domain.WrapOp("catalog.import", err)
	}
	if err := im.catalog.Upsert(ctx, seed.Products); err != nil {
		return 0, err
	}
	im.logger.Info("catalog imported", "path", im.path, "products", len(seed.Products))
	return len(seed.Products), nil
}

// Run is Import shaped as a scheduler action.
func (im *Importer) Run(ctx context.Context) error {
	_, err := im.Import(ctx)
	return err
}
