// Package normalize maps noisy user-supplied product terms onto the
// canonical values the catalog filters on.
//
// All lookups are exact matches against static tables after lower-casing and
// trimming. Input that is not in a table passes through unchanged.
package normalize

import (
	"strings"

	"floorbot/internal/domain"
)

var categoryTable = map[string]string{
	"carpet":     domain.CategoryCarpets,
	"carpets":    domain.CategoryCarpets,
	"carpat":     domain.CategoryCarpets,
	"carpats":    domain.CategoryCarpets,
	"carpett":    domain.CategoryCarpets,
	"carpit":     domain.CategoryCarpets,
	"carpeting":  domain.CategoryCarpets,
	"carpetting": domain.CategoryCarpets,
	"rug":        domain.CategoryCarpets,
	"rugs":       domain.CategoryCarpets,

	"vinyl":          domain.CategoryVinyl,
	"vinyls":         domain.CategoryVinyl,
	"vynil":          domain.CategoryVinyl,
	"vinly":          domain.CategoryVinyl,
	"vinil":          domain.CategoryVinyl,
	"vinal":          domain.CategoryVinyl,
	"lvt":            domain.CategoryVinyl,
	"luxury vinyl":   domain.CategoryVinyl,
	"vinyl flooring": domain.CategoryVinyl,

	"laminate":          domain.CategoryLaminate,
	"laminates":         domain.CategoryLaminate,
	"laminat":           domain.CategoryLaminate,
	"lamnate":           domain.CategoryLaminate,
	"laminte":           domain.CategoryLaminate,
	"lamenate":          domain.CategoryLaminate,
	"laminate flooring": domain.CategoryLaminate,

	"wood":            domain.CategoryWoodFlooring,
	"wooden":          domain.CategoryWoodFlooring,
	"hardwood":        domain.CategoryWoodFlooring,
	"hard wood":       domain.CategoryWoodFlooring,
	"timber":          domain.CategoryWoodFlooring,
	"engineered wood": domain.CategoryWoodFlooring,
	"wood floor":      domain.CategoryWoodFlooring,
	"wood flooring":   domain.CategoryWoodFlooring,
	"wood floors":     domain.CategoryWoodFlooring,
}

// categoryAliases are the extra terms a catalog record may use for a
// canonical category in its label, title or description.
var categoryAliases = map[string][]string{
	domain.CategoryCarpets:      {"carpet", "rug"},
	domain.CategoryVinyl:        {"vinyl", "lvt", "luxury vinyl"},
	domain.CategoryLaminate:     {"laminate"},
	domain.CategoryWoodFlooring: {"wood", "hardwood", "engineered wood", "timber"},
}

var colorTable = map[string][]string{
	"grey":        {"grey", "gray"},
	"gray":        {"grey", "gray"},
	"light grey":  {"light grey", "light gray"},
	"light gray":  {"light grey", "light gray"},
	"dark grey":   {"dark grey", "dark gray"},
	"dark gray":   {"dark grey", "dark gray"},
	"oak":         {"oak", "light oak", "natural oak"},
	"light oak":   {"light oak", "oak"},
	"natural oak": {"natural oak", "oak"},
	"walnut":      {"walnut", "dark walnut"},
	"beige":       {"beige", "cream", "sand"},
	"cream":       {"cream", "beige", "ivory"},
	"white":       {"white", "off-white", "ivory"},
	"black":       {"black", "charcoal"},
	"charcoal":    {"charcoal", "black", "dark grey", "dark gray"},
	"brown":       {"brown", "chocolate", "walnut"},
}

var materialTable = map[string]string{
	"poly":           "polypropylene",
	"polyprop":       "polypropylene",
	"polypropylene":  "polypropylene",
	"pp":             "polypropylene",
	"nylon":          "nylon",
	"polyamide":      "nylon",
	"wool":           "wool",
	"woollen":        "wool",
	"woolen":         "wool",
	"wool blend":     "wool",
	"polyester":      "polyester",
	"pvc":            "pvc",
	"vinyl":          "pvc",
	"hdf":            "hdf",
	"oak":            "oak",
	"solid oak":      "oak",
	"engineered oak": "oak",
}

var patternTable = map[string]string{
	"plain":        "plain",
	"solid":        "plain",
	"stripe":       "striped",
	"stripes":      "striped",
	"striped":      "striped",
	"stripy":       "striped",
	"geometric":    "geometric",
	"geo":          "geometric",
	"herringbone":  "herringbone",
	"herring bone": "herringbone",
	"chevron":      "chevron",
	"tile":         "tile effect",
	"tile effect":  "tile effect",
	"stone":        "stone effect",
	"stone effect": "stone effect",
	"wood effect":  "wood effect",
	"wood grain":   "wood effect",
	"patterned":    "patterned",
}

func key(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Category returns one of the four canonical categories for a known
// spelling, synonym or typo. Unknown input is returned unchanged.
func Category(raw string) string {
	if c, ok := categoryTable[key(raw)]; ok {
		return c
	}
	return raw
}

// IsCanonicalCategory reports whether c is one of the canonical categories.
func IsCanonicalCategory(c string) bool {
	_, ok := categoryAliases[c]
	return ok
}

// CategoryTerms returns every term that identifies a canonical category in
// catalog text, the canonical name first. Non-canonical input yields itself.
func CategoryTerms(category string) []string {
	aliases, ok := categoryAliases[category]
	if !ok {
		return []string{category}
	}
	terms := make([]string, 0, len(aliases)+1)
	terms = append(terms, category)
	for _, a := range aliases {
		if a != category {
			terms = append(terms, a)
		}
	}
	return terms
}

// Colors returns the set of acceptable spellings for a color. Unknown colors
// yield a singleton containing the input. Empty input yields nil.
func Colors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if set, ok := colorTable[key(raw)]; ok {
		out := make([]string, len(set))
		copy(out, set)
		return out
	}
	return []string{raw}
}

// Material returns the canonical material name. Unknown input is returned unchanged.
func Material(raw string) string {
	if m, ok := materialTable[key(raw)]; ok {
		return m
	}
	return raw
}

// Pattern returns the canonical pattern name. Unknown input is returned unchanged.
func Pattern(raw string) string {
	if p, ok := patternTable[key(raw)]; ok {
		return p
	}
	return raw
}

// Criteria builds catalog criteria from raw tool or query input.
func Criteria(category, color, material, pattern string) domain.SearchCriteria {
	c := domain.SearchCriteria{Colors: Colors(color)}
	if strings.TrimSpace(category) != "" {
		c.Category = Category(category)
	}
	if strings.TrimSpace(material) != "" {
		c.Material = Material(material)
	}
	if strings.TrimSpace(pattern) != "" {
		c.Pattern = Pattern(pattern)
	}
	return c
}
