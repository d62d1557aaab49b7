// Package rules holds the closed, versioned enumeration of regulatory rule
// identifiers referenced by agent verdicts.
//
// Rule identifiers are configuration, not free text: a verdict may only
// reference rules present in the loaded catalog, and each rule carries
// explicit severity metadata (red-flag vs informational). Adding a rule is
// a catalog change, never a code change.
package rules

import (
	"fmt"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Severity classifies the consequence of violating a rule.
type Severity string

const (
	// SeverityRedFlag forces a blocking outcome irrespective of averaged score.
	SeverityRedFlag Severity = "RED_FLAG"
	// SeverityInformational contributes to scoring without forcing a block.
	SeverityInformational Severity = "INFORMATIONAL"
)

// Rule is a single catalog entry.
type Rule struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Severity Severity `yaml:"severity" json:"severity"`
}

// Catalog is an immutable, versioned set of rules.
type Catalog struct {
	version *semver.Version
	rules   map[string]Rule
}

type catalogFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// New builds a catalog from a semver version string and a rule list.
func New(version string, rules []Rule) (*Catalog, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("rules: invalid catalog version %q: %w", version, err)
	}
	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rules: rule with empty id")
		}
		if r.Severity != SeverityRedFlag && r.Severity != SeverityInformational {
			return nil, fmt.Errorf("rules: rule %s has unknown severity %q", r.ID, r.Severity)
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("rules: duplicate rule id %s", r.ID)
		}
		byID[r.ID] = r
	}
	return &Catalog{version: v, rules: byID}, nil
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: load catalog %q: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: parse catalog %q: %w", path, err)
	}
	return New(f.Version, f.Rules)
}

// Version returns the catalog's semantic version.
func (c *Catalog) Version() *semver.Version { return c.version }

// Get returns the rule for id, if present.
func (c *Catalog) Get(id string) (Rule, bool) {
	r, ok := c.rules[id]
	return r, ok
}

// IsRedFlag reports whether id is a known red-flag rule.
// Unknown identifiers are not red flags; they fail Check instead.
func (c *Catalog) IsRedFlag(id string) bool {
	r, ok := c.rules[id]
	return ok && r.Severity == SeverityRedFlag
}

// Check verifies that every referenced rule id exists in the catalog.
func (c *Catalog) Check(refs []string) error {
	for _, id := range refs {
		if _, ok := c.rules[id]; !ok {
			return fmt.Errorf("rules: unknown rule reference %q (catalog %s)", id, c.version)
		}
	}
	return nil
}

// IDs returns all rule identifiers in lexical order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.rules))
	for id := range c.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default returns the built-in catalog used when no file is configured.
// Identifiers follow the Spanish corporate income tax deducibility rules
// the review workflow is built around.
func Default() *Catalog {
	c, err := New("1.0.0", []Rule{
		{ID: "LIS-15.e", Title: "Donativos y liberalidades", Severity: SeverityInformational},
		{ID: "LIS-16", Title: "Limitación gastos financieros", Severity: SeverityInformational},
		{ID: "LIS-18", Title: "Operaciones vinculadas: valor de mercado", Severity: SeverityInformational},
		{ID: "RIS-5", Title: "Soporte documental del servicio", Severity: SeverityInformational},
		{ID: "BENEFIT-TEST", Title: "Test de beneficio económico", Severity: SeverityInformational},
		{ID: "SUPPLIER-PRESUMED", Title: "Proveedor en lista presunta", Severity: SeverityInformational},
		{ID: "SUPPLIER-DEFINITIVE", Title: "Proveedor en lista definitiva", Severity: SeverityRedFlag},
		{ID: "INVOICE-FALSITY", Title: "Indicios de facturación irregular", Severity: SeverityRedFlag},
		{ID: "NO-MATERIALITY", Title: "Ausencia total de evidencia material", Severity: SeverityRedFlag},
	})
	if err != nil {
		panic(err) // built-in catalog must be well-formed
	}
	return c
}
