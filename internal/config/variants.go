package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lox/coinflip/internal/contest"
)

// Catalog is the set of named contest presets clients may ask for.
type Catalog struct {
	def    string
	order  []string
	byName map[string]contest.Variant
}

type catalogFile struct {
	Default  string        `yaml:"default"`
	Variants []variantYAML `yaml:"variants"`
}

type variantYAML struct {
	Name                 string `yaml:"name"`
	Mode                 string `yaml:"mode"`
	Capacity             int    `yaml:"capacity"`
	MaxRounds            int    `yaml:"max_rounds"`
	EliminationsPerRound int    `yaml:"eliminations_per_round"`
	TurnTimeout          string `yaml:"turn_timeout"`
	RevealDelay          string `yaml:"reveal_delay"`
}

// DefaultCatalog holds the built-in presets with duel-bo3 as the default.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog("duel-bo3", contest.DefaultVariants())
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates variants and indexes them by name.
func NewCatalog(def string, variants []contest.Variant) (*Catalog, error) {
	if len(variants) == 0 {
		return nil, errors.New("variant catalog is empty")
	}
	c := &Catalog{byName: make(map[string]contest.Variant, len(variants))}
	for _, v := range variants {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byName[v.Name]; dup {
			return nil, fmt.Errorf("duplicate variant %q", v.Name)
		}
		c.byName[v.Name] = v
		c.order = append(c.order, v.Name)
	}
	if def == "" {
		def = c.order[0]
	}
	if _, ok := c.byName[def]; !ok {
		return nil, fmt.Errorf("default variant %q is not in the catalog", def)
	}
	c.def = def
	return c, nil
}

// LoadCatalog reads a YAML catalog. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variants: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse variants: %w", err)
	}
	variants := make([]contest.Variant, 0, len(file.Variants))
	for _, y := range file.Variants {
		v := contest.Variant{
			Name:                 y.Name,
			Mode:                 contest.Mode(y.Mode),
			Capacity:             y.Capacity,
			MaxRounds:            y.MaxRounds,
			EliminationsPerRound: y.EliminationsPerRound,
		}
		if v.Mode == contest.ModeDuel && v.Capacity == 0 {
			v.Capacity = 2
		}
		var err error
		if v.TurnTimeout, err = parseDuration(y.TurnTimeout, 30*time.Second); err != nil {
			return nil, fmt.Errorf("variant %s: turn_timeout: %w", y.Name, err)
		}
		if v.RevealDelay, err = parseDuration(y.RevealDelay, 0); err != nil {
			return nil, fmt.Errorf("variant %s: reveal_delay: %w", y.Name, err)
		}
		variants = append(variants, v)
	}
	return NewCatalog(file.Default, variants)
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Lookup returns the named variant. An empty name means the default.
func (c *Catalog) Lookup(name string) (contest.Variant, bool) {
	if name == "" {
		name = c.def
	}
	v, ok := c.byName[name]
	return v, ok
}

// SetDefault changes the preset used when a client names none.
func (c *Catalog) SetDefault(name string) error {
	if _, ok := c.byName[name]; !ok {
		return fmt.Errorf("default variant %q is not in the catalog", name)
	}
	c.def = name
	return nil
}

func (c *Catalog) Default() string { return c.def }

// Names returns the preset names in catalog order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}
