package provider

import (
	"fmt"
	"math"
	"os"

	"reel-server/internal/models"

	"gopkg.in/yaml.v3"
)

// Price converts usage units into cost. All amounts are in micros of the
// billing currency. Text units are tokens, image output units are images and
// video output units are seconds of footage.
type Price struct {
	CallMicros          int64   `yaml:"call_micros"`
	InputMicrosPerUnit  float64 `yaml:"input_micros_per_unit"`
	OutputMicrosPerUnit float64 `yaml:"output_micros_per_unit"`
}

// Pricing is the price table. Models overrides Defaults for a named model.
type Pricing struct {
	Defaults map[models.ProviderKind]Price `yaml:"defaults"`
	Models   map[string]Price              `yaml:"models"`
}

// DefaultPricing is used when no pricing file is configured.
func DefaultPricing() *Pricing {
	return &Pricing{
		Defaults: map[models.ProviderKind]Price{
			models.ProviderText:  {InputMicrosPerUnit: 0.15, OutputMicrosPerUnit: 0.6},
			models.ProviderImage: {CallMicros: 40_000},
			models.ProviderVideo: {OutputMicrosPerUnit: 70_000},
		},
		Models: map[string]Price{},
	}
}

// LoadPricing reads a YAML price table. An empty path yields DefaultPricing.
// Missing provider defaults are filled from DefaultPricing.
func LoadPricing(path string) (*Pricing, error) {
	if path == "" {
		return DefaultPricing(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}
	return ParsePricing(raw)
}

// ParsePricing decodes a YAML price table.
func ParsePricing(raw []byte) (*Pricing, error) {
	var p Pricing
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pricing: %w", err)
	}
	defaults := DefaultPricing()
	if p.Defaults == nil {
		p.Defaults = map[models.ProviderKind]Price{}
	}
	for kind, price := range defaults.Defaults {
		if _, ok := p.Defaults[kind]; !ok {
			p.Defaults[kind] = price
		}
	}
	if p.Models == nil {
		p.Models = map[string]Price{}
	}
	for kind := range p.Defaults {
		switch kind {
		case models.ProviderText, models.ProviderImage, models.ProviderVideo:
		default:
			return nil, fmt.Errorf("unknown provider '%s' in pricing", kind)
		}
	}
	return &p, nil
}

// Cost prices one call.
func (p *Pricing) Cost(kind models.ProviderKind, model string, inputUnits, outputUnits int64) int64 {
	price, ok := p.Models[model]
	if !ok {
		price = p.Defaults[kind]
	}
	variable := float64(inputUnits)*price.InputMicrosPerUnit + float64(outputUnits)*price.OutputMicrosPerUnit
	return price.CallMicros + int64(math.Round(variable))
}
