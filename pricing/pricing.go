/*
Package pricing provides the service prices the billing core charges.

PURPOSE:
  Bed space, consultation, treatment session and lab/radiology prices live
  in a service catalogue owned by a collaborating system. Billing code asks
  a Provider instead of looking rows up by name, so tests run with fixed
  prices and production can back the Provider with anything.

JSON SCHEMA:
  {
    "bed_space": "500",
    "consultation_fee": "1000",
    "treatment_session_fee": "1000",
    "services": [
      {"name": "Malaria Parasite", "price": "1500"},
      {"name": "Chest X-Ray", "price": "4000"}
    ]
  }

  Omitted fees keep their defaults. Service names are matched
  case-insensitively after trimming.

USAGE:
  cat, err := pricing.LoadFile("prices.json")
  engine := settlement.NewEngine(store, cat, logger)

SEE ALSO:
  - config/config.go: env overrides for the three fixed fees
*/
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// Provider supplies prices to the billing engines.
type Provider interface {
	BedSpacePrice(ctx context.Context) (decimal.Decimal, error)
	ConsultationFee(ctx context.Context) (decimal.Decimal, error)
	TreatmentSessionFee(ctx context.Context) (decimal.Decimal, error)
	// ServicePrice returns the price of a lab or radiology service by name.
	ServicePrice(ctx context.Context, name string) (decimal.Decimal, error)
}

// Defaults used when the catalogue does not say otherwise.
var (
	DefaultBedSpacePrice       = decimal.NewFromInt(500)
	DefaultConsultationFee     = decimal.NewFromInt(1000)
	DefaultTreatmentSessionFee = decimal.NewFromInt(1000)
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogueJSON is the JSON representation of a catalogue.
type CatalogueJSON struct {
	BedSpace            *decimal.Decimal `json:"bed_space,omitempty"`
	ConsultationFee     *decimal.Decimal `json:"consultation_fee,omitempty"`
	TreatmentSessionFee *decimal.Decimal `json:"treatment_session_fee,omitempty"`
	Services            []ServiceJSON    `json:"services" validate:"dive"`
}

// ServiceJSON is one priced service.
type ServiceJSON struct {
	Name  string          `json:"name" validate:"required"`
	Price decimal.Decimal `json:"price"`
}

// =============================================================================
// CATALOGUE
// =============================================================================

// Catalogue is an in-memory Provider.
type Catalogue struct {
	bedSpace     decimal.Decimal
	consultation decimal.Decimal
	session      decimal.Decimal
	services     map[string]decimal.Decimal
}

var _ Provider = (*Catalogue)(nil)

// NewCatalogue returns a catalogue with default fees and no services.
func NewCatalogue() *Catalogue {
	return &Catalogue{
		bedSpace:     DefaultBedSpacePrice,
		consultation: DefaultConsultationFee,
		session:      DefaultTreatmentSessionFee,
		services:     make(map[string]decimal.Decimal),
	}
}

var validate = validator.New()

// Parse builds a catalogue from JSON.
func Parse(data []byte) (*Catalogue, error) {
	var doc CatalogueJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid price catalogue JSON: %w", err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid price catalogue: %w", err)
	}

	c := NewCatalogue()
	for _, fee := range []struct {
		name string
		val  *decimal.Decimal
		dst  *decimal.Decimal
	}{
		{"bed_space", doc.BedSpace, &c.bedSpace},
		{"consultation_fee", doc.ConsultationFee, &c.consultation},
		{"treatment_session_fee", doc.TreatmentSessionFee, &c.session},
	} {
		if fee.val == nil {
			continue
		}
		if fee.val.IsNegative() {
			return nil, fmt.Errorf("invalid price catalogue: %s must not be negative", fee.name)
		}
		*fee.dst = ledger.Money(*fee.val)
	}

	for _, svc := range doc.Services {
		if err := c.SetService(svc.Name, svc.Price); err != nil {
			return nil, fmt.Errorf("invalid price catalogue: %w", err)
		}
	}
	return c, nil
}

// LoadFile reads and parses a JSON catalogue.
func LoadFile(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price catalogue: %w", err)
	}
	return Parse(data)
}

// SetService adds a service price. Names must be unique.
func (c *Catalogue) SetService(name string, price decimal.Decimal) error {
	key := serviceKey(name)
	if key == "" {
		return fmt.Errorf("service name is required")
	}
	if _, dup := c.services[key]; dup {
		return fmt.Errorf("service %q listed twice", name)
	}
	if price.IsNegative() {
		return fmt.Errorf("service %q has a negative price", name)
	}
	c.services[key] = ledger.Money(price)
	return nil
}

// Override replaces the fixed fees that are non-nil.
func (c *Catalogue) Override(bedSpace, consultation, session *decimal.Decimal) {
	if bedSpace != nil {
		c.bedSpace = ledger.Money(*bedSpace)
	}
	if consultation != nil {
		c.consultation = ledger.Money(*consultation)
	}
	if session != nil {
		c.session = ledger.Money(*session)
	}
}

func (c *Catalogue) BedSpacePrice(context.Context) (decimal.Decimal, error) { return c.bedSpace, nil }

func (c *Catalogue) ConsultationFee(context.Context) (decimal.Decimal, error) {
	return c.consultation, nil
}

func (c *Catalogue) TreatmentSessionFee(context.Context) (decimal.Decimal, error) {
	return c.session, nil
}

func (c *Catalogue) ServicePrice(_ context.Context, name string) (decimal.Decimal, error) {
	price, ok := c.services[serviceKey(name)]
	if !ok {
		return decimal.Zero, ledger.NotFound("service", name)
	}
	return price, nil
}

func serviceKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
