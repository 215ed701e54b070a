/*
Package factory provides JSON to Go product conversion.

PURPOSE:
  Converts JSON product definitions into validated Product values that the
  sol and tikane services can open accounts from. Products are offered to
  clients through GET /api/products; new products need no code change.

JSON SCHEMA:
  {
    "id": "sol-weekly-500",
    "name": "SOL Lakay",
    "kind": "sol",                 // sol | tikane
    "amount": "500",
    "currency": "HTG",
    "frequency": "weekly",         // daily | weekly | biweekly | monthly
    "advance_policy": "calendar",  // calendar (sol) | fixed_days (tikane)
    "mode": "fixed",               // fixed | progressive (tikane only)
    "member_limit": 10,            // sol only
    "duration": "1m",              // tikane only: 1m | 3m | 6m
    "progressive_below": "250"     // tikane only, optional
  }

DEFAULTS:
  - advance_policy follows the kind
  - mode defaults to fixed
  - member_limit defaults to sol.DefaultMemberLimit

USAGE:
  f := NewProductFactory()
  product, err := f.ParseProduct(sol.WeeklySolJSON("sol-weekly-500", "SOL Lakay", "500", "HTG", 10))
  group, err := solService.CreateGroup(ctx, owner, product.GroupInput("Fanmi Jean", start))

  catalog, err := DefaultCatalog()
  product, err := catalog.Get("tk-daily-1m")

SEE ALSO:
  - sol/policies.go: SOL presets
  - tikane/policies.go: Ti Kanè presets
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/tikane"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProductJSON is the JSON representation of a product.
type ProductJSON struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Frequency        string `json:"frequency"`
	AdvancePolicy    string `json:"advance_policy,omitempty"`
	Mode             string `json:"mode,omitempty"`
	MemberLimit      int    `json:"member_limit,omitempty"`
	Duration         string `json:"duration,omitempty"`
	ProgressiveBelow string `json:"progressive_below,omitempty"`
}

// Product is a validated product definition.
type Product struct {
	ID               string
	Name             string
	Kind             generic.AccountKind
	Amount           generic.Amount
	Frequency        generic.Frequency
	Policy           generic.AdvancePolicy
	Mode             generic.AmountMode
	MemberLimit      int
	Duration         string
	ProgressiveBelow decimal.Decimal
}

// =============================================================================
// PRODUCT FACTORY
// =============================================================================

// ProductFactory converts JSON products to Go structs.
type ProductFactory struct{}

func NewProductFactory() *ProductFactory {
	return &ProductFactory{}
}

// ParseProduct parses a JSON string into a Product.
func (f *ProductFactory) ParseProduct(jsonStr string) (*Product, error) {
	var pj ProductJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse product JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates pj and fills in defaults.
func (f *ProductFactory) FromJSON(pj ProductJSON) (*Product, error) {
	if strings.TrimSpace(pj.ID) == "" {
		return nil, &generic.ValidationError{Field: "id", Reason: "required"}
	}

	currency, err := generic.ParseCurrency(pj.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := generic.ParseAmount(pj.Amount, currency)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, &generic.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	freq, err := generic.ParseFrequency(pj.Frequency)
	if err != nil {
		return nil, err
	}
	mode, err := generic.ParseAmountMode(pj.Mode)
	if err != nil {
		return nil, err
	}

	p := &Product{
		ID:        pj.ID,
		Name:      pj.Name,
		Kind:      generic.AccountKind(strings.ToLower(strings.TrimSpace(pj.Kind))),
		Amount:    amount,
		Frequency: freq,
		Mode:      mode,
	}

	switch p.Kind {
	case generic.KindSOL:
		err = f.solProduct(p, pj)
	case generic.KindTiKane:
		err = f.tiKaneProduct(p, pj)
	default:
		err = &generic.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown product kind %q", pj.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (f *ProductFactory) solProduct(p *Product, pj ProductJSON) error {
	policy, err := parsePolicy(pj.AdvancePolicy, generic.AdvanceCalendar)
	if err != nil {
		return err
	}
	if policy != generic.AdvanceCalendar {
		return &generic.ValidationError{Field: "advance_policy", Reason: "SOL payouts advance by calendar"}
	}
	if p.Mode != generic.ModeFixed {
		return &generic.ValidationError{Field: "mode", Reason: "SOL contributions are fixed"}
	}
	if pj.Duration != "" || pj.ProgressiveBelow != "" {
		return &generic.ValidationError{Field: "kind", Reason: "duration and progressive_below apply to Ti Kanè only"}
	}
	p.Policy = policy
	p.MemberLimit = pj.MemberLimit
	if p.MemberLimit == 0 {
		p.MemberLimit = sol.DefaultMemberLimit
	}
	if p.MemberLimit < 2 {
		return &generic.ValidationError{Field: "member_limit", Reason: "a group needs at least 2 members"}
	}
	return nil
}

func (f *ProductFactory) tiKaneProduct(p *Product, pj ProductJSON) error {
	policy, err := parsePolicy(pj.AdvancePolicy, generic.AdvanceFixedDays)
	if err != nil {
		return err
	}
	if policy != generic.AdvanceFixedDays {
		return &generic.ValidationError{Field: "advance_policy", Reason: "Ti Kanè installments advance by fixed days"}
	}
	if pj.MemberLimit != 0 {
		return &generic.ValidationError{Field: "member_limit", Reason: "applies to SOL only"}
	}
	if _, err := generic.DurationDays(pj.Duration); err != nil {
		return err
	}
	p.Policy = policy
	p.Duration = strings.ToLower(strings.TrimSpace(pj.Duration))
	if pj.ProgressiveBelow != "" {
		threshold, err := decimal.NewFromString(pj.ProgressiveBelow)
		if err != nil || threshold.IsNegative() {
			return &generic.ValidationError{Field: "progressive_below", Reason: fmt.Sprintf("%q is not a non-negative amount", pj.ProgressiveBelow)}
		}
		p.ProgressiveBelow = threshold
	}
	return nil
}

// ToJSON converts a Product back to its JSON form.
func (f *ProductFactory) ToJSON(p *Product) ProductJSON {
	pj := ProductJSON{
		ID:            p.ID,
		Name:          p.Name,
		Kind:          string(p.Kind),
		Amount:        p.Amount.Value.String(),
		Currency:      string(p.Amount.Currency),
		Frequency:     string(p.Frequency),
		AdvancePolicy: string(p.Policy),
		Mode:          string(p.Mode),
		MemberLimit:   p.MemberLimit,
		Duration:      p.Duration,
	}
	if !p.ProgressiveBelow.IsZero() {
		pj.ProgressiveBelow = p.ProgressiveBelow.String()
	}
	return pj
}

// =============================================================================
// ACCOUNT INPUTS
// =============================================================================

// GroupInput returns the CreateGroup input for a SOL product.
func (p *Product) GroupInput(name string, start generic.TimePoint) sol.CreateGroupInput {
	if name == "" {
		name = p.Name
	}
	return sol.CreateGroupInput{
		Name:        name,
		Amount:      p.Amount,
		Frequency:   p.Frequency,
		StartDate:   start,
		MemberLimit: p.MemberLimit,
	}
}

// OpenInput returns the Open input for a Ti Kanè product. A product
// threshold above the amount switches the account to progressive.
func (p *Product) OpenInput(name string, start generic.TimePoint) tikane.OpenInput {
	if name == "" {
		name = p.Name
	}
	mode := p.Mode
	if p.ProgressiveBelow.IsPositive() && p.Amount.Value.LessThan(p.ProgressiveBelow) {
		mode = generic.ModeProgressive
	}
	return tikane.OpenInput{
		Name:      name,
		Amount:    p.Amount,
		Frequency: p.Frequency,
		Duration:  p.Duration,
		Mode:      mode,
		StartDate: start,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func parsePolicy(s string, def generic.AdvancePolicy) (generic.AdvancePolicy, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return generic.ParseAdvancePolicy(s)
}
