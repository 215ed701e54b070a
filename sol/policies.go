/*
policies.go - Pre-built SOL group products

PURPOSE:
  JSON definitions of the SOL groups offered out of the box. They are plain
  JSON strings so this package stays free of the factory package; parse
  them with factory.ParseProduct.

AVAILABLE PRODUCTS:
  WeeklySolJSON:    Weekly contributions, payout every week
  BiweeklySolJSON:  Contributions every 14 days
  MonthlySolJSON:   Monthly contributions, calendar month payouts
  DailySolJSON:     Market-vendor SOL, one payout per day

EXAMPLE:
  jsonStr := sol.WeeklySolJSON("sol-weekly-500", "SOL Lakay", "500", "HTG", 10)
  product, err := factory.NewProductFactory().ParseProduct(jsonStr)
  in := product.GroupInput("Fanmi Jean", generic.Today())

SEE ALSO:
  - factory/product.go: Parses these definitions
  - service.go: CreateGroup
*/
package sol

import (
	"encoding/json"

	"github.com/kotize/savings-engine/generic"
)

func solJSON(id, name, amount, currency string, frequency generic.Frequency, memberLimit int) string {
	pj := map[string]interface{}{
		"id":             id,
		"name":           name,
		"kind":           string(generic.KindSOL),
		"amount":         amount,
		"currency":       currency,
		"frequency":      string(frequency),
		"advance_policy": string(generic.AdvanceCalendar),
		"mode":           string(generic.ModeFixed),
		"member_limit":   memberLimit,
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

// WeeklySolJSON returns JSON for a weekly SOL group.
func WeeklySolJSON(id, name, amount, currency string, memberLimit int) string {
	return solJSON(id, name, amount, currency, generic.FrequencyWeekly, memberLimit)
}

// BiweeklySolJSON returns JSON for a SOL group paying out every 14 days.
func BiweeklySolJSON(id, name, amount, currency string, memberLimit int) string {
	return solJSON(id, name, amount, currency, generic.FrequencyBiweekly, memberLimit)
}

// MonthlySolJSON returns JSON for a monthly SOL group.
func MonthlySolJSON(id, name, amount, currency string, memberLimit int) string {
	return solJSON(id, name, amount, currency, generic.FrequencyMonthly, memberLimit)
}

// DailySolJSON returns JSON for a daily SOL, typical among market vendors.
func DailySolJSON(id, name, amount, currency string, memberLimit int) string {
	return solJSON(id, name, amount, currency, generic.FrequencyDaily, memberLimit)
}

// Presets returns the SOL products offered by default.
func Presets() []string {
	return []string{
		DailySolJSON("sol-daily-100", "SOL Mache", "100", string(generic.CurrencyHTG), 10),
		WeeklySolJSON("sol-weekly-500", "SOL Lakay", "500", string(generic.CurrencyHTG), 10),
		BiweeklySolJSON("sol-biweekly-1000", "SOL Kenzèn", "1000", string(generic.CurrencyHTG), 8),
		MonthlySolJSON("sol-monthly-50usd", "SOL Dyaspora", "50", string(generic.CurrencyUSD), 12),
	}
}
