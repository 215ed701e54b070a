/*
policies.go - Pre-built Ti Kanè products

AVAILABLE PRODUCTS:
  DailyTiKaneJSON:       One installment per day, fixed amount
  ProgressiveTiKaneJSON: Daily installment n is base x n
  WeeklyTiKaneJSON:      One installment every 7 days

EXAMPLE:
  jsonStr := tikane.DailyTiKaneJSON("tk-daily-1m", "Ti Kanè 30 jou", "100", "HTG", "1m")
  product, err := factory.NewProductFactory().ParseProduct(jsonStr)
*/
package tikane

import (
	"encoding/json"

	"github.com/kotize/savings-engine/generic"
)

func tiKaneJSON(id, name, amount, currency, duration string, frequency generic.Frequency, mode generic.AmountMode) string {
	pj := map[string]interface{}{
		"id":             id,
		"name":           name,
		"kind":           string(generic.KindTiKane),
		"amount":         amount,
		"currency":       currency,
		"frequency":      string(frequency),
		"advance_policy": string(generic.AdvanceFixedDays),
		"mode":           string(mode),
		"duration":       duration,
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}

// DailyTiKaneJSON returns JSON for a fixed daily Ti Kanè.
func DailyTiKaneJSON(id, name, amount, currency, duration string) string {
	return tiKaneJSON(id, name, amount, currency, duration, generic.FrequencyDaily, generic.ModeFixed)
}

// ProgressiveTiKaneJSON returns JSON for a daily Ti Kanè whose installments grow by base each day.
func ProgressiveTiKaneJSON(id, name, amount, currency, duration string) string {
	return tiKaneJSON(id, name, amount, currency, duration, generic.FrequencyDaily, generic.ModeProgressive)
}

// WeeklyTiKaneJSON returns JSON for a weekly Ti Kanè.
func WeeklyTiKaneJSON(id, name, amount, currency, duration string) string {
	return tiKaneJSON(id, name, amount, currency, duration, generic.FrequencyWeekly, generic.ModeFixed)
}

// Presets returns the Ti Kanè products offered by default.
func Presets() []string {
	htg := string(generic.CurrencyHTG)
	return []string{
		DailyTiKaneJSON("tk-daily-1m", "Ti Kanè 30 jou", "100", htg, "1m"),
		DailyTiKaneJSON("tk-daily-3m", "Ti Kanè 90 jou", "100", htg, "3m"),
		ProgressiveTiKaneJSON("tk-progressive-1m", "Ti Kanè Pwogresif", "10", htg, "1m"),
		WeeklyTiKaneJSON("tk-weekly-6m", "Ti Kanè Semèn", "1000", htg, "6m"),
	}
}
