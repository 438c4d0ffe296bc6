package model

import "time"

// SettingsID is the fixed id of the settings singleton.
const SettingsID = "app_settings"

// Settings is the application settings singleton. It is mutated far more
// often than other entities (currency toggles, cached exchange rates) but
// syncs at the same cadence, which is why it has a dedicated write-ahead
// log protecting it from lost debounced saves.
type Settings struct {
	ID                  string             `json:"id"`
	DisplayCurrency     string             `json:"displayCurrency"`
	SecondaryCurrencies []string           `json:"secondaryCurrencies,omitempty"`
	ExchangeRates       map[string]float64 `json:"exchangeRates,omitempty"`
	RatesFetchedAt      string             `json:"ratesFetchedAt,omitempty"`
	Locale              string             `json:"locale,omitempty"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

// DefaultSettings returns the settings singleton in its initial state.
func DefaultSettings(now time.Time) *Settings {
	return &Settings{
		ID:              SettingsID,
		DisplayCurrency: "USD",
		UpdatedAt:       now.UTC(),
	}
}

// SettingsPatch is a partial settings update. Nil fields are left
// untouched when the patch is applied. The settings WAL journals patches,
// not whole documents, so concurrent whole-document saves cannot clobber
// fields the patch never mentioned.
type SettingsPatch struct {
	DisplayCurrency     *string            `json:"displayCurrency,omitempty"`
	SecondaryCurrencies []string           `json:"secondaryCurrencies,omitempty"`
	ExchangeRates       map[string]float64 `json:"exchangeRates,omitempty"`
	RatesFetchedAt      *string            `json:"ratesFetchedAt,omitempty"`
	Locale              *string            `json:"locale,omitempty"`
}

// Apply overlays the patch onto s and bumps its UpdatedAt to now.
func (p SettingsPatch) Apply(s *Settings, now time.Time) {
	if p.DisplayCurrency != nil {
		s.DisplayCurrency = *p.DisplayCurrency
	}
	if p.SecondaryCurrencies != nil {
		s.SecondaryCurrencies = append([]string(nil), p.SecondaryCurrencies...)
	}
	if p.ExchangeRates != nil {
		if s.ExchangeRates == nil {
			s.ExchangeRates = make(map[string]float64, len(p.ExchangeRates))
		}
		for k, v := range p.ExchangeRates {
			s.ExchangeRates[k] = v
		}
	}
	if p.RatesFetchedAt != nil {
		s.RatesFetchedAt = *p.RatesFetchedAt
	}
	if p.Locale != nil {
		s.Locale = *p.Locale
	}
	s.UpdatedAt = now.UTC()
}

// Merge folds a later patch into p so successive WAL appends accumulate
// into a single entry.
func (p *SettingsPatch) Merge(next SettingsPatch) {
	if next.DisplayCurrency != nil {
		p.DisplayCurrency = next.DisplayCurrency
	}
	if next.SecondaryCurrencies != nil {
		p.SecondaryCurrencies = append([]string(nil), next.SecondaryCurrencies...)
	}
	if next.ExchangeRates != nil {
		if p.ExchangeRates == nil {
			p.ExchangeRates = make(map[string]float64, len(next.ExchangeRates))
		}
		for k, v := range next.ExchangeRates {
			p.ExchangeRates[k] = v
		}
	}
	if next.RatesFetchedAt != nil {
		p.RatesFetchedAt = next.RatesFetchedAt
	}
	if next.Locale != nil {
		p.Locale = next.Locale
	}
}

// Clone returns a deep copy of the settings document.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	out := *s
	if s.SecondaryCurrencies != nil {
		out.SecondaryCurrencies = append([]string(nil), s.SecondaryCurrencies...)
	}
	if s.ExchangeRates != nil {
		out.ExchangeRates = make(map[string]float64, len(s.ExchangeRates))
		for k, v := range s.ExchangeRates {
			out.ExchangeRates[k] = v
		}
	}
	return &out
}
