package models

// Region tiers
const (
	TierBasic   = "basic"
	TierPremium = "premium"
)

// Region is a catalog entry supplied by the admin. Tier decides which
// credit type a launch in that region costs.
type Region struct {
	Code    string `json:"code" db:"code"`
	Name    string `json:"name" db:"name"`
	Tier    string `json:"tier" db:"tier"`
	Enabled bool   `json:"enabled" db:"enabled"`
}

// CreditType maps the region tier to the credit type debited at launch.
func (r Region) CreditType() CreditType {
	if r.Tier == TierPremium {
		return CreditPremium
	}
	return CreditBasic
}
