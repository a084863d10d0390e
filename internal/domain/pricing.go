package domain

import "time"

// Platform pricing. 10 tokens = $1.00 USD.
const (
	TokensPerDollar = 10
	TokenValueCents = 100 / TokensPerDollar

	// SessionCostTokens is the hold placed when a session request is created.
	SessionCostTokens = 10
	SessionPriceCents = 100

	// Teachers earn 20% of the session's USD value.
	TeacherSharePercent = 20

	// SessionRequestTTL is how long a request may stay pending before the
	// sweep expires it and releases the hold.
	SessionRequestTTL = 7 * 24 * time.Hour
)

// TokenPackage is a purchasable token bundle. Bonus tokens are already
// included in Tokens.
type TokenPackage struct {
	Name       string `json:"name"`
	Tokens     int64  `json:"tokens"`
	PriceCents int64  `json:"price_cents"`
}

// Packages are the bundles offered at checkout, matched by exact price.
var Packages = []TokenPackage{
	{Name: "Starter", Tokens: 250, PriceCents: 2500},
	{Name: "Popular", Tokens: 550, PriceCents: 5000},
	{Name: "Premium", Tokens: 1200, PriceCents: 10000},
	{Name: "Family", Tokens: 2500, PriceCents: 20000},
}

// PackageByPriceCents returns the package sold at exactly the given price.
func PackageByPriceCents(cents int64) (TokenPackage, bool) {
	for _, p := range Packages {
		if p.PriceCents == cents {
			return p, true
		}
	}
	return TokenPackage{}, false
}

// TokensForAmountCents maps a paid amount to the tokens it buys: the package
// amount when the payment matches a bundle, otherwise the base rate.
func TokensForAmountCents(cents int64) int64 {
	if p, ok := PackageByPriceCents(cents); ok {
		return p.Tokens
	}
	return cents / TokenValueCents
}

// TeacherEarningsCents is the teacher's USD share for one completed session.
func TeacherEarningsCents() int64 {
	return SessionPriceCents * TeacherSharePercent / 100
}
