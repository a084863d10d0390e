package domain

import "testing"

func TestPackageByPriceCents(t *testing.T) {
	tests := []struct {
		name       string
		cents      int64
		wantTokens int64
		wantOK     bool
	}{
		{name: "starter pack", cents: 2500, wantTokens: 250, wantOK: true},
		{name: "popular pack includes bonus", cents: 5000, wantTokens: 550, wantOK: true},
		{name: "premium pack includes bonus", cents: 10000, wantTokens: 1200, wantOK: true},
		{name: "family pack includes bonus", cents: 20000, wantTokens: 2500, wantOK: true},
		{name: "no package at arbitrary amount", cents: 4200, wantTokens: 0, wantOK: false},
		{name: "no package at zero", cents: 0, wantTokens: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := PackageByPriceCents(tt.cents)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%t, got %t", tt.wantOK, ok)
			}
			if p.Tokens != tt.wantTokens {
				t.Fatalf("expected tokens=%d, got %d", tt.wantTokens, p.Tokens)
			}
		})
	}
}

func TestTokensForAmountCents(t *testing.T) {
	tests := []struct {
		name  string
		cents int64
		want  int64
	}{
		{name: "package amount uses bundle tokens", cents: 5000, want: 550},
		{name: "non-package amount uses base rate", cents: 4200, want: 420},
		{name: "one dollar buys ten tokens", cents: 100, want: 10},
		{name: "sub-token remainder truncates", cents: 105, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokensForAmountCents(tt.cents); got != tt.want {
				t.Fatalf("expected %d tokens, got %d", tt.want, got)
			}
		})
	}
}

func TestTeacherEarningsCents(t *testing.T) {
	// A $1.00 session pays the teacher 20 cents.
	if got := TeacherEarningsCents(); got != 20 {
		t.Fatalf("expected 20 cents, got %d", got)
	}
}

func TestSessionHoldMatchesPrice(t *testing.T) {
	if SessionCostTokens*TokenValueCents != SessionPriceCents {
		t.Fatalf("session hold (%d tokens) does not match session price (%d cents)",
			SessionCostTokens, SessionPriceCents)
	}
}
