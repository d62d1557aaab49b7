package verdict

import (
	"testing"
	"time"
)

func TestWorstOrdering(t *testing.T) {
	cases := []struct {
		a, b, want Status
	}{
		{StatusConforme, StatusConforme, StatusConforme},
		{StatusConforme, StatusCondicionada, StatusCondicionada},
		{StatusCondicionada, StatusIncomplete, StatusIncomplete},
		{StatusIncomplete, StatusNoConforme, StatusNoConforme},
		{StatusNoConforme, StatusConforme, StatusNoConforme},
	}
	for _, c := range cases {
		if got := Worst(c.a, c.b); got != c.want {
			t.Errorf("Worst(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
		// symmetric
		if got := Worst(c.b, c.a); got != c.want {
			t.Errorf("Worst(%s, %s) = %s, want %s", c.b, c.a, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	base := AgentVerdict{
		ProjectID: "p-1",
		Phase:     "F1",
		Attempt:   1,
		Role:      RoleFiscalCompliance,
		Status:    StatusConforme,
		Score:     87,
		IssuedAt:  time.Now(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid verdict rejected: %v", err)
	}

	bad := base
	bad.Score = 101
	if err := bad.Validate(); err == nil {
		t.Error("score > 100 accepted")
	}

	bad = base
	bad.Role = "astrologer"
	if err := bad.Validate(); err == nil {
		t.Error("unknown role accepted")
	}

	bad = base
	bad.Status = "MAYBE"
	if err := bad.Validate(); err == nil {
		t.Error("unknown status accepted")
	}

	bad = base
	bad.Attempt = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero attempt accepted")
	}
}

func TestCanonicalHashStable(t *testing.T) {
	v := AgentVerdict{
		ID:        "v-1",
		ProjectID: "p-1",
		Phase:     "F2",
		Attempt:   1,
		Role:      RoleSupplierRisk,
		Status:    StatusNoConforme,
		Score:     12,
		RuleRefs:  []string{"TRLIS-14.1.e", "LISTA-DEF"},
		IssuedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h1, err := v.CanonicalHash()
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := v.CanonicalHash()
	if h1 != h2 {
		t.Fatalf("hash unstable: %s vs %s", h1, h2)
	}
}

func TestIncomplete(t *testing.T) {
	now := time.Now()
	v := Incomplete("p-1", "F3", 2, RoleLegal, "evaluator timeout after 30s", now)
	if err := v.Validate(); err != nil {
		t.Fatalf("incomplete verdict invalid: %v", err)
	}
	if v.Status != StatusIncomplete || v.Score != 0 {
		t.Fatalf("unexpected placeholder: %+v", v)
	}
}
