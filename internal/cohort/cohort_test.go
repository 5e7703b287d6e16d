package cohort

import "testing"

func TestParseAndMatch(t *testing.T) {
	p, err := Parse("region=eu-west, hw=rev2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p) != 2 {
		t.Fatalf("expected 2 terms, got %d", len(p))
	}

	tests := []struct {
		attrs map[string]string
		want  bool
	}{
		{map[string]string{"region": "eu-west", "hw": "rev2"}, true},
		{map[string]string{"region": "eu-west", "hw": "rev2", "extra": "x"}, true},
		{map[string]string{"region": "eu-west", "hw": "rev1"}, false},
		{map[string]string{"region": "us-east", "hw": "rev2"}, false},
		{map[string]string{}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := p.Matches(tt.attrs); got != tt.want {
			t.Errorf("Matches(%v) = %v, want %v", tt.attrs, got, tt.want)
		}
	}
}

func TestEmptyPredicateMatchesAll(t *testing.T) {
	p, err := Parse("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !p.Matches(nil) {
		t.Error("empty predicate should match nil attributes")
	}
	if !p.Matches(map[string]string{"anything": "goes"}) {
		t.Error("empty predicate should match any attributes")
	}
}

func TestParseRejectsMalformedTerms(t *testing.T) {
	for _, in := range []string{"region", "=x", "region=", "region=eu AND hw=rev2"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestStringCanonicalOrder(t *testing.T) {
	a, _ := Parse("hw=rev2,region=eu")
	b, _ := Parse("region=eu,hw=rev2")
	if a.String() != b.String() {
		t.Errorf("canonical forms differ: %q vs %q", a.String(), b.String())
	}
	if a.String() != "hw=rev2,region=eu" {
		t.Errorf("unexpected canonical form %q", a.String())
	}
}
