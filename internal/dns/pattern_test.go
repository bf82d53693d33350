package dns

import "testing"

func mustPattern(t *testing.T, p string) pattern {
	t.Helper()
	pp, err := newPattern(p)
	if err != nil {
		t.Fatalf("newPattern(%q): %v", p, err)
	}
	return pp
}

func TestPatternMatchesLiteral(t *testing.T) {
	p := mustPattern(t, "example.com")
	if !p.matches("example.com") {
		t.Fatal("expected literal match")
	}
	if p.matches("foo.example.com") {
		t.Fatal("literal pattern must not match a subdomain")
	}
}

func TestPatternMatchesSingleLabelWildcard(t *testing.T) {
	p := mustPattern(t, "*.example.com")
	if !p.matches("foo.example.com") {
		t.Fatal("expected one-label wildcard match")
	}
	if p.matches("foo.bar.example.com") {
		t.Fatal("'*' must not cross a label boundary")
	}
	if !p.matches("example.com") {
		t.Fatal("'*.' prefix should also match the bare root domain")
	}
}

func TestPatternMatchesDoubleStarWildcard(t *testing.T) {
	p := mustPattern(t, "**.example.com")
	if !p.matches("foo.bar.example.com") {
		t.Fatal("'**' should match zero or more labels")
	}
}

func TestPatternMatchesSingleCharWildcard(t *testing.T) {
	p := mustPattern(t, "ho?t.example.com")
	if !p.matches("host.example.com") {
		t.Fatal("'?' should match exactly one character")
	}
	if p.matches("hoot.example.com") {
		t.Fatal("'?' must not match two characters")
	}
}

// TestPatternOrdering checks the precedence rule from the decision table:
// literal > '?' > '*' > '**', shorter domains before longer ones.
func TestPatternOrdering(t *testing.T) {
	literal := mustPattern(t, "foo.example.com")
	singleChar := mustPattern(t, "f?o.example.com")
	star := mustPattern(t, "*.example.com")
	doubleStar := mustPattern(t, "**.example.com")

	cases := []struct {
		a, b pattern
	}{
		{literal, singleChar},
		{singleChar, star},
		{star, doubleStar},
	}
	for _, c := range cases {
		if !less(c.a, c.b) {
			t.Fatalf("expected %q to sort before %q", c.a.original, c.b.original)
		}
		if less(c.b, c.a) {
			t.Fatalf("expected %q to not sort before %q", c.b.original, c.a.original)
		}
	}

	shorter := mustPattern(t, "a.com")
	longer := mustPattern(t, "very.long.domain.a.com")
	if !less(shorter, longer) {
		t.Fatal("shorter domain should sort before a longer one")
	}
}
