package plan

import "testing"

func col(p *Plan, i int) Column {
	return p.Columns[i]
}

func TestParseBareNameIsStrSugar(t *testing.T) {
	p, err := Parse("city")
	if err != nil {
		t.Fatal(err)
	}
	if p.Width() != 1 {
		t.Fatalf("width = %d", p.Width())
	}
	c := col(p, 0)
	if c.OutName != "city" || c.InName != "city" || c.Descriptor.Name != "str" {
		t.Fatalf("col = %+v", c)
	}
	if !c.Descriptor.IsKey() {
		t.Fatal("expected str to be a key descriptor")
	}
}

func TestParseAggregatorWithColumn(t *testing.T) {
	p, err := Parse("min(price)")
	if err != nil {
		t.Fatal(err)
	}
	c := col(p, 0)
	if c.OutName != "min(price)" || c.InName != "price" || c.Descriptor.Name != "min" {
		t.Fatalf("col = %+v", c)
	}
}

func TestParseOutnameOverride(t *testing.T) {
	p, err := Parse("cheapest=min(price)")
	if err != nil {
		t.Fatal(err)
	}
	c := col(p, 0)
	if c.OutName != "cheapest" || c.InName != "price" {
		t.Fatalf("col = %+v", c)
	}
}

func TestParseCountHasNoColumn(t *testing.T) {
	p, err := Parse("n=count()")
	if err != nil {
		t.Fatal(err)
	}
	c := col(p, 0)
	if c.OutName != "n" || c.InName != "" || c.Descriptor.Name != "count" {
		t.Fatalf("col = %+v", c)
	}
}

func TestParseMultipleColumns(t *testing.T) {
	p, err := Parse("downcase(city),min(price),max(price),count()")
	if err != nil {
		t.Fatal(err)
	}
	if p.Width() != 4 {
		t.Fatalf("width = %d", p.Width())
	}
	names := []string{"downcase", "min", "max", "count"}
	for i, want := range names {
		if col(p, i).Descriptor.Name != want {
			t.Fatalf("col %d = %+v, want %s", i, col(p, i), want)
		}
	}
	for i, c := range p.Columns {
		if c.Slot != i {
			t.Fatalf("col %d slot = %d", i, c.Slot)
		}
	}
}

func TestParseUnknownAggregator(t *testing.T) {
	if _, err := Parse("bogus(x)"); err == nil {
		t.Fatal("expected error for unknown aggregator")
	}
}

func TestParseUnmatchedParen(t *testing.T) {
	if _, err := Parse("min(price"); err == nil {
		t.Fatal("expected error for unmatched paren")
	}
}

func TestParseEmptySpec(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty spec")
	}
}

func TestParseLeadingWhitespaceSkipped(t *testing.T) {
	p, err := Parse(" count()")
	if err != nil {
		t.Fatal(err)
	}
	c := col(p, 0)
	if c.Descriptor.Name != "count" {
		t.Fatalf("col = %+v", c)
	}
}

// TestParseInteriorWhitespaceJoinsToken matches spec.md §4.1's stated
// rule directly: whitespace is skipped only while leading; once a token
// has begun, interior whitespace joins the token rather than being
// dropped. A leading space right after "(" is still leading (the
// argument token hasn't started yet) and is skipped; a space appearing
// after non-space characters have already started the token is not.
func TestParseInteriorWhitespaceJoinsToken(t *testing.T) {
	p, err := Parse("min( x)")
	if err != nil {
		t.Fatal(err)
	}
	if col(p, 0).InName != "x" {
		t.Fatalf("InName = %q, want %q", col(p, 0).InName, "x")
	}

	p, err = Parse("min(x )")
	if err != nil {
		t.Fatal(err)
	}
	if col(p, 0).InName != "x " {
		t.Fatalf("InName = %q, want %q (trailing space is interior, not leading)", col(p, 0).InName, "x ")
	}
}

// TestParseInteriorWhitespaceInAggregatorNameIsUnknown matches the
// original's behavior of treating an embedded space as part of the
// aggregator name rather than silently collapsing it: "m in" is simply
// not a registered aggregator name.
func TestParseInteriorWhitespaceInAggregatorNameIsUnknown(t *testing.T) {
	if _, err := Parse("m in(x)"); err == nil {
		t.Fatal("expected unknown-aggregator error for \"m in\"")
	}
}
