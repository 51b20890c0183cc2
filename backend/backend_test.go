package backend

import (
	"strings"
	"testing"

	"github.com/filtermate/filtermate-go/fidset"
)

func TestNormalizePredicates(t *testing.T) {
	// Empty input defaults to intersects.
	preds, err := normalizePredicates(nil)
	if err != nil || len(preds) != 1 || preds[0] != "intersects" {
		t.Fatalf("default = %v, %v", preds, err)
	}

	// Case folding, dedup, sort.
	preds, err = normalizePredicates([]string{"Within", "INTERSECTS", "within", " contains "})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(preds) != 3 || preds[0] != "contains" || preds[1] != "intersects" || preds[2] != "within" {
		t.Fatalf("normalized = %v", preds)
	}

	if _, err := normalizePredicates([]string{"near"}); err == nil {
		t.Fatal("unknown predicate accepted")
	}
}

func TestEscapeIdentifier(t *testing.T) {
	escaped, warn := EscapeIdentifier("name")
	if escaped != `"name"` || warn != "" {
		t.Fatalf("EscapeIdentifier = %q, %q", escaped, warn)
	}

	escaped, warn = EscapeIdentifier(`my "field"`)
	if escaped != `"my ""field"""` {
		t.Fatalf("quote doubling = %q", escaped)
	}
	if warn == "" {
		t.Fatal("space in identifier should warn")
	}
}

func TestEscapeString(t *testing.T) {
	if got := EscapeString("o'brien"); got != "'o''brien'" {
		t.Fatalf("EscapeString = %q", got)
	}
}

func TestCombineSubset(t *testing.T) {
	if got := CombineSubset("", fidset.OpAnd, "B"); got != "B" {
		t.Fatalf("empty old subset = %q", got)
	}
	if got := CombineSubset("A", fidset.OpAnd, "B"); got != "(A) AND (B)" {
		t.Fatalf("AND = %q", got)
	}
	if got := CombineSubset("A", fidset.OpOr, "B"); got != "(A) OR (B)" {
		t.Fatalf("OR = %q", got)
	}
	if got := CombineSubset("A", fidset.OpNotAnd, "B"); got != "(A) AND NOT (B)" {
		t.Fatalf("NOT AND = %q", got)
	}
}

func TestInExpression(t *testing.T) {
	if got := InExpression("fid", nil); got != FalseExpression {
		t.Fatalf("empty id list = %q", got)
	}
	if got := InExpression("fid", []int64{3, 1, 7}); got != `"fid" IN (3,1,7)` {
		t.Fatalf("InExpression = %q", got)
	}
}

func TestFactory(t *testing.T) {
	for _, typ := range []Type{TypePostgreSQL, TypeSpatialite, TypeOGR} {
		b, err := New(typ, Env{})
		if err != nil {
			t.Fatalf("New(%s): %v", typ, err)
		}
		if b.Name() != typ {
			t.Fatalf("Name = %s, want %s", b.Name(), typ)
		}
	}
	if _, err := New(Type("oracle"), Env{}); err == nil {
		t.Fatal("unknown type accepted")
	}
}

func TestSanitizeRelName(t *testing.T) {
	if got := sanitizeRelName("My Towns (2024)"); got != "my_towns__2024_" {
		t.Fatalf("sanitizeRelName = %q", got)
	}
	if strings.ContainsAny(sanitizeRelName(`x"; DROP TABLE y`), `"; `) {
		t.Fatal("sanitized name carries unsafe characters")
	}
}
