package layer

import "testing"

func evalExpr(t *testing.T, expr string, attrs map[string]interface{}) bool {
	t.Helper()
	node, err := parseExpression(expr)
	if err != nil {
		t.Fatalf("parseExpression(%q): %v", expr, err)
	}
	ok, err := node.eval(&MemFeature{RowID: 1, Attrs: attrs})
	if err != nil {
		t.Fatalf("eval(%q): %v", expr, err)
	}
	return ok
}

func TestExprComparisons(t *testing.T) {
	attrs := map[string]interface{}{"pop": 1200.0, "name": "lyon"}

	cases := []struct {
		expr string
		want bool
	}{
		{`"pop" = 1200`, true},
		{`"pop" != 1200`, false},
		{`"pop" <> 1300`, true},
		{`"pop" > 1000`, true},
		{`"pop" >= 1200`, true},
		{`"pop" < 1200`, false},
		{`"pop" <= 1199`, false},
		{`"name" = 'lyon'`, true},
		{`"name" = 'paris'`, false},
		{`pop = 1200`, true}, // bare word field reference
	}
	for _, c := range cases {
		if got := evalExpr(t, c.expr, attrs); got != c.want {
			t.Errorf("%s = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestExprBooleans(t *testing.T) {
	attrs := map[string]interface{}{"a": 1.0, "b": 2.0}

	cases := []struct {
		expr string
		want bool
	}{
		{`"a" = 1 AND "b" = 2`, true},
		{`"a" = 1 AND "b" = 3`, false},
		{`"a" = 9 OR "b" = 2`, true},
		{`NOT "a" = 1`, false},
		{`("a" = 9 OR "b" = 2) AND "a" = 1`, true},
		{`TRUE`, true},
		{`FALSE`, false},
		{`1 = 0`, false},
	}
	for _, c := range cases {
		if got := evalExpr(t, c.expr, attrs); got != c.want {
			t.Errorf("%s = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestExprInList(t *testing.T) {
	attrs := map[string]interface{}{"fid": 7.0, "city": "lyon"}

	if !evalExpr(t, `"fid" IN (1, 7, 9)`, attrs) {
		t.Error("IN should match")
	}
	if evalExpr(t, `"fid" IN (1, 2)`, attrs) {
		t.Error("IN should miss")
	}
	if !evalExpr(t, `"fid" NOT IN (1, 2)`, attrs) {
		t.Error("NOT IN should match")
	}
	if !evalExpr(t, `"city" IN ('paris', 'lyon')`, attrs) {
		t.Error("string IN should match")
	}
}

func TestExprNullSemantics(t *testing.T) {
	// Missing field compares like SQL NULL: never equal, never ordered.
	attrs := map[string]interface{}{}

	if evalExpr(t, `"missing" = 1`, attrs) {
		t.Error("NULL = 1 should be false")
	}
	if evalExpr(t, `"missing" != 1`, attrs) {
		t.Error("NULL != 1 should be false")
	}
	if evalExpr(t, `"missing" IN (1, 2)`, attrs) {
		t.Error("NULL IN list should be false")
	}
}

func TestExprQuoteEscapes(t *testing.T) {
	// Escapers emit doubled quotes; the tokenizer must fold them back.
	attrs := map[string]interface{}{`po"p`: 5.0, "note": `it's`}

	if !evalExpr(t, `"po""p" = 5`, attrs) {
		t.Error("doubled-quote identifier should resolve the field")
	}
	if !evalExpr(t, `"note" = 'it''s'`, attrs) {
		t.Error("doubled single quote should unescape in string literal")
	}
	if _, err := parseExpression(`"a"" = 1`); err == nil {
		t.Error("identifier ending in escaped quote should be unterminated")
	}
}

func TestExprParseErrors(t *testing.T) {
	for _, expr := range []string{
		`"a" =`,
		`"a" = 1 AND`,
		`("a" = 1`,
		`"a" IN (1, 2`,
		`"a" ?? 1`,
		`"unterminated`,
		`"a" = 1 garbage`,
	} {
		if _, err := parseExpression(expr); err == nil {
			t.Errorf("parseExpression(%q) succeeded, want error", expr)
		}
	}
}
