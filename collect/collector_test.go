package collect

import (
	"testing"

	"github.com/filtermate/filtermate-go/layer"
)

func testLayer(pk string) (*layer.Registry, *layer.MemLayer) {
	r := layer.NewRegistry()
	l := layer.NewMemLayer("towns", "Towns", layer.ProviderMemory, pk)
	for i := 1; i <= 5; i++ {
		l.AddFeature(&layer.MemFeature{
			RowID: int64(i),
			Attrs: map[string]interface{}{
				"code": int64(i * 100),
				"pop":  float64(i * 1000),
			},
		})
	}
	r.Add(l)
	return r, l
}

func TestCollectFromSelection(t *testing.T) {
	r, l := testLayer("code")
	c := NewCollector(r, "towns")

	res := c.CollectFromSelection()
	if !res.Success || res.Count != 0 {
		t.Fatalf("empty selection = %+v", res)
	}

	l.SetSelection([]int64{2, 4})
	res = c.CollectFromSelection()
	if !res.Success {
		t.Fatalf("selection failed: %s", res.Error)
	}
	// Primary-key values, not row ids.
	if res.Count != 2 || res.FeatureIDs[0] != 200 || res.FeatureIDs[1] != 400 {
		t.Fatalf("selection ids = %v", res.FeatureIDs)
	}
	if res.FallbackCount != 0 {
		t.Fatalf("FallbackCount = %d", res.FallbackCount)
	}
}

func TestCollectFromExpression(t *testing.T) {
	r, _ := testLayer("code")
	c := NewCollector(r, "towns")

	res := c.CollectFromExpression(`"pop" >= 3000`, 0)
	if !res.Success || res.Count != 3 {
		t.Fatalf("expression result = %+v", res)
	}

	res = c.CollectFromExpression(`"pop" >= 3000`, 2)
	if !res.Success || res.Count != 2 {
		t.Fatalf("limited expression result = %+v", res)
	}

	// Blank and invalid expressions report failure, never panic or abort.
	res = c.CollectFromExpression("   ", 0)
	if res.Success {
		t.Fatal("blank expression succeeded")
	}
	res = c.CollectFromExpression(`"pop" >=`, 0)
	if res.Success {
		t.Fatal("invalid expression succeeded")
	}
}

func TestCollectAllAndRowIDFallback(t *testing.T) {
	// No primary key configured: row ids serve as identifiers.
	r, _ := testLayer("")
	c := NewCollector(r, "towns")

	res := c.CollectAll(0)
	if !res.Success || res.Count != 5 {
		t.Fatalf("collect all = %+v", res)
	}
	if res.FeatureIDs[0] != 1 || res.FeatureIDs[4] != 5 {
		t.Fatalf("row ids = %v", res.FeatureIDs)
	}
}

func TestPerFeatureFallback(t *testing.T) {
	r, l := testLayer("code")
	// One feature with an unusable primary-key value.
	l.AddFeature(&layer.MemFeature{
		RowID: 99,
		Attrs: map[string]interface{}{"code": "not-a-number"},
	})
	c := NewCollector(r, "towns")

	res := c.CollectAll(0)
	if !res.Success || res.Count != 6 {
		t.Fatalf("collect = %+v", res)
	}
	if res.FallbackCount != 1 {
		t.Fatalf("FallbackCount = %d, want 1", res.FallbackCount)
	}
	if res.FeatureIDs[5] != 99 {
		t.Fatalf("fallback id = %d, want row id 99", res.FeatureIDs[5])
	}
}

func TestMissingLayer(t *testing.T) {
	r := layer.NewRegistry()
	c := NewCollector(r, "gone")

	for _, res := range []Result{
		c.CollectFromSelection(),
		c.CollectFromExpression(`"a" = 1`, 0),
		c.CollectAll(0),
	} {
		if res.Success {
			t.Fatalf("collection on missing layer succeeded: %+v", res)
		}
		if res.Error == "" {
			t.Fatal("missing layer must carry an error message")
		}
	}
}

func TestResultCache(t *testing.T) {
	r, _ := testLayer("code")
	c := NewCollector(r, "towns")

	if _, _, ok := c.CachedResult(); ok {
		t.Fatal("cache should start empty")
	}
	c.CollectAll(0)
	ids, src, ok := c.CachedResult()
	if !ok || src != SourceAll || len(ids) != 5 {
		t.Fatalf("cached = %v %v %v", ids, src, ok)
	}

	c.ClearCache()
	if _, _, ok := c.CachedResult(); ok {
		t.Fatal("cache survive clear")
	}

	c.SetCaching(false)
	c.CollectAll(0)
	if _, _, ok := c.CachedResult(); ok {
		t.Fatal("disabled cache stored a result")
	}
}

func TestCollectFromRecords(t *testing.T) {
	r, _ := testLayer("code")
	c := NewCollector(r, "towns")

	res := c.CollectFromRecords([]map[string]interface{}{
		{"code": int64(100)},
		{"code": "250"},       // numeric string coerces
		{"fid": int64(7)},     // missing pk falls back to fid
		{"name": "no id here"}, // neither pk nor fid
	})
	if !res.Success || res.Count != 3 {
		t.Fatalf("records = %+v", res)
	}
	if res.FallbackCount != 1 || res.FailedCount != 1 {
		t.Fatalf("fallback=%d failed=%d", res.FallbackCount, res.FailedCount)
	}
}

func TestCollectInBatches(t *testing.T) {
	r, _ := testLayer("code")
	c := NewCollector(r, "towns")

	batches, total, err := c.CollectInBatches(2, SourceAll, "")
	if err != nil {
		t.Fatalf("CollectInBatches: %v", err)
	}
	if total != 5 || len(batches) != 3 {
		t.Fatalf("batches = %v total = %d", batches, total)
	}
	if len(batches[0]) != 2 || len(batches[2]) != 1 {
		t.Fatalf("batch sizes = %v", batches)
	}

	bad := NewCollector(layer.NewRegistry(), "gone")
	if _, _, err := bad.CollectInBatches(2, SourceAll, ""); err == nil {
		t.Fatal("missing layer batches succeeded")
	}
}
