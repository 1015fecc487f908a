package core

import "testing"

func TestCollectorTopResultsAppliesRelativeThreshold(t *testing.T) {
	c := newCollector(10, 50) // keep anything scoring >= 50% of the best
	c.add(1, 10)
	c.add(2, 9)
	c.add(3, 4) // below 50% of 10 -> dropped
	c.add(4, 5) // exactly 50% of 10 -> kept

	results := c.topResults()
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(results), results)
	}
	if results[0].DocID != 1 || results[0].Score != 10 {
		t.Errorf("best result = %+v, want doc 1 score 10", results[0])
	}
	for _, r := range results {
		if r.DocID == 3 {
			t.Errorf("doc 3 should have been cut by the relative threshold, got %+v", r)
		}
	}
}

func TestCollectorTruncatesToMaxResults(t *testing.T) {
	c := newCollector(2, 100)
	c.add(1, 5)
	c.add(2, 5)
	c.add(3, 5)

	results := c.topResults()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// ties broken by doc id ascending
	if results[0].DocID != 1 || results[1].DocID != 2 {
		t.Errorf("results = %+v, want docs [1 2] on tie-break", results)
	}
}

func TestCollectorEmpty(t *testing.T) {
	c := newCollector(10, 100)
	if results := c.topResults(); results != nil {
		t.Errorf("topResults() on empty collector = %v, want nil", results)
	}
}
