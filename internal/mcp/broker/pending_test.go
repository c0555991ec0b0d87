package broker

import (
	"sync"
	"testing"
)

func TestPendingTable_TakeRemovesEntry(t *testing.T) {
	pt := newPendingTable()
	pc := pt.insert("id-1")
	if pc == nil {
		t.Fatal("insert returned nil")
	}

	got := pt.take("id-1")
	if got != pc {
		t.Fatal("take did not return the inserted call")
	}
	if pt.take("id-1") != nil {
		t.Fatal("expected second take to return nil — entry should be removed")
	}
}

func TestPendingTable_TakeUnknownIDReturnsNil(t *testing.T) {
	pt := newPendingTable()
	if pt.take("never-inserted") != nil {
		t.Fatal("expected nil for unmatched id")
	}
}

func TestPendingCall_ResolveOnce(t *testing.T) {
	pc := newPendingCall("id-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			pc.resolve(callResult{raw: []byte(`{"n":1}`)})
		}(i)
	}
	wg.Wait()

	res := pc.wait()
	if string(res.raw) != `{"n":1}` {
		t.Errorf("unexpected result: %+v", res)
	}

	// A resolve after the first must be a no-op.
	pc.resolve(callResult{raw: []byte(`{"n":2}`)})
	res = pc.wait()
	if string(res.raw) != `{"n":1}` {
		t.Errorf("resolve-once violated: %+v", res)
	}
}

func TestPendingTable_DrainEmptiesTable(t *testing.T) {
	pt := newPendingTable()
	pt.insert("a")
	pt.insert("b")

	drained := pt.drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained calls, got %d", len(drained))
	}
	if pt.take("a") != nil || pt.take("b") != nil {
		t.Fatal("expected table empty after drain")
	}
}
