package wsbuf

import "testing"

func TestAllocPooledOrUsesPoolThenHeap(t *testing.T) {
	p := NewProvider(2, 64)

	b1, err := p.AllocPooledOr(32)
	if err != nil || b1.Prov != Pooled {
		t.Fatalf("expected pooled buffer, got prov=%v err=%v", b1.Prov, err)
	}
	b2, err := p.AllocPooledOr(64)
	if err != nil || b2.Prov != Pooled {
		t.Fatalf("expected pooled buffer, got prov=%v err=%v", b2.Prov, err)
	}
	// Pool now empty: next alloc falls back to heap even though size fits.
	b3, err := p.AllocPooledOr(10)
	if err != nil || b3.Prov != Heap {
		t.Fatalf("expected heap fallback, got prov=%v err=%v", b3.Prov, err)
	}
	// A request larger than chunkSize always goes to heap.
	b4, err := p.AllocPooledOr(1000)
	if err != nil || b4.Prov != Heap {
		t.Fatalf("expected heap for oversized request, got prov=%v err=%v", b4.Prov, err)
	}

	p.Free(b1)
	p.Free(b2)
	p.Free(b3)
	p.Free(b4)
}

func TestFreeRoutesPooledBackToPool(t *testing.T) {
	p := NewProvider(1, 16)
	if got := p.Leased(1); got != 0 {
		t.Fatalf("expected 0 leased initially, got %d", got)
	}

	b, err := p.AllocPooledOr(16)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Leased(1); got != 1 {
		t.Fatalf("expected 1 leased after alloc, got %d", got)
	}

	p.Free(b)
	if got := p.Leased(1); got != 0 {
		t.Fatalf("expected 0 leased after free, got %d", got)
	}

	// The freed slot should be reusable.
	b2, err := p.AllocPooledOr(16)
	if err != nil || b2.Prov != Pooled {
		t.Fatalf("expected pooled reuse, got prov=%v err=%v", b2.Prov, err)
	}
}

func TestGrowPreservesPrefixAndFreesInput(t *testing.T) {
	p := NewProvider(2, 32)

	b, err := p.AllocPooledOr(10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Bytes, []byte("hello!!!!!"))

	grown, err := p.Grow(b, 6, 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(grown.Bytes) != 64 {
		t.Fatalf("expected grown buffer of 64 bytes, got %d", len(grown.Bytes))
	}
	if string(grown.Bytes[:6]) != "hello!" {
		t.Fatalf("expected preserved prefix %q, got %q", "hello!", grown.Bytes[:6])
	}
	// Growing from a zero Buffer should behave as a plain allocation.
	zero, err := p.Grow(Buffer{}, 0, 8)
	if err != nil || len(zero.Bytes) != 8 {
		t.Fatalf("unexpected grow-from-zero result: %+v err=%v", zero, err)
	}
}

func TestFreeOfZeroBufferIsNoop(t *testing.T) {
	p := NewProvider(1, 16)
	p.Free(Buffer{}) // must not panic or corrupt the pool
	if got := p.Leased(1); got != 0 {
		t.Fatalf("expected 0 leased, got %d", got)
	}
}

func TestFreeOfStaticBufferDoesNotEnterPool(t *testing.T) {
	p := NewProvider(1, 16)
	staticBacking := make([]byte, 16)
	p.Free(Buffer{Bytes: staticBacking, Prov: Static})
	// The pool already had its one slot free; a static buffer must not be
	// appended on top of it.
	if got := p.Leased(1); got != 0 {
		t.Fatalf("expected 0 leased, got %d", got)
	}
}
