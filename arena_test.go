package dmapwm

import (
	"testing"
	"unsafe"
)

func TestPhysAt(t *testing.T) {
	ch := &channel{
		numSamples: 1024,
		pageMap: []uint32{
			0x40003000,
			0x40087000,
			0x40001000,
		},
	}

	if got := ch.physAt(0); got != 0x40003000 {
		t.Errorf("physAt(0) = 0x%08x", got)
	}
	if got := ch.physAt(pageSize - 1); got != 0x40003fff {
		t.Errorf("physAt(4095) = 0x%08x", got)
	}
	if got := ch.physAt(pageSize); got != 0x40087000 {
		t.Errorf("physAt(4096) = 0x%08x", got)
	}
	if got := ch.physAt(2*pageSize + 0x123); got != 0x40001123 {
		t.Errorf("physAt(page 2 + 0x123) = 0x%08x", got)
	}

	// Sample words are 4 bytes from the arena start; control blocks follow
	// the sample array, 32 bytes each.
	if got := ch.physSample(3); got != ch.physAt(12) {
		t.Errorf("physSample(3) = 0x%08x", got)
	}
	if got := ch.physCB(0); got != ch.physAt(1024*4) {
		t.Errorf("physCB(0) = 0x%08x", got)
	}
	if got := ch.physCB(5); got != ch.physAt(1024*4+5*32) {
		t.Errorf("physCB(5) = 0x%08x", got)
	}
}

// Integration test for the locked arena and the pagemap walk. Needs a Linux
// kernel and enough of a memlock limit for a few pages; skipped where the
// environment refuses.
func TestArenaPagemap(t *testing.T) {
	fakeSetup(t, DelayViaPwm, 10)

	ch := &channel{subcycleTimeUs: 3000}
	ch.computeGeometry()

	if err := ch.allocArena(); err != nil {
		t.Skipf("cannot allocate locked arena here: %v", err)
	}
	defer ch.releaseArena()

	if len(ch.arena) != ch.numPages*pageSize {
		t.Fatalf("arena length = %d, want %d", len(ch.arena), ch.numPages*pageSize)
	}
	if uintptr(unsafe.Pointer(&ch.arena[0]))&(pageSize-1) != 0 {
		t.Fatal("arena not page aligned")
	}
	if len(ch.samples) != ch.numSamples || len(ch.cbs) != ch.numCBs {
		t.Fatalf("views: %d samples, %d cbs", len(ch.samples), len(ch.cbs))
	}

	// The views alias the arena bytes.
	ch.samples[0] = 0xdeadbeef
	if ch.arena[0] != 0xef || ch.arena[3] != 0xde {
		t.Error("sample view does not alias the arena")
	}
	ch.samples[0] = 0
	ch.cbs[0].info = 0x12345678
	if off := ch.numSamples * 4; ch.arena[off] != 0x78 {
		t.Error("control block view does not alias the arena")
	}
	ch.cbs[0].info = 0

	if err := ch.makePagemap(); err != nil {
		t.Skipf("pagemap walk unavailable here: %v", err)
	}
	if len(ch.pageMap) != ch.numPages {
		t.Fatalf("pageMap has %d entries, want %d", len(ch.pageMap), ch.numPages)
	}
	for i, phys := range ch.pageMap {
		if phys&(pageSize-1) != 0 {
			t.Errorf("page %d: physical address 0x%08x not page aligned", i, phys)
		}
		if phys&busMemBase != busMemBase {
			t.Errorf("page %d: physical address 0x%08x lacks the bus alias", i, phys)
		}
	}
}
