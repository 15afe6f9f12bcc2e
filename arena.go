package dmapwm

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pageSize  = 4096
	pageShift = 12
)

// The arena is the only place raw memory is touched: one locked, anonymous,
// page-aligned mapping per channel holding the sample words followed by the
// control blocks, plus the page-to-physical table that turns arena offsets
// into bus addresses for the DMA engine. The mapping must never be swapped
// or migrated once its physical addresses are programmed into hardware, so
// it is allocated MAP_LOCKED and the physical addresses are resolved exactly
// once, at init.

// allocArena maps the channel's sample and control block memory.
func (ch *channel) allocArena() error {
	arena, err := unix.Mmap(
		-1,
		0,
		ch.numPages*pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_LOCKED)
	if err != nil {
		return resourceErrorf("dmapwm: failed to mmap %d locked pages (need CAP_IPC_LOCK or a higher memlock limit?): %v",
			ch.numPages, err)
	}
	if uintptr(unsafe.Pointer(&arena[0]))&(pageSize-1) != 0 {
		unix.Munmap(arena)
		return resourceErrorf("dmapwm: arena is not page aligned")
	}
	ch.arena = arena
	ch.samples = unsafe.Slice((*uint32)(unsafe.Pointer(&arena[0])), ch.numSamples)
	ch.cbs = unsafe.Slice((*controlBlock)(unsafe.Pointer(&arena[ch.numSamples*4])), ch.numCBs)
	return nil
}

// releaseArena unmaps the channel's memory. The DMA engine must already be
// stopped; after this the recorded physical addresses are dead.
func (ch *channel) releaseArena() {
	if ch.arena != nil {
		unix.Munmap(ch.arena)
		ch.arena = nil
	}
	ch.samples = nil
	ch.cbs = nil
	ch.pageMap = nil
}

// makePagemap records the bus address of every arena page by reading the
// kernel's page-table-frame table. Each page is touched first to force it
// resident: the addresses recorded here can never be re-resolved, so a page
// the kernel reports as absent aborts the init.
func (ch *channel) makePagemap() error {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return resourceErrorf("dmapwm: failed to open /proc/self/pagemap: %v", err)
	}
	defer f.Close()

	const (
		pfnPresent = 1 << 63
		pfnSwapped = 1 << 62
		pfnMask    = 1<<55 - 1
	)

	ch.pageMap = make([]uint32, ch.numPages)
	virtBase := uintptr(unsafe.Pointer(&ch.arena[0]))
	for i := 0; i < ch.numPages; i++ {
		// Force the page to be allocated
		ch.arena[i*pageSize] = 0

		var b [8]byte
		offset := int64(virtBase>>pageShift+uintptr(i)) * 8
		if _, err := f.ReadAt(b[:], offset); err != nil {
			return resourceErrorf("dmapwm: failed to read /proc/self/pagemap: %v", err)
		}
		pfn := binary.LittleEndian.Uint64(b[:])
		if pfn&pfnPresent == 0 || pfn&pfnSwapped != 0 {
			return resourceErrorf("dmapwm: arena page %d not memory resident (pfn 0x%016x)", i, pfn)
		}
		ch.pageMap[i] = uint32(pfn&pfnMask)<<pageShift | busMemBase
	}
	return nil
}

// physAt resolves a byte offset inside the arena to the bus address the DMA
// engine must use. O(1) after makePagemap.
func (ch *channel) physAt(offset int) uint32 {
	return ch.pageMap[offset>>pageShift] + uint32(offset&(pageSize-1))
}

// physSample returns the bus address of sample word i.
func (ch *channel) physSample(i int) uint32 {
	return ch.physAt(i * 4)
}

// physCB returns the bus address of control block i.
func (ch *channel) physCB(i int) uint32 {
	return ch.physAt(ch.numSamples*4 + i*controlBlockSize)
}
