package dmapwm

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestMain(m *testing.M) {
	// Hard-fatal mode would exit the test process on the first negative
	// test.
	SetSoftFatal(true)
	SetLogLevel(LogLevelErrors)
	os.Exit(m.Run())
}

// fakeSetup swaps the peripheral register windows for plain in-memory
// slices so the engine logic can run without /dev/mem or a Pi.
func fakeSetup(t *testing.T, hw DelayHardware, incrUs int) {
	t.Helper()
	memlock.Lock()
	dmaMem = make([]uint32, dmaLen/4)
	pwmMem = make([]uint32, pwmLen/4)
	pcmMem = make([]uint32, pcmLen/4)
	clkMem = make([]uint32, clkLen/4)
	gpioMem = make([]uint32, gpioLen/4)
	delayHw = hw
	pulseWidthIncrUs = incrUs
	gpioSetupMask = 0
	setupDone = true
	memlock.Unlock()
	t.Cleanup(teardownFake)
}

func teardownFake() {
	memlock.Lock()
	defer memlock.Unlock()
	for i := range channels {
		channels[i] = nil // fake channels own no mappings
	}
	setupDone = false
	pulseWidthIncrUs = -1
	delayHw = DelayViaPwm
	gpioSetupMask = 0
	errorMessage = ""
	dmaMem, pwmMem, pcmMem, clkMem, gpioMem = nil, nil, nil, nil, nil
}

// fakeChannel registers a channel backed by ordinary slices, with a
// synthetic page map, and builds its control block chain.
func fakeChannel(t *testing.T, id, subcycleTimeUs int) *channel {
	t.Helper()
	ch := &channel{subcycleTimeUs: subcycleTimeUs}
	ch.computeGeometry()
	ch.samples = make([]uint32, ch.numSamples)
	ch.cbs = make([]controlBlock, ch.numCBs)
	ch.pageMap = make([]uint32, ch.numPages)
	for i := range ch.pageMap {
		// Deliberately non-contiguous frames, as real pages would be.
		ch.pageMap[i] = busMemBcm2835 + uint32(i)*3*pageSize
	}
	ch.dmaReg = dmaMem[id*dmaChannelInc/4 : (id+1)*dmaChannelInc/4]
	fifo, info := paceTarget()
	ch.buildControlBlocks(fifo, info)
	channels[id] = ch
	return ch
}

func TestSetupValidation(t *testing.T) {
	if err := Setup(0, DelayViaPwm); err == nil {
		t.Fatal("Setup with zero increment should fail")
	} else {
		var cerr *ConfigurationError
		if !errors.As(err, &cerr) {
			t.Fatalf("want ConfigurationError, got %T: %v", err, err)
		}
	}
	if err := Setup(10, DelayHardware(7)); err == nil {
		t.Fatal("Setup with unknown delay hardware should fail")
	}
}

func TestSetupTwice(t *testing.T) {
	fakeSetup(t, DelayViaPwm, 10)

	err := Setup(10, DelayViaPwm)
	if err == nil {
		t.Fatal("second Setup call should fail")
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ConfigurationError, got %T: %v", err, err)
	}
}

func TestOperateBeforeInit(t *testing.T) {
	fakeSetup(t, DelayViaPwm, 10)

	var serr *StateError
	if err := AddChannelPulse(0, 17, 0, 10); !errors.As(err, &serr) {
		t.Errorf("AddChannelPulse on uninitialized channel: want StateError, got %v", err)
	}
	if err := ClearChannel(0); !errors.As(err, &serr) {
		t.Errorf("ClearChannel on uninitialized channel: want StateError, got %v", err)
	}
	if err := ClearChannelGpio(0, 17); !errors.As(err, &serr) {
		t.Errorf("ClearChannelGpio on uninitialized channel: want StateError, got %v", err)
	}
	if err := SetChannelPulse(0, 10); !errors.As(err, &serr) {
		t.Errorf("SetChannelPulse on uninitialized channel: want StateError, got %v", err)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	// Nothing initialized: both calls are no-ops.
	Shutdown()
	Shutdown()

	fakeSetup(t, DelayViaPwm, 10)
	fakeChannel(t, 1, 3000)

	Shutdown()
	if IsChannelInitialized(1) {
		t.Error("channel 1 still initialized after Shutdown")
	}
	Shutdown()
}

// The signal guard runs Shutdown on its own goroutine while callers may
// still be editing pulses. The edits must either complete before the arena
// is released or fail the channel lookup, never touch freed buffers.
func TestShutdownDuringPulseEdits(t *testing.T) {
	fakeSetup(t, DelayViaPwm, 10)
	fakeChannel(t, 0, 4000)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if addChannelPulse(0, 17, 0, 50) != nil {
				return // channel released, nothing left to edit
			}
		}
	}()
	Shutdown()
	<-done

	if IsChannelInitialized(0) {
		t.Error("channel still registered after Shutdown")
	}
}

func TestShutdownResetsDma(t *testing.T) {
	fakeSetup(t, DelayViaPwm, 10)
	ch := fakeChannel(t, 0, 3000)

	ch.startDma()
	if ch.dmaReg[dmaCs] != dmaActive {
		t.Fatalf("dma cs after start = 0x%08x, want 0x%08x", ch.dmaReg[dmaCs], uint32(dmaActive))
	}
	if ch.dmaReg[dmaConblkAd] != ch.physCB(0) {
		t.Fatalf("conblk_ad = 0x%08x, want 0x%08x", ch.dmaReg[dmaConblkAd], ch.physCB(0))
	}

	Shutdown()
	if dmaMem[dmaCs] != dmaReset {
		t.Errorf("dma cs after Shutdown = 0x%08x, want reset (0x%08x)", dmaMem[dmaCs], uint32(dmaReset))
	}
}

func TestQueries(t *testing.T) {
	if IsSetup() {
		t.Fatal("IsSetup true before Setup")
	}
	if got := PulseIncrementUs(); got != -1 {
		t.Fatalf("PulseIncrementUs before Setup = %d, want -1", got)
	}

	fakeSetup(t, DelayViaPwm, 10)
	if !IsSetup() {
		t.Fatal("IsSetup false after setup")
	}
	if got := PulseIncrementUs(); got != 10 {
		t.Fatalf("PulseIncrementUs = %d, want 10", got)
	}

	if IsChannelInitialized(5) {
		t.Error("channel 5 reported initialized")
	}
	if IsChannelInitialized(-1) || IsChannelInitialized(99) {
		t.Error("out-of-range channel reported initialized")
	}
	if _, err := SubcycleTimeUs(5); err == nil {
		t.Error("SubcycleTimeUs on uninitialized channel should fail")
	}

	fakeChannel(t, 5, 4000)
	if !IsChannelInitialized(5) {
		t.Error("channel 5 not reported initialized")
	}
	got, err := SubcycleTimeUs(5)
	if err != nil {
		t.Fatalf("SubcycleTimeUs: %v", err)
	}
	if got != 4000 {
		t.Errorf("SubcycleTimeUs = %d, want 4000", got)
	}
}

func TestSoftFatalMessage(t *testing.T) {
	fakeSetup(t, DelayViaPwm, 10)

	err := InitChannel(99, 20000)
	if err == nil {
		t.Fatal("InitChannel(99) should fail")
	}
	if ErrorMessage() != err.Error() {
		t.Errorf("ErrorMessage = %q, want %q", ErrorMessage(), err.Error())
	}
	if !strings.Contains(ErrorMessage(), "out of range") {
		t.Errorf("ErrorMessage = %q, want mention of the range", ErrorMessage())
	}
}
