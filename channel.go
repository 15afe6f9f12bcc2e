package dmapwm

// 15 DMA channels are usable on the RPi (0..14)
const dmaChannels = 15

const controlBlockSize = 32

// controlBlock is the hardware-read DMA transfer descriptor (datasheet p40):
// 8 words, 256 bits. The layout is fixed by the DMA engine; do not reorder.
type controlBlock struct {
	info   uint32 // TI: transfer information
	src    uint32 // SOURCE_AD
	dst    uint32 // DEST_AD
	length uint32 // TXFR_LEN: transfer length
	stride uint32 // 2D stride mode
	next   uint32 // NEXTCONBK
	pad1   uint32
	pad2   uint32
}

// channel owns one hardware DMA engine instance: its locked arena, the
// sample words (one bitmask of asserted gpios per time slice), the circular
// control block chain built over them, and the page-to-physical table.
type channel struct {
	arena   []byte
	samples []uint32
	cbs     []controlBlock
	pageMap []uint32
	dmaReg  []uint32 // this channel's register window

	subcycleTimeUs int

	// Derived geometry
	numSamples int
	numCBs     int
	numPages   int
	widthMax   int

	// gpios with pulses on this channel, used by SetChannelPulse
	gpioMask uint32
}

// Bounds-checked registry of initialized channels, indexed by hardware
// channel id. Exactly one *channel may own an id at a time.
var channels [dmaChannels]*channel

// getChannel returns the initialized channel for id, or an error fit for the
// failed operation.
func getChannel(id int) (*channel, error) {
	if id < 0 || id >= dmaChannels {
		return nil, configErrorf("dmapwm: channel %d out of range (max %d)", id, dmaChannels-1)
	}
	if channels[id] == nil {
		return nil, stateErrorf("dmapwm: channel %d has not been initialized with InitChannel", id)
	}
	return channels[id], nil
}

// InitChannel sets up a DMA channel with a specific subcycle time and starts
// its engine. After that, pulses can be added at any time. The subcycle is
// replayed endlessly in hardware without any further software involvement.
func InitChannel(channelID, subcycleTimeUs int) error {
	if err := initChannel(channelID, subcycleTimeUs); err != nil {
		return fatal(err)
	}
	return nil
}

func initChannel(channelID, subcycleTimeUs int) error {
	memlock.Lock()
	defer memlock.Unlock()

	debugf("initializing channel %d", channelID)
	if !setupDone {
		return stateErrorf("dmapwm: Setup must be called before initializing channels")
	}
	if channelID < 0 || channelID >= dmaChannels {
		return configErrorf("dmapwm: channel %d out of range (max %d)", channelID, dmaChannels-1)
	}
	if channels[channelID] != nil {
		return stateErrorf("dmapwm: channel %d already initialized", channelID)
	}
	if subcycleTimeUs < SubcycleTimeUsMin {
		return configErrorf("dmapwm: subcycle time %dus is too small (min %dus)",
			subcycleTimeUs, SubcycleTimeUsMin)
	}

	ch := &channel{subcycleTimeUs: subcycleTimeUs}
	ch.computeGeometry()

	if err := ch.allocArena(); err != nil {
		return err
	}
	if err := ch.makePagemap(); err != nil {
		ch.releaseArena()
		return err
	}

	ch.dmaReg = dmaMem[channelID*dmaChannelInc/4 : (channelID+1)*dmaChannelInc/4]
	fifo, info := paceTarget()
	ch.buildControlBlocks(fifo, info)
	ch.startDma()

	channels[channelID] = ch
	return nil
}

// computeGeometry derives the sample, control block and page counts from the
// subcycle time and the global pulse-width increment.
func (ch *channel) computeGeometry() {
	ch.numSamples = ch.subcycleTimeUs / pulseWidthIncrUs
	ch.widthMax = ch.numSamples - 1
	ch.numCBs = ch.numSamples * 2
	ch.numPages = (ch.numCBs*controlBlockSize + ch.numSamples*4 + pageSize - 1) >> pageShift
}

// buildControlBlocks emits the circular descriptor chain: for each sample, a
// state block that writes the 4-byte sample word to the GPIO clear register
// (set-pulses retarget it later), chained to a pace block that writes a
// throwaway word to the timing peripheral's FIFO, gated by DREQ so the
// engine stalls for exactly one increment before advancing. The last block
// links back to the first, closing the loop. Every src/dst/next here is a
// bus address; a single wrong one makes the hardware write into memory we do
// not own.
func (ch *channel) buildControlBlocks(fifo, paceInfo uint32) {
	for i := 0; i < ch.numSamples; i++ {
		ch.samples[i] = 0

		state := &ch.cbs[2*i]
		state.info = dmaNoWideBursts | dmaWaitResp
		state.src = ch.physSample(i)
		state.dst = physGpclr0
		state.length = 4
		state.stride = 0
		state.next = ch.physCB(2*i + 1)

		pace := &ch.cbs[2*i+1]
		pace.info = paceInfo
		pace.src = ch.physSample(0) // any word will do
		pace.dst = fifo
		pace.length = 4
		pace.stride = 0
		if i == ch.numSamples-1 {
			// Close the loop here: physCB(numCBs) is one byte past the
			// arena, which has no mapped page when the arena ends exactly on
			// a page boundary.
			pace.next = ch.physCB(0)
		} else {
			pace.next = ch.physCB(2*i + 2)
		}
	}
}

// startDma resets the channel's engine, points it at the first control block
// and issues the go command (datasheet p46/47).
func (ch *channel) startDma() {
	ch.dmaReg[dmaCs] = dmaReset
	udelay(10)
	ch.dmaReg[dmaCs] = dmaInt | dmaEnd // clear interrupt status and end flag
	ch.dmaReg[dmaConblkAd] = ch.physCB(0)
	ch.dmaReg[dmaDebug] = 7 // clear debug error flags
	ch.dmaReg[dmaCs] = dmaActive
}

// stopDma quiesces and resets the channel's engine. Must not allocate: it is
// reachable from the signal handler goroutine.
func (ch *channel) stopDma() {
	ch.dmaReg[dmaCs] = dmaReset
	udelay(10)
}

// PrintChannel logs a channel's geometry, for diagnostics.
func PrintChannel(channelID int) error {
	if err := printChannel(channelID); err != nil {
		return fatal(err)
	}
	return nil
}

func printChannel(channelID int) error {
	memlock.Lock()
	defer memlock.Unlock()
	ch, err := getChannel(channelID)
	if err != nil {
		return err
	}
	logf("channel %d:", channelID)
	logf("    subcycle time: %dus", ch.subcycleTimeUs)
	logf("    pw increments: %dus", pulseWidthIncrUs)
	logf("    num samples:   %d", ch.numSamples)
	logf("    num cbs:       %d", ch.numCBs)
	logf("    num pages:     %d", ch.numPages)
	return nil
}
