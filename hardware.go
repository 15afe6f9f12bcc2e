package dmapwm

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// Peripheral offsets from the SoC base, see the BCM2835 ARM Peripherals
// datasheet:
// http://www.raspberrypi.org/wp-content/uploads/2012/02/BCM2835-ARM-Peripherals.pdf
const (
	bcm2835Base = 0x20000000 // BCM2835 (Pi 1 / Zero), overridden by device tree

	dmaOffset  = 0x7000
	clkOffset  = 0x101000
	gpioOffset = 0x200000
	pwmOffset  = 0x20C000
	pcmOffset  = 0x203000

	dmaChannelInc = 0x100
	dmaLen        = dmaChannelInc * dmaChannels // windows for channels 0..14
	pwmLen        = 0x28
	clkLen        = 0xA8
	gpioLen       = 0x100
	pcmLen        = 0x24
)

// The DMA engine sees peripherals and the uncached SDRAM alias through the
// VC bus, not at their ARM physical addresses. The bus addresses are the
// same on every board revision.
const (
	busPeriphBase = 0x7e000000

	physGpset0   = busPeriphBase + gpioOffset + 0x1c
	physGpclr0   = busPeriphBase + gpioOffset + 0x28
	physPwmFifo  = busPeriphBase + pwmOffset + 0x18
	physPcmFifo  = busPeriphBase + pcmOffset + 0x04

	busMemBcm2835 = 0x40000000 // L2 coherent alias (Pi 1 / Zero)
	busMemBcm2836 = 0xC0000000 // uncached alias (Pi 2 / 3)
)

// Each DMA channel has three registers we write (p46/47), word offsets:
const (
	dmaCs       = 0x00 / 4
	dmaConblkAd = 0x04 / 4
	dmaDebug    = 0x20 / 4
)

// DMA transfer information and control/status bits (p51):
const (
	dmaNoWideBursts = 1 << 26
	dmaDestDreq     = 1 << 6
	dmaWaitResp     = 1 << 3
	dmaEnd          = 1 << 1
	dmaInt          = 1 << 2
	dmaReset        = 1 << 31

	// go, mid priority, wait for outstanding writes
	dmaActive = 0x10880001
)

func dmaPerMap(peripheral uint32) uint32 {
	return peripheral << 16
}

// GPIO register word offsets
const (
	gpioFsel0 = 0x00 / 4
	gpioSet0  = 0x1c / 4
	gpioClr0  = 0x28 / 4
)

const (
	gpioModeIn  = 0
	gpioModeOut = 1
)

// PWM registers and control bits
const (
	pwmCtl  = 0x00 / 4
	pwmDmac = 0x08 / 4
	pwmRng1 = 0x10 / 4
	pwmFifo = 0x18 / 4

	pwmctlPwen1 = 1 << 0
	pwmctlMode1 = 1 << 1
	pwmctlUsef1 = 1 << 5
	pwmctlClrf  = 1 << 6

	pwmdmacEnab    = 1 << 31
	pwmdmacThrshld = 15<<8 | 15<<0
)

// PCM registers
const (
	pcmCsA   = 0x00 / 4
	pcmFifoA = 0x04 / 4
	pcmModeA = 0x08 / 4
	pcmTxcA  = 0x10 / 4
	pcmDreqA = 0x14 / 4
)

// Clock manager word offsets and password
const (
	pcmclkCntl = 38
	pcmclkDiv  = 39
	pwmclkCntl = 40
	pwmclkDiv  = 41

	clkPasswd = 0x5A000000
)

// Register windows, mapped once per process by Setup. The 8-bit slices are
// kept around for munmap.
var (
	dmaMem  []uint32
	pwmMem  []uint32
	pcmMem  []uint32
	clkMem  []uint32
	gpioMem []uint32

	dmaMem8  []uint8
	pwmMem8  []uint8
	pcmMem8  []uint8
	clkMem8  []uint8
	gpioMem8 []uint8

	// ARM physical base of the peripheral block and the matching bus alias
	// for SDRAM, detected from the device tree.
	periphBase int64 = bcm2835Base
	busMemBase uint32 = busMemBcm2835
)

// Read /proc/device-tree/soc/ranges and determine the peripheral base
// address. Use the default BCM2835 base address if this fails.
func getPeriphBase() (base int64) {
	base = bcm2835Base
	ranges, err := os.Open("/proc/device-tree/soc/ranges")
	if err != nil {
		return
	}
	defer ranges.Close()
	b := make([]byte, 4)
	n, err := ranges.ReadAt(b, 4)
	if n != 4 || err != nil {
		return
	}
	buf := bytes.NewReader(b)
	var out uint32
	err = binary.Read(buf, binary.BigEndian, &out)
	if err != nil || out == 0 {
		return
	}
	return int64(out)
}

// mapPeripherals maps the DMA, PWM, PCM, clock and GPIO register blocks.
// The fd can be closed once all windows are mapped.
func mapPeripherals() error {
	if os.Geteuid() != 0 && !haveEffectiveCap(cap.SYS_RAWIO) {
		return resourceErrorf("dmapwm: /dev/mem requires root or CAP_SYS_RAWIO")
	}

	file, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return resourceErrorf("dmapwm: failed to open /dev/mem: %v", err)
	}
	defer file.Close()

	periphBase = getPeriphBase()
	if periphBase == bcm2835Base {
		busMemBase = busMemBcm2835
	} else {
		busMemBase = busMemBcm2836
	}

	windows := []struct {
		offset int64
		length int
		mem    *[]uint32
		mem8   *[]uint8
	}{
		{dmaOffset, dmaLen, &dmaMem, &dmaMem8},
		{pwmOffset, pwmLen, &pwmMem, &pwmMem8},
		{pcmOffset, pcmLen, &pcmMem, &pcmMem8},
		{clkOffset, clkLen, &clkMem, &clkMem8},
		{gpioOffset, gpioLen, &gpioMem, &gpioMem8},
	}
	for _, w := range windows {
		mem8, err := unix.Mmap(
			int(file.Fd()),
			periphBase+w.offset,
			w.length,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED)
		if err != nil {
			unmapPeripherals()
			return resourceErrorf("dmapwm: failed to map peripheral at 0x%08x: %v",
				periphBase+w.offset, err)
		}
		*w.mem8 = mem8
		*w.mem = uint32Slice(mem8)
	}
	return nil
}

func unmapPeripherals() {
	for _, mem8 := range []*[]uint8{&dmaMem8, &pwmMem8, &pcmMem8, &clkMem8, &gpioMem8} {
		if *mem8 != nil {
			unix.Munmap(*mem8)
			*mem8 = nil
		}
	}
	dmaMem, pwmMem, pcmMem, clkMem, gpioMem = nil, nil, nil, nil, nil
}

// Convert mapped byte memory to an unsafe []uint32 pointer, adjusting the
// length as needed.
func uint32Slice(mem8 []uint8) []uint32 {
	if len(mem8) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&mem8[0])), len(mem8)/(32/8)) // (32 bit = 4 bytes)
}

func haveEffectiveCap(v cap.Value) bool {
	on, err := cap.GetProc().GetFlag(cap.Effective, v)
	return err == nil && on
}

// initHardware programs the chosen timing peripheral and its clock for a
// steady DREQ at the pulse-width increment interval. The clock divides the
// 500MHz PLLD source by 50 for a 10MHz reference, so the peripheral consumes
// one FIFO word every incrementUs*10 reference ticks. The short delays
// between register writes are demanded by the datasheet.
func initHardware() {
	if delayHw == DelayViaPwm {
		pwmMem[pwmCtl] = 0
		udelay(10)
		clkMem[pwmclkCntl] = clkPasswd | 0x06 // source = PLLD (500MHz)
		udelay(100)
		clkMem[pwmclkDiv] = clkPasswd | 50<<12 // divide by 50, giving 10MHz
		udelay(100)
		clkMem[pwmclkCntl] = clkPasswd | 0x16 // source = PLLD and enable
		udelay(100)
		pwmMem[pwmRng1] = uint32(pulseWidthIncrUs) * 10
		udelay(10)
		pwmMem[pwmDmac] = pwmdmacEnab | pwmdmacThrshld
		udelay(10)
		pwmMem[pwmCtl] = pwmctlClrf
		udelay(10)
		pwmMem[pwmCtl] = pwmctlUsef1 | pwmctlPwen1
		udelay(10)
	} else {
		pcmMem[pcmCsA] = 1 // disable Rx+Tx, enable PCM block
		udelay(100)
		clkMem[pcmclkCntl] = clkPasswd | 0x06 // source = PLLD (500MHz)
		udelay(100)
		clkMem[pcmclkDiv] = clkPasswd | 50<<12 // divide by 50, giving 10MHz
		udelay(100)
		clkMem[pcmclkCntl] = clkPasswd | 0x16 // source = PLLD and enable
		udelay(100)
		pcmMem[pcmTxcA] = 0<<31 | 1<<30 | 0<<20 | 0<<16 // 1 channel, 8 bits
		udelay(100)
		pcmMem[pcmModeA] = uint32(pulseWidthIncrUs*10-1) << 10
		udelay(100)
		pcmMem[pcmCsA] |= 1<<4 | 1<<3 // clear FIFOs
		udelay(100)
		pcmMem[pcmDreqA] = 64<<24 | 64<<8 // DREQ when one slot is free
		udelay(100)
		pcmMem[pcmCsA] |= 1 << 9 // enable DMA
		udelay(100)
		pcmMem[pcmCsA] |= 1 << 2 // enable Tx
	}
}

// paceTarget returns the bus address of the timing peripheral's FIFO and the
// transfer information word for the paced wait descriptors.
func paceTarget() (fifo, info uint32) {
	if delayHw == DelayViaPwm {
		return physPwmFifo, dmaNoWideBursts | dmaWaitResp | dmaDestDreq | dmaPerMap(5)
	}
	return physPcmFifo, dmaNoWideBursts | dmaWaitResp | dmaDestDreq | dmaPerMap(2)
}

// gpioSetMode switches a gpio between input and output.
func gpioSetMode(gpio, mode uint32) {
	fselReg := gpioFsel0 + gpio/10
	shift := (gpio % 10) * 3

	fsel := gpioMem[fselReg]
	fsel &^= 7 << shift
	fsel |= mode << shift
	gpioMem[fselReg] = fsel
}

// gpioWrite drives a gpio high (true) or low (false) through the set/clear
// registers.
func gpioWrite(gpio int, high bool) {
	if high {
		gpioMem[gpioSet0] = 1 << uint(gpio)
	} else {
		gpioMem[gpioClr0] = 1 << uint(gpio)
	}
}

// initGpio sets a gpio to output, low, and records it as set up.
func initGpio(gpio int) {
	debugf("init gpio %d", gpio)
	gpioWrite(gpio, false)
	gpioSetMode(uint32(gpio), gpioModeOut)
	gpioSetupMask |= 1 << uint(gpio)
}

// Very short delay as demanded per datasheet
func udelay(us int) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}
