/*

Package dmapwm provides flexible, hardware-timed PWM on the Raspberry Pi by
driving the DMA controller, without any need for external c libraries. Once
a channel is started the waveform is replayed entirely in hardware: the CPU
is not involved, and the timing does not degrade under load the way a
software delay loop does. Typical use is servo and motor control, where
sub-microsecond-class jitter matters.

Supports:
- up to 15 DMA channels, multiple gpios and pulses per channel
- pulse resolution down to 1us
- timing by PWM (default) or PCM hardware

Subcycles

Each channel endlessly repeats a subcycle of user-defined length (3ms or
more; shorter subcycles make the hardware unreliable). Pulses are placed
inside the subcycle and repeat with it. For servos a typical subcycle is
20ms, repeated 50 times a second.

Pulse width increment granularity

All pulse start and width values are multiples of the pulse-width increment
(default 10us), which is shared by every channel because it is programmed
into the PWM/PCM timing hardware. To set a 500us pulse with a 10us
granularity, use a width of 50. Finer granularity and longer subcycles both
use more DMA memory.

Example of use:

	dmapwm.Setup(10, dmapwm.DelayViaPwm)
	defer dmapwm.Shutdown()

	dmapwm.InitChannel(0, 20000)

	// 1500us servo pulse on GPIO 17, repeating every 20ms
	dmapwm.AddChannelPulse(0, 17, 0, 150)

Requires root (or CAP_SYS_RAWIO and CAP_IPC_LOCK) for /dev/mem access and
locked memory.

See the BCM2835 ARM Peripherals datasheet for the hardware details:
http://www.raspberrypi.org/wp-content/uploads/2012/02/BCM2835-ARM-Peripherals.pdf

*/
package dmapwm

import (
	"log"
	"os"
	"sync"
)

// DelayHardware selects the timing peripheral whose DREQ line paces the DMA
// engine. It is fixed for the process lifetime because the tick is shared by
// all channels.
type DelayHardware int

const (
	DelayViaPwm DelayHardware = iota
	DelayViaPcm
)

// Defaults and limits.
const (
	// SubcycleTimeUsDefault is a sensible subcycle for servo control (50Hz).
	SubcycleTimeUsDefault = 20000

	// SubcycleTimeUsMin is the shortest reliable subcycle. Below this we
	// kept seeing no signals and strange behavior of the RPi.
	SubcycleTimeUsMin = 3000

	// PulseWidthIncrementUsDefault is the default granularity.
	PulseWidthIncrementUsDefault = 10
)

// LogLevel controls debug output.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelErrors
)

// Process-wide state, set once by Setup and guarded by memlock. The lock
// also serializes the pulse editors against Shutdown; only the DMA engine
// itself reads the sample buffers without it, see pulse.go.
var (
	memlock sync.Mutex

	setupDone        bool
	pulseWidthIncrUs int = -1
	delayHw              = DelayViaPwm
	gpioSetupMask    uint32 // bitfield of gpios set up as output/low

	softFatal    bool
	errorMessage string

	logLevel = LogLevelErrors
)

// SetLogLevel sets the verbosity of the package's log output.
func SetLogLevel(level LogLevel) {
	logLevel = level
}

// SetSoftFatal switches error handling from the default hard-fatal mode
// (print, tear down all DMA activity and exit the process) to returning the
// error to the caller. Embedding layers that must not be unilaterally
// terminated should enable this; the last message is kept for
// ErrorMessage.
func SetSoftFatal(enabled bool) {
	memlock.Lock()
	defer memlock.Unlock()
	softFatal = enabled
}

// ErrorMessage returns the message of the last error, for embedding layers
// running in soft-fatal mode.
func ErrorMessage() string {
	memlock.Lock()
	defer memlock.Unlock()
	return errorMessage
}

// fatal routes every operation failure. A half-configured DMA channel is
// unsafe to leave running, so by default the process is torn down and
// terminated; in soft-fatal mode the error is recorded and handed back.
func fatal(err error) error {
	memlock.Lock()
	errorMessage = err.Error()
	soft := softFatal
	memlock.Unlock()

	if soft {
		return err
	}
	log.Println(err)
	Shutdown()
	os.Exit(1)
	return err
}

func logf(format string, args ...interface{}) {
	log.Printf("dmapwm: "+format, args...)
}

func debugf(format string, args ...interface{}) {
	if logLevel > LogLevelDebug {
		return
	}
	log.Printf("dmapwm: "+format, args...)
}

// Setup maps the peripheral registers and starts the PWM/PCM timer. The
// delay hardware and pulse-width increment granularity apply to all DMA
// channels and cannot be changed at runtime, since the timing tick is shared
// hardware. Must be called exactly once, before any channel is initialized.
func Setup(pulseIncrUs int, hw DelayHardware) error {
	if err := setup(pulseIncrUs, hw); err != nil {
		return fatal(err)
	}
	return nil
}

func setup(pulseIncrUs int, hw DelayHardware) error {
	memlock.Lock()
	defer memlock.Unlock()

	if setupDone {
		return configErrorf("dmapwm: Setup has already been called")
	}
	if pulseIncrUs < 1 {
		return configErrorf("dmapwm: pulse-width increment %dus out of range", pulseIncrUs)
	}
	if hw != DelayViaPwm && hw != DelayViaPcm {
		return configErrorf("dmapwm: unknown delay hardware %d", hw)
	}
	delayHw = hw
	pulseWidthIncrUs = pulseIncrUs

	if hw == DelayViaPwm {
		debugf("using PWM delay hardware, %dus increments", pulseIncrUs)
	} else {
		debugf("using PCM delay hardware, %dus increments", pulseIncrUs)
	}

	// It is vital that the DMA engine dies with the process, whichever way
	// the process goes.
	setupSignalHandlers()

	if err := mapPeripherals(); err != nil {
		return err
	}
	initHardware()

	setupDone = true
	return nil
}

// Shutdown quiesces every initialized channel to all-low output, resets its
// DMA engine and unmaps its memory. Idempotent: calling it twice, or with
// nothing initialized, is a no-op. It runs from normal control flow, from
// fatal errors, and from the signal guard; the hardware-reset sequence does
// not allocate.
func Shutdown() {
	memlock.Lock()
	defer memlock.Unlock()

	for i, ch := range channels {
		if ch == nil {
			continue
		}
		debugf("shutting down dma channel %d", i)
		ch.clear()
		udelay(ch.subcycleTimeUs)
		ch.stopDma()
		ch.releaseArena()
		channels[i] = nil
	}
}

// IsSetup reports whether Setup has completed.
func IsSetup() bool {
	memlock.Lock()
	defer memlock.Unlock()
	return setupDone
}

// IsChannelInitialized reports whether a channel id currently owns a running
// DMA engine. Out-of-range ids report false.
func IsChannelInitialized(channelID int) bool {
	memlock.Lock()
	defer memlock.Unlock()
	return channelID >= 0 && channelID < dmaChannels && channels[channelID] != nil
}

// PulseIncrementUs returns the process-wide pulse-width increment
// granularity in microseconds, or -1 before Setup.
func PulseIncrementUs() int {
	memlock.Lock()
	defer memlock.Unlock()
	if !setupDone {
		return -1
	}
	return pulseWidthIncrUs
}

// SubcycleTimeUs returns a channel's subcycle time in microseconds.
func SubcycleTimeUs(channelID int) (int, error) {
	memlock.Lock()
	defer memlock.Unlock()
	ch, err := getChannel(channelID)
	if err != nil {
		return 0, err
	}
	return ch.subcycleTimeUs, nil
}
