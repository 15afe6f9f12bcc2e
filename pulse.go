package dmapwm

// The pulse editor writes directly into the memory the DMA engine is
// concurrently reading; the hardware side could not honor a lock. The
// consistency contract is bounded staleness: any mutation is visible in the
// output within one subcycle period, and the previous waveform may be
// observed for up to that long after a call returns. On the software side
// each editing operation holds memlock, so Shutdown (which the signal guard
// may run at any time) cannot unmap an arena mid-edit.

// AddChannelPulse adds a pulse for a gpio within the channel's subcycle:
// high from slot start for width increments, low after. start and width are
// multiples of the pulse-width increment. More pulses can share a channel,
// on the same or different gpios; a gpio is lazily switched to output mode
// on first use.
//
// Be careful: if one gpio is set high and another low in the same timeslot,
// only the later-added action is executed for both. Offset such inverted
// signals by one slot, or use separate channels.
func AddChannelPulse(channelID, gpio, start, width int) error {
	if err := addChannelPulse(channelID, gpio, start, width); err != nil {
		return fatal(err)
	}
	return nil
}

func addChannelPulse(channelID, gpio, start, width int) error {
	debugf("add_channel_pulse: channel=%d gpio=%d start=%d width=%d", channelID, gpio, start, width)
	memlock.Lock()
	defer memlock.Unlock()

	ch, err := getChannel(channelID)
	if err != nil {
		return err
	}
	if err := checkGpio(gpio); err != nil {
		return err
	}
	if start < 0 || width < 0 || start+width > ch.widthMax {
		return rangeErrorf("dmapwm: cannot add pulse to channel %d: start=%d width=%d exceeds max width %d",
			channelID, start, width, ch.widthMax)
	}

	if gpioSetupMask&(1<<uint(gpio)) == 0 {
		initGpio(gpio)
	}
	ch.gpioMask |= 1 << uint(gpio)

	bit := uint32(1) << uint(gpio)

	// Assert the gpio at the start slot
	ch.samples[start] |= bit
	ch.cbs[2*start].dst = physGpset0

	// Do nothing for the specified width
	for i := start + 1; i < start+width; i++ {
		ch.samples[i] &^= bit
	}

	// Clear the gpio at the end
	ch.samples[start+width] |= bit
	ch.cbs[2*(start+width)].dst = physGpclr0
	return nil
}

// SetChannelPulse replaces the channel's waveform with a single pulse: all
// gpios previously added to the channel go high at slot 0 and low at slot
// width. A width of 0 drives them all low.
func SetChannelPulse(channelID, width int) error {
	if err := setChannelPulse(channelID, width); err != nil {
		return fatal(err)
	}
	return nil
}

func setChannelPulse(channelID, width int) error {
	debugf("set_channel_pulse: channel=%d width=%d", channelID, width)
	memlock.Lock()
	defer memlock.Unlock()

	ch, err := getChannel(channelID)
	if err != nil {
		return err
	}
	if width < 0 || width > ch.widthMax {
		return rangeErrorf("dmapwm: cannot set pulse on channel %d: width=%d exceeds max width %d",
			channelID, width, ch.widthMax)
	}
	if ch.gpioMask == 0 {
		return stateErrorf("dmapwm: no gpios have been added to channel %d", channelID)
	}

	// Drop any previous set-retargets and zero every slot, then write only
	// the two pulse edges. The idle slots stay at the default (clear a zero
	// word), same as a freshly cleared channel.
	for i := 0; i < ch.numSamples; i++ {
		ch.cbs[2*i].dst = physGpclr0
		ch.samples[i] = 0
	}
	if width == 0 {
		ch.samples[0] = ch.gpioMask
		return nil
	}
	ch.samples[0] = ch.gpioMask
	ch.cbs[0].dst = physGpset0
	ch.samples[width] = ch.gpioMask
	return nil
}

// ClearChannelGpio removes all pulses for a gpio on a channel and drives the
// line low. The gpio must have been added before.
func ClearChannelGpio(channelID, gpio int) error {
	if err := clearChannelGpio(channelID, gpio); err != nil {
		return fatal(err)
	}
	return nil
}

func clearChannelGpio(channelID, gpio int) error {
	debugf("clear_channel_gpio: channel=%d gpio=%d", channelID, gpio)
	memlock.Lock()
	defer memlock.Unlock()

	ch, err := getChannel(channelID)
	if err != nil {
		return err
	}
	if err := checkGpio(gpio); err != nil {
		return err
	}
	if gpioSetupMask&(1<<uint(gpio)) == 0 {
		return stateErrorf("dmapwm: cannot clear gpio %d: it has not been set up", gpio)
	}

	bit := uint32(1) << uint(gpio)
	for i := 0; i < ch.numSamples; i++ {
		ch.samples[i] &^= bit
	}
	gpioWrite(gpio, false)
	return nil
}

// ClearChannel resets a channel to its initial state: every state descriptor
// back to the clear register, and after one subcycle has elapsed (so the
// live DMA pass observes the change) the sample buffer is zeroed.
func ClearChannel(channelID int) error {
	if err := clearChannel(channelID); err != nil {
		return fatal(err)
	}
	return nil
}

func clearChannel(channelID int) error {
	debugf("clear_channel: channel=%d", channelID)
	memlock.Lock()
	defer memlock.Unlock()

	ch, err := getChannel(channelID)
	if err != nil {
		return err
	}
	ch.clear()
	return nil
}

// clear stops all enabled pulses, then zeroes the samples once the engine
// has done a full pass over the clear targets. Allocation free.
func (ch *channel) clear() {
	for i := 0; i < ch.numSamples; i++ {
		ch.cbs[2*i].dst = physGpclr0
	}
	udelay(ch.subcycleTimeUs)
	for i := 0; i < ch.numSamples; i++ {
		ch.samples[i] = 0
	}
}

// The sample word covers GPIO bank 0 only.
func checkGpio(gpio int) error {
	if gpio < 0 || gpio > 31 {
		return configErrorf("dmapwm: gpio %d out of range (0..31)", gpio)
	}
	return nil
}
