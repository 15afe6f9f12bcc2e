package dmapwm

// Servo is a convenience layer for RC servo control: one pulse per gpio at
// the start of a shared subcycle, with widths given in microseconds.
//
//	servo, _ := dmapwm.NewServo(0, dmapwm.SubcycleTimeUsDefault)
//	servo.SetServo(17, 1200)
//	servo.StopServo(17)
type Servo struct {
	channel        int
	subcycleTimeUs int
	active         map[int]bool // gpios with a pulse currently set
}

// NewServo prepares a servo controller on the given DMA channel, running
// Setup with the defaults and initializing the channel if either has not
// happened yet.
func NewServo(channel, subcycleTimeUs int) (*Servo, error) {
	if !IsSetup() {
		if err := Setup(PulseWidthIncrementUsDefault, DelayViaPwm); err != nil {
			return nil, err
		}
	}
	if !IsChannelInitialized(channel) {
		if err := InitChannel(channel, subcycleTimeUs); err != nil {
			return nil, err
		}
	}
	return &Servo{
		channel:        channel,
		subcycleTimeUs: subcycleTimeUs,
		active:         make(map[int]bool),
	}, nil
}

// SetServo sets a gpio's servo pulse to pulseWidthUs microseconds,
// replacing any previous pulse on that gpio. The width must be a multiple
// of the pulse-width increment.
func (s *Servo) SetServo(gpio, pulseWidthUs int) error {
	incr := PulseIncrementUs()
	if incr <= 0 {
		return fatal(stateErrorf("dmapwm: servo used before Setup"))
	}
	if pulseWidthUs%incr != 0 {
		return fatal(configErrorf("dmapwm: servo pulse width %dus is not a multiple of the %dus increment",
			pulseWidthUs, incr))
	}
	if s.active[gpio] {
		if err := ClearChannelGpio(s.channel, gpio); err != nil {
			return err
		}
	}
	if err := AddChannelPulse(s.channel, gpio, 0, pulseWidthUs/incr); err != nil {
		return err
	}
	s.active[gpio] = true
	return nil
}

// StopServo removes the gpio's pulse and leaves the line low.
func (s *Servo) StopServo(gpio int) error {
	delete(s.active, gpio)
	return ClearChannelGpio(s.channel, gpio)
}
