package dmapwm

import "fmt"

// Errors fall into four categories. None of them are recoverable in place:
// a half-configured DMA channel is unsafe to leave running, so in hard-fatal
// mode (the default) any of these triggers Shutdown() followed by process
// exit. SetSoftFatal(true) returns them to the caller instead.

// ConfigurationError: setup called twice, subcycle below minimum, channel or
// gpio id out of range.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

// ResourceError: /dev/mem, mmap or pagemap failures.
type ResourceError struct {
	msg string
}

func (e *ResourceError) Error() string { return e.msg }

// StateError: operation on an uninitialized or already shut down channel,
// double init, or engine not set up.
type StateError struct {
	msg string
}

func (e *StateError) Error() string { return e.msg }

// RangeError: pulse bounds exceed the channel's capacity.
type RangeError struct {
	msg string
}

func (e *RangeError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func resourceErrorf(format string, args ...interface{}) error {
	return &ResourceError{msg: fmt.Sprintf(format, args...)}
}

func stateErrorf(format string, args ...interface{}) error {
	return &StateError{msg: fmt.Sprintf(format, args...)}
}

func rangeErrorf(format string, args ...interface{}) error {
	return &RangeError{msg: fmt.Sprintf(format, args...)}
}
