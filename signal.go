package dmapwm

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Uncontrolled process death while DMA is active leaves the hardware writing
// into physical pages the kernel will hand to the next process: a memory
// corruption hazard, not just a leak. So the guard catches every terminating
// signal and runs the same teardown as a normal exit before the process
// dies.
//
// Deliberately left alone: SIGCHLD, SIGCONT, SIGWINCH, SIGIO and SIGPIPE
// (benign or non-terminating), SIGURG (used by the Go runtime for
// preemption), and the synchronous fault signals SIGSEGV/SIGBUS/SIGFPE/
// SIGILL/SIGTRAP, which the runtime owns.
var terminatingSignals = []os.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGQUIT,
	unix.SIGABRT,
	unix.SIGUSR1,
	unix.SIGUSR2,
	unix.SIGALRM,
	unix.SIGTERM,
	unix.SIGSTKFLT,
	unix.SIGXCPU,
	unix.SIGXFSZ,
	unix.SIGVTALRM,
	unix.SIGPROF,
	unix.SIGPWR,
	unix.SIGSYS,
}

var signalOnce sync.Once

// setupSignalHandlers installs the teardown guard. The handler path keeps to
// register writes, sleeps and munmap; it allocates nothing.
func setupSignalHandlers() {
	signalOnce.Do(func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, terminatingSignals...)
		go func() {
			s := <-c
			logf("caught %v, shutting down DMA", s)
			Shutdown()
			os.Exit(0)
		}()
	})
}
