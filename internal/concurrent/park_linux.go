//go:build linux

package concurrent

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrParkTimeout is returned by WakeableGate.Park when the wait times out
// without an intervening Signal.
var ErrParkTimeout = errors.New("concurrent: park timed out")

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these (only the FUTEX_WAIT/FUTEX_WAKE syscall numbers, SYS_FUTEX_*), so
// they are mirrored here from the kernel's linux/futex.h ABI.
const (
	_FUTEX_WAIT         = 0
	_FUTEX_WAKE         = 1
	_FUTEX_PRIVATE_FLAG = 128
)

// WakeableGate is a futex-backed park/wake pair used as the last tier of the
// busy-spin -> yield -> park idle-strategy ladder; each agent Runner wires
// its gate into a parking idle strategy in every threading mode.
// It replaces the teacher's hand-rolled syscall.RawSyscall6(SYS_FUTEX, ...)
// calls with the maintained golang.org/x/sys/unix wrapper, but keeps the same
// sequence-number-plus-futex discipline: a waiter snapshots the sequence,
// re-checks it, and only then parks; a signaller bumps the sequence and
// wakes.
type WakeableGate struct {
	seq uint32
}

// Park blocks until Signal is called at least once after seq was sampled, or
// timeout elapses. A timeout of zero blocks indefinitely.
func (g *WakeableGate) Park(timeout time.Duration) error {
	seq := g.seq
	if timeout <= 0 {
		return futexWait(&g.seq, seq)
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptrOf(&g.seq), uintptr(_FUTEX_WAIT|_FUTEX_PRIVATE_FLAG),
		uintptr(seq), uintptrOf(&ts), 0, 0)
	if errno == unix.ETIMEDOUT {
		return ErrParkTimeout
	}
	return nil
}

// Signal wakes any goroutine currently parked in Park.
func (g *WakeableGate) Signal() {
	g.seq++
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptrOf(&g.seq), uintptr(_FUTEX_WAKE|_FUTEX_PRIVATE_FLAG),
		1, 0, 0, 0)
}

func futexWait(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptrOf(addr), uintptr(_FUTEX_WAIT|_FUTEX_PRIVATE_FLAG),
		uintptr(val), 0, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errno
	}
	return nil
}

func uintptrOf[T any](p *T) uintptr {
	return uintptr(unsafe.Pointer(p))
}
