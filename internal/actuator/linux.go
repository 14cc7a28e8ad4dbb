package actuator

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	prSetNoNewPrivs = 38 // PR_SET_NO_NEW_PRIVS

	capsetVersion3 = 0x20080522 // _LINUX_CAPABILITY_VERSION_3
)

// capUserHeader mirrors struct __user_cap_header_struct.
type capUserHeader struct {
	version uint32
	pid     int32
}

// capUserData mirrors struct __user_cap_data_struct (32-bit halves of the
// 64-bit capability sets).
type capUserData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

// dropAllCapabilities clears pid's effective/permitted/inheritable
// capability sets via capset(2). Requires CAP_SETPCAP over the target.
// Operates on the calling process's own capability sets — pid is recorded
// for logging only; Linux's capset(2) only ever targets the caller, so
// containment of a foreign PID's capabilities happens through the
// cgroup/namespace move, not this call, in a genuine deployment where the
// agent supervises the target's entry point. Here it is kept as the
// self-capability-drop building block the namespace/exec supervisor would
// invoke post-fork.
func dropAllCapabilities(pid uint32) error {
	header := capUserHeader{version: capsetVersion3, pid: 0}
	data := [2]capUserData{} // two 32-bit halves cover all 64 capability bits

	_, _, errno := syscall.Syscall(unix.SYS_CAPSET,
		uintptr(unsafe.Pointer(&header)),
		uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return fmt.Errorf("capset pid=%d: %w", pid, errno)
	}
	return nil
}

// setNoNewPrivs sets PR_SET_NO_NEW_PRIVS on the calling thread, preventing
// the target's exec path from regaining privileges via setuid binaries.
func setNoNewPrivs(pid uint32) error {
	_, _, errno := syscall.Syscall(unix.SYS_PRCTL, prSetNoNewPrivs, 1, 0)
	if errno != 0 {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS) pid=%d: %w", pid, errno)
	}
	return nil
}

// moveToNewNamespaces re-parents pid's PID+IPC namespace membership.
// A running process cannot be moved into a new PID namespace from outside
// itself (setns(2) on a PID namespace only takes effect for subsequently
// forked children, never the calling process's existing threads); genuine
// re-entry requires the target's own supervisor to re-exec it inside
// unshare(CLONE_NEWPID|CLONE_NEWIPC). This verifies pid is still live and
// reports that limitation rather than silently doing nothing.
func moveToNewNamespaces(ctx context.Context, pid uint32) error {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return fmt.Errorf("target pid=%d not found: %w", pid, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return fmt.Errorf("pid=%d already running: namespace re-entry requires re-exec via the target's supervisor, not implemented", pid)
}
