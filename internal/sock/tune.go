//go:build linux

package sock

import "golang.org/x/sys/unix"

// Architecture-specific socket buffer sizes, populated by initArchSpecific
// in tune_amd64.go / tune_arm64.go / tune_generic.go. Grounded on the
// teacher's per-arch optimization dispatch in optimizations.go.
var (
	archReadBufferSize  int
	archWriteBufferSize int
)

func init() {
	initArchSpecific()
}

// tune applies socket-level performance settings to a freshly created
// descriptor: disabling Nagle's algorithm (the bridge forwards whatever
// was journaled as soon as it is journaled, so batching is the
// journal's job, not the kernel's), sizing the socket buffers for the
// current architecture, and enabling keepalive so a half-open peer
// does not pin a Bridge open forever. Failures here are never fatal —
// they are optional performance knobs, not correctness requirements.
func tune(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if archReadBufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, archReadBufferSize)
	}
	if archWriteBufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, archWriteBufferSize)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
}
