//go:build linux && !amd64 && !arm64

package sock

// Conservative buffer sizes for architectures without specific tuning,
// adapted from the teacher's optimizations_generic.go.
const (
	genericReadBufferSize  = 64 * 1024
	genericWriteBufferSize = 64 * 1024
)

func initArchSpecific() {
	archReadBufferSize = genericReadBufferSize
	archWriteBufferSize = genericWriteBufferSize
}
