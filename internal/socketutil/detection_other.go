//go:build !linux && !darwin && !freebsd

package socketutil

// Unix sockets are not used on this platform; auto mode goes straight to HTTP.
const supportsLocalSocket = false

func socketStatus(string) string {
	return "unix sockets not supported on this platform"
}
