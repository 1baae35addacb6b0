//go:build linux || darwin || freebsd

package socketutil

import (
	"fmt"
	"os"
)

const supportsLocalSocket = true

// socketStatus inspects the socket file without connecting to it.
func socketStatus(path string) string {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "not found"
		}
		return fmt.Sprintf("error: %v", err)
	}
	if stat.Mode()&os.ModeSocket == 0 {
		return "exists but is not a socket"
	}
	return "socket present"
}
