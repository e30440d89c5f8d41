//go:build unix

package worker

import (
	"os"
	"syscall"
)

func interruptSignal() os.Signal {
	return syscall.SIGINT
}
