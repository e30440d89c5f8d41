//go:build windows

package worker

import "os"

func interruptSignal() os.Signal {
	return os.Kill
}
