//go:build !windows

package callsignal

import (
	"os"
	"os/signal"
	"syscall"
)

func notifySignals(channel chan os.Signal) {
	signal.Notify(channel, syscall.SIGUSR1)
}
