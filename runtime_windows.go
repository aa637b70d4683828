package callsignal

import "os"

func notifySignals(_ chan os.Signal) {}
