package callsignal

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ContextualMain calls a main entry point function with a cancellable
// context via SIGTERM/SIGINT. SIGUSR1 dumps all goroutine stacks to the log.
// Any error returned is logged and the process exits non-zero.
func ContextualMain(main func(ctx context.Context, args []string, logger golog.Logger) error, logger golog.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stackSignals := make(chan os.Signal, 1)
	notifySignals(stackSignals)
	defer signal.Stop(stackSignals)
	dumpDone := make(chan struct{})
	PanicCapturingGo(func() {
		defer close(dumpDone)
		for {
			if !SelectContextOrWaitChan(ctx, stackSignals) {
				return
			}
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			logger.Infow("goroutine dump", "stacks", string(buf[:n]))
		}
	})

	err := main(ctx, os.Args, logger)
	cancel()
	<-dumpDone
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}
