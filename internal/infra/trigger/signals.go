package trigger

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yndnr/simctl/internal/telemetry/metric"
)

// Signals lists the OS signals mapped to control requests.
var Signals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGALRM, syscall.SIGTERM}

// KindForSignal maps an OS signal to a request.
//
//	SIGUSR1  checkpoint
//	SIGUSR2  stop
//	SIGALRM  checkpoint and stop
//	SIGTERM  checkpoint and stop
func KindForSignal(sig os.Signal) (Kind, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return Checkpoint, true
	case syscall.SIGUSR2:
		return Stop, true
	case syscall.SIGALRM, syscall.SIGTERM:
		return Both, true
	default:
		return 0, false
	}
}

// ListenSignals forwards control signals to every rank of f until ctx is
// done. It returns once the signal handler is installed. sink may be nil.
func ListenSignals(ctx context.Context, f *Fanout, logger *slog.Logger, sink metric.Sink) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metric.Nop{}
	}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, Signals...)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				kind, ok := KindForSignal(sig)
				if !ok {
					continue
				}
				n := f.Deliver(AllRanks, kind)
				sink.ControlRequest("signal", kind.String())
				logger.Info("control signal received",
					"signal", sig.String(),
					"request", kind.String(),
					"ranks", n)
			case <-ctx.Done():
				return
			}
		}
	}()
}
