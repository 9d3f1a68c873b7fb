package shared

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
)

// SetupSignalHandler returns a context cancelled on the first SIGINT or
// SIGTERM. A second signal exits immediately, for when draining stalls on
// an unreachable relayer or store.
func SetupSignalHandler(logger *log.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-signals
		logger.Info("Received signal, draining contests", "signal", sig.String())
		cancel()

		sig = <-signals
		logger.Warn("Received second signal, exiting without draining", "signal", sig.String())
		os.Exit(1)
	}()

	return ctx
}
