//go:build !windows

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/verigo/verigo/pkg/engine"
	"github.com/verigo/verigo/pkg/plog"
)

// watchSignals maps SIGUSR1 to pause and SIGUSR2 to resume, so a running
// backup can be held from another terminal without stopping it.
func watchSignals(eng *engine.Engine, _ chan os.Signal) {
	pauseChan := make(chan os.Signal, 2)
	signal.Notify(pauseChan, unix.SIGUSR1, unix.SIGUSR2)
	go func() {
		for sig := range pauseChan {
			switch sig {
			case unix.SIGUSR1:
				plog.Notice("Pause requested, holding at the next operation boundary")
				eng.Pause()
			case unix.SIGUSR2:
				plog.Notice("Resuming")
				eng.Resume()
			}
		}
	}()
}
