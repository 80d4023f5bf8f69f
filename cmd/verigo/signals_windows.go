//go:build windows

package main

import (
	"os"

	"github.com/verigo/verigo/pkg/engine"
)

// watchSignals is a no-op on Windows; there is no user signal to map
// pause/resume onto.
func watchSignals(_ *engine.Engine, _ chan os.Signal) {}
