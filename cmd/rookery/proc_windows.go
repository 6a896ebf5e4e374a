//go:build windows

package main

import (
	"os/exec"
)

func configureDaemonProc(cmd *exec.Cmd) {
	// Windows has no Setsid; a started process is already detached
	// enough for the dashboard's auto-start.
}
