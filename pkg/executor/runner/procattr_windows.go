//go:build windows

package runner

import "os/exec"

// setProcessGroup keeps the default cancellation, which kills the shell
// process.
func setProcessGroup(cmd *exec.Cmd) {}
