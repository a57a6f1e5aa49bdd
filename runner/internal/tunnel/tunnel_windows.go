//go:build windows

package tunnel

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
