//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// gracefulStop has no SIGTERM equivalent on Windows for an arbitrary
// process tree; StopDevServer's forced-kill escalation (ctx cancel) is the
// only teardown path here.
func gracefulStop(cmd *exec.Cmd) {}

func envFromOS() []string {
	return os.Environ()
}

func killListener(port int) {
	_, _ = exec.Command("cmd", "/C", fmt.Sprintf("for /f \"tokens=5\" %%a in ('netstat -aon ^| findstr :%d') do taskkill /F /PID %%a", port)).CombinedOutput()
}
