package ssh

import "fmt"

// escapeSingleQuotes makes a command safe inside a single-quoted shell
// argument using the '"'"' substitution.
func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'"'"'`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// wrapLoginShell wraps a command in a login-shell invocation so the
// device's profile scripts run and the environment matches an
// interactive terminal. stderr is folded into stdout, which is how the
// device's busybox tools report most of their diagnostics.
func wrapLoginShell(shell LoginShell, command string) string {
	escaped := escapeSingleQuotes(command)
	if shell == LoginShellBashFallback {
		return fmt.Sprintf("bash -lc '%s' 2>&1 || sh -lc '%s' 2>&1", escaped, escaped)
	}
	return fmt.Sprintf("sh -lc '%s' 2>&1", escaped)
}

// wrapBackground builds the detached-launch wrapper: the command is
// started in the background with output appended to a log file derived
// from the epoch, and the wrapper immediately reports the spawned PID
// and log path before exiting.
func wrapBackground(command string, epoch int64) (wrapped string, logPath string) {
	logPath = fmt.Sprintf("/tmp/pega_bg_%d.log", epoch)
	pidPath := fmt.Sprintf("/tmp/pega_bg_%d.pid", epoch)
	escaped := escapeSingleQuotes(command)
	wrapped = fmt.Sprintf(
		"sh -lc '{ %s >> %s 2>&1 & pid=$!; echo %s$pid; echo $pid > %s; echo %s%s; }' 2>&1",
		escaped, logPath, bgStartedMarker, pidPath, bgLogMarker, logPath,
	)
	return wrapped, logPath
}
