package domain

// ExecRequest describes a process to run inside an existing container.
type ExecRequest struct {
	Cmd []string
	// TTY allocates a pseudo terminal; output is then a raw byte stream
	// instead of the multiplexed stdout/stderr framing.
	TTY bool
	// Stdin attaches the process input so callers can write to it.
	Stdin bool
}

// ShellCommand probes for the most capable shell inside the container,
// falling back to the POSIX sh.
var ShellCommand = []string{
	"/bin/sh", "-c",
	"if command -v bash >/dev/null 2>&1; then exec bash -il; else exec sh -i; fi",
}

// OneShotCommand wraps a command string in a shell invocation.
func OneShotCommand(command string) []string {
	return []string{"/bin/sh", "-c", command}
}
