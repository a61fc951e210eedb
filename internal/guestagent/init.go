package guestagent

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes one filesystem to mount before the agent can serve.
type mountEntry struct {
	source string
	target string
	fstype string
}

var bootMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
}

// SetupInit mounts the filesystems a freshly booted microVM needs and seeds
// a minimal environment. It is a no-op unless running as PID 1, so tests
// and non-init invocations of the agent binary can call it unconditionally.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	for _, m := range bootMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logWarn(logger, "mkdir", m.target, err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logWarn(logger, "mount", m.target, err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

func logWarn(logger *slog.Logger, action, target string, err error) {
	if logger == nil {
		return
	}
	logger.Warn(action+" failed", "target", target, "error", err)
}
