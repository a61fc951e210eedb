package fcdriver

import (
	"fmt"
	"path/filepath"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// RootfsFilename is the format string for rootfs image filenames (e.g. "sharktank.ext4").
const RootfsFilename = "%s.ext4"

// Guest paths.
const (
	// GuestWorkDir is the directory inside the microVM scratch-used by the guest agent.
	GuestWorkDir = "/work"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/sharktank-fcguest"
)

// MaxConcurrentVMs is the default maximum number of concurrent microVMs.
const MaxConcurrentVMs = 10

// RootfsPath returns the full path to the rootfs image for the driver's
// configured guest image.
func RootfsPath(rootfsDir, image string) string {
	return filepath.Join(rootfsDir, fmt.Sprintf(RootfsFilename, image))
}
