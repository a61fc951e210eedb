package fcdriver

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names for the Firecracker driver configuration.
const (
	envKernelPath    = "SHARKTANK_FC_KERNEL_PATH"
	envRootfsDir     = "SHARKTANK_FC_ROOTFS_DIR"
	envGuestImage    = "SHARKTANK_FC_GUEST_IMAGE"
	envBin           = "SHARKTANK_FC_BIN"
	envCNIConfigDir  = "SHARKTANK_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "SHARKTANK_FC_CNI_BIN_DIR"
	envVsockPort     = "SHARKTANK_FC_VSOCK_PORT"
	envMaxConcurrent = "SHARKTANK_FC_MAX_CONCURRENT_VMS"
	envJailer        = "SHARKTANK_FC_JAILER"
)

// Config holds configuration for the Firecracker-backed HAL driver.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory containing the guest rootfs image.
	RootfsDir string

	// GuestImage names the rootfs image (RootfsDir/GuestImage.ext4) booted
	// for every device this driver manages.
	GuestImage string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is the path to the CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to the CNI plugin binaries.
	CNIBinDir string

	// VsockPort is the guest agent's vsock listening port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock CID allocation.
	CIDBase uint32

	// JailerEnabled controls whether the Firecracker jailer wraps the VMM.
	JailerEnabled bool

	// DefaultVCPUs is the vCPU count given to each booted microVM.
	DefaultVCPUs int

	// DefaultMemMB is the memory, in MB, given to each booted microVM.
	DefaultMemMB int

	// MaxConcurrentVMs bounds how many microVMs this driver will boot.
	MaxConcurrentVMs int
}

// LoadConfig reads the Firecracker driver configuration from the process
// environment, falling back to package defaults for anything unset.
func LoadConfig() Config {
	cfg := Config{
		GuestImage:       "sharktank",
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		DefaultVCPUs:     DefaultVCPUs,
		DefaultMemMB:     DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envGuestImage); v != "" {
		cfg.GuestImage = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}
	if v := os.Getenv(envJailer); v != "" {
		cfg.JailerEnabled = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}
