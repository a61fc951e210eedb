package fcdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"

	"github.com/nod-ai/sharktank/internal/device"
)

// Networking defaults for the microVM CNI bridge.
const (
	DefaultBridgeName = "fcbr0"
	DefaultSubnet     = "10.188.0.0/24"
	DefaultGateway    = "10.188.0.1"
	CNINetworkName    = "sharktank-fcnet"
	CNIVersion        = "1.0.0"
	CNIIfName         = "eth0"
	CNICacheDir       = "/var/lib/cni/cache"
	NetNSRunDir       = "/var/run/netns"
	NetNSPrefix       = "sharktank-"
)

// requiredCNIPlugins lists the CNI plugins Verify checks for.
var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NetworkConfig holds the network configuration returned after CNI setup
// for one microVM.
type NetworkConfig struct {
	TAPDevice     string
	GuestIP       string
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// instanceKey identifies the fcvm instance a namespace/CNI attachment
// belongs to, projected from a device.Address (spec.md §3/§6). One
// Firecracker microVM shares a single NIC across every queue it exposes, so
// queue_ordinal and topology never enter the key: every device.Address a
// Driver.BootDevice hands out for the same microVM collapses to the same
// instanceKey.
type instanceKey struct {
	driverPrefix    string
	systemClass     string
	instanceOrdinal int
}

func keyForAddress(addr device.Address) instanceKey {
	return instanceKey{
		driverPrefix:    addr.DriverPrefix,
		systemClass:     addr.SystemClass,
		instanceOrdinal: addr.InstanceOrdinal,
	}
}

// slug renders the key as a namespace name / CNI container ID.
func (k instanceKey) slug() string {
	return fmt.Sprintf("%s%s-%s-%d", NetNSPrefix, k.driverPrefix, k.systemClass, k.instanceOrdinal)
}

// NetworkManager handles CNI-based networking for Firecracker microVMs,
// keyed by the device-identity fields of the instance's devices (spec.md
// §3) rather than a caller-supplied opaque string. Adapted from the
// teacher's internal/backend/firecracker.NetworkManager: the CNI ADD/DEL
// mechanics are unchanged, but namespace and RuntimeConf naming now derive
// from instanceKey instead of a bare vmID.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[instanceKey]string
}

// NewNetworkManager creates a NetworkManager from cfg.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	cniConfig := libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil)

	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cniConfig:     cniConfig,
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[instanceKey]string),
	}, nil
}

// Setup creates a network namespace and configures networking for the
// microVM instance that owns addr's device. addr.QueueOrdinal is ignored:
// every queue of one instance shares the namespace and TAP device its
// InstanceOrdinal identifies.
func (nm *NetworkManager) Setup(ctx context.Context, addr device.Address) (*NetworkConfig, error) {
	key := keyForAddress(addr)
	nsName := key.slug()
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	nm.mu.Lock()
	nm.namespaces[key] = nsPath
	nm.mu.Unlock()

	rtConf := &libcni.RuntimeConf{ContainerID: nsName, NetNS: nsPath, IfName: CNIIfName}

	result, err := nm.cniConfig.AddNetworkList(ctx, nm.confList, rtConf)
	if err != nil {
		if cleanupErr := deleteNetNS(nsName); cleanupErr != nil {
			nm.logger.Warn("clean up netns after CNI ADD failure", "instance", nsName, "error", cleanupErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, key)
		nm.mu.Unlock()
		return nil, fmt.Errorf("CNI ADD for %s: %w", nsName, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); delErr != nil {
			nm.logger.Debug("cleanup CNI DEL after parse failure", "instance", nsName, "error", delErr)
		}
		if nsErr := deleteNetNS(nsName); nsErr != nil {
			nm.logger.Debug("cleanup netns after parse failure", "instance", nsName, "error", nsErr)
		}
		nm.mu.Lock()
		delete(nm.namespaces, key)
		nm.mu.Unlock()
		return nil, fmt.Errorf("parse CNI result for %s: %w", nsName, err)
	}

	nm.logger.Info("network setup complete", "instance", nsName, "tap", netCfg.TAPDevice, "guest_ip", netCfg.GuestIP)
	return netCfg, nil
}

// Teardown removes networking and the network namespace for the microVM
// instance owning addr. Safe to call multiple times.
func (nm *NetworkManager) Teardown(ctx context.Context, addr device.Address) error {
	key := keyForAddress(addr)

	nm.mu.Lock()
	nsPath, exists := nm.namespaces[key]
	if !exists {
		nm.mu.Unlock()
		return nil
	}
	delete(nm.namespaces, key)
	nm.mu.Unlock()

	nsName := key.slug()
	rtConf := &libcni.RuntimeConf{ContainerID: nsName, NetNS: nsPath, IfName: CNIIfName}

	var firstErr error
	if err := nm.cniConfig.DelNetworkList(ctx, nm.confList, rtConf); err != nil {
		firstErr = fmt.Errorf("CNI DEL for %s: %w", nsName, err)
		nm.logger.Warn("CNI DEL failed", "instance", nsName, "error", err)
	}
	if err := deleteNetNS(nsName); err != nil {
		nm.logger.Warn("netns cleanup failed", "instance", nsName, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delete netns for %s: %w", nsName, err)
		}
	}
	return firstErr
}

// TeardownAll cleans up all tracked namespaces, used during driver Close.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	keys := make([]instanceKey, 0, len(nm.namespaces))
	for key := range nm.namespaces {
		keys = append(keys, key)
	}
	nm.mu.Unlock()

	for _, key := range keys {
		addr := device.Address{DriverPrefix: key.driverPrefix, SystemClass: key.systemClass, InstanceOrdinal: key.instanceOrdinal}
		if err := nm.Teardown(ctx, addr); err != nil {
			nm.logger.Error("teardown failed during shutdown", "instance", key.slug(), "error", err)
		}
	}
}

// Verify checks that all required CNI plugins exist in the bin directory.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		if _, err := os.Stat(filepath.Join(nm.cniBinDir, plugin)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, plugin)
				continue
			}
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList writes the CNI conflist to the config directory.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	confPath := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(confPath, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", confPath)
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

func generateConfList() ([]byte, error) {
	confList := confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}
	return json.MarshalIndent(confList, "", "  ")
}

// parseResult extracts NetworkConfig from a CNI ADD result.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}

	for _, iface := range res.Interfaces {
		if iface.Sandbox != "" && iface.Name != CNIIfName {
			netCfg.TAPDevice = iface.Name
			netCfg.MACAddress = iface.Mac
			break
		}
	}
	if netCfg.TAPDevice == "" {
		for _, iface := range res.Interfaces {
			if iface.Sandbox != "" {
				netCfg.TAPDevice = iface.Name
				netCfg.MACAddress = iface.Mac
				break
			}
		}
	}
	if netCfg.TAPDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) > 0 {
		netCfg.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			netCfg.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if netCfg.GuestIP == "" {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	return netCfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	cmd := exec.Command("ip", "netns", "add", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

func deleteNetNS(name string) error {
	nsPath := filepath.Join(NetNSRunDir, name)
	if _, err := os.Stat(nsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	cmd := exec.Command("ip", "netns", "delete", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// GenerateMAC derives a locally-administered MAC address from addr's
// device-identity fields: instance_ordinal and queue_ordinal are embedded
// directly into the low two bytes, so devices on the same instance but
// different queues get MACs differing only in their last byte, and the
// (driver_prefix, system_class) pair seeds the rest so unrelated device
// families never collide.
func GenerateMAC(addr device.Address) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02

	hash := uint32(2166136261) // FNV-1a offset basis
	for _, b := range []byte(addr.DriverPrefix + ":" + addr.SystemClass) {
		hash ^= uint32(b)
		hash *= 16777619
	}
	mac[1] = byte(hash >> 24)
	mac[2] = byte(hash >> 16)
	mac[3] = byte(hash >> 8)
	mac[4] = byte(addr.InstanceOrdinal)
	mac[5] = byte(addr.QueueOrdinal)
	return mac
}
