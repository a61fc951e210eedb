// Command fcguest is the guest agent that runs inside fcdriver's
// Firecracker microVMs. It listens on vsock for load_module/call envelopes
// from the host driver and serves them against a fixed built-in function
// registry, the device-side half of the fcdriver wire protocol.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o fcguest ./cmd/fcguest
package main

import (
	"fmt"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/nod-ai/sharktank/internal/guestagent"
	"github.com/nod-ai/sharktank/internal/hal/fcdriver"
	"github.com/nod-ai/sharktank/internal/rtconfig"
)

func main() {
	cfg := rtconfig.Load()
	logger := rtconfig.NewLogger(os.Stdout, cfg.LogLevel)

	guestagent.SetupInit(logger)

	port := fcdriver.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcguest: vsock listen on port %d: %v\n", port, err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("fcguest listening", "vsock_port", port)

	registry := guestagent.NewRegistry()
	guestagent.RegisterBuiltins(registry)

	agent := guestagent.New(l, registry, logger)
	if err := agent.Serve(); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}
