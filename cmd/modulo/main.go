package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cirlog/modulo/pkg/bus"
	"github.com/cirlog/modulo/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK           = 0
	exitUserError    = 1
	exitConnectivity = 2
	exitProtocol     = 3
	exitInterrupt    = 130
)

// errInterrupted marks a run ended by the user's interrupt signal
var errInterrupted = errors.New("interrupted")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errInterrupted) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errInterrupted) {
		return exitInterrupt
	}
	var unavailable *bus.BrokerUnavailableError
	if errors.As(err, &unavailable) {
		return exitConnectivity
	}
	var unreachable *transport.PeerUnreachableError
	if errors.As(err, &unreachable) {
		return exitConnectivity
	}
	var protocol *transport.ProtocolError
	if errors.As(err, &protocol) {
		return exitProtocol
	}
	return exitUserError
}

var rootCmd = &cobra.Command{
	Use:   "modulo",
	Short: "Modulo - hybrid storage database and unit messaging substrate",
	Long: `Modulo runs process units that combine an in-memory multi-index
storage engine with optional raw-file persistence, a Redis-backed
pub/sub bus and a frame-protocol TCP transport.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Modulo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(operationsCmd)
}
