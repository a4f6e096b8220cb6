package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cirlog/modulo/pkg/config"
	"github.com/cirlog/modulo/pkg/log"
	"github.com/cirlog/modulo/pkg/types"
	"github.com/cirlog/modulo/pkg/unit"
)

var launchCmd = &cobra.Command{
	Use:   "launch <unit_type> <unit_name>",
	Short: "Boot a unit and attach it to the broker",
	Long: `Boot a unit of the given type (backend, service, workhorse, socket)
under the given client name. The unit connects to the broker, announces
itself on the notifications channel and serves until killed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := types.ParseUnitKind(args[0])
		if err != nil {
			return err
		}

		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.Unit.Kind = string(kind)
		cfg.Unit.Name = args[1]
		applyLaunchFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		if detached, _ := cmd.Flags().GetBool("detached"); detached {
			return relaunchDetached()
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		u, err := unit.New(cfg, nil, nil)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if err := u.Start(ctx); err != nil {
			u.Stop()
			return err
		}
		fmt.Printf("Unit %s (%s) is running. Press Ctrl+C to stop.\n", cfg.Unit.Name, cfg.Unit.Kind)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		interrupted := false
		done := make(chan struct{})
		go func() {
			u.Wait(ctx)
			close(done)
		}()
		select {
		case sig := <-sigCh:
			interrupted = sig == syscall.SIGINT
		case <-done:
		}

		if err := u.Stop(); err != nil {
			return err
		}
		if interrupted {
			return errInterrupted
		}
		return nil
	},
}

func applyLaunchFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("broker") {
		cfg.Broker.Addr, _ = cmd.Flags().GetString("broker")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.Root, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("in-memory") {
		if inMemory, _ := cmd.Flags().GetBool("in-memory"); inMemory {
			cfg.Storage.Mode = "in-memory"
		}
	}
	if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		if host == "" {
			host = "0.0.0.0"
		}
		cfg.Transport.Listen = fmt.Sprintf("%s:%d", host, port)
	}
	if cmd.Flags().Changed("peer") {
		cfg.Transport.Peer, _ = cmd.Flags().GetString("peer")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
}

// relaunchDetached re-executes the same launch without --detached and lets
// the child outlive this process.
func relaunchDetached() error {
	args := make([]string, 0, len(os.Args)-1)
	for _, arg := range os.Args[1:] {
		if arg == "--detached" {
			continue
		}
		args = append(args, arg)
	}

	child := exec.Command(os.Args[0], args...)
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to detach: %w", err)
	}
	fmt.Printf("Launched detached unit, pid %d\n", child.Process.Pid)
	return nil
}

func init() {
	launchCmd.Flags().String("config", "", "Path to a YAML unit configuration file")
	launchCmd.Flags().String("broker", "", "Broker address (host:port)")
	launchCmd.Flags().String("data-dir", "", "Storage root directory")
	launchCmd.Flags().Bool("in-memory", false, "Run the engine without persistence")
	launchCmd.Flags().String("host", "", "Transport listen host")
	launchCmd.Flags().Int("port", 0, "Transport listen port")
	launchCmd.Flags().String("peer", "", "Transport peer address (host:port)")
	launchCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	launchCmd.Flags().Bool("detached", false, "Launch in the background and return")
}
