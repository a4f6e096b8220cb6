package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cirlog/modulo/pkg/bus"
	"github.com/cirlog/modulo/pkg/config"
	"github.com/cirlog/modulo/pkg/log"
	"github.com/cirlog/modulo/pkg/unit"
)

var operationsCmd = &cobra.Command{
	Use:   "operations",
	Short: "Send commands to running units over the bus",
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <unit_name>",
	Short: "Dispatch a command to a unit and print its response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		if message == "" {
			return fmt.Errorf("dispatch requires --message")
		}
		resp, err := dispatchToUnit(cmd, args[0], message)
		if err != nil {
			return err
		}
		return printResponse(resp)
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <unit_name>",
	Short: "Ask a unit to shut down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := dispatchToUnit(cmd, args[0], unit.CommandKill)
		if err != nil {
			return err
		}
		if resp.Status == bus.StatusTimeout {
			return printResponse(resp)
		}
		fmt.Printf("Unit %s is terminating\n", args[0])
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List units registered with a backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")
		resp, err := dispatchToUnit(cmd, backend, unit.CommandList)
		if err != nil {
			return err
		}
		return printResponse(resp)
	},
}

// dispatchToUnit attaches a short-lived bus client, sends one command and
// tears the client down again.
func dispatchToUnit(cmd *cobra.Command, receiver, command string) (*bus.Envelope, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("broker") {
		cfg.Broker.Addr, _ = cmd.Flags().GetString("broker")
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	manager, err := bus.NewManager(bus.ManagerConfig{
		Name:            fmt.Sprintf("cli-%d", os.Getpid()),
		Broker:          bus.NewRedisBroker(cfg.Broker.Addr, cfg.Broker.DB, cfg.Broker.Password),
		ResponseTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	defer manager.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}
	if err := manager.Subscribe(ctx, bus.ChannelResponses); err != nil {
		return nil, err
	}
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}

	return manager.Dispatch(ctx, bus.ChannelCommands, receiver, command, nil)
}

func printResponse(resp *bus.Envelope) error {
	out := map[string]any{
		"status":  string(resp.Status),
		"payload": resp.Payload,
	}
	if resp.Source != "" {
		out["source"] = resp.Source
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	for _, sub := range []*cobra.Command{dispatchCmd, killCmd, listCmd} {
		sub.Flags().String("config", "", "Path to a YAML unit configuration file")
		sub.Flags().String("broker", "", "Broker address (host:port)")
		sub.Flags().Duration("timeout", 5*time.Second, "How long to wait for the response")
	}
	dispatchCmd.Flags().String("message", "", "Command name to dispatch")
	listCmd.Flags().String("backend", "coordinator", "Name of the backend unit keeping the registry")

	operationsCmd.AddCommand(dispatchCmd)
	operationsCmd.AddCommand(killCmd)
	operationsCmd.AddCommand(listCmd)
}
