package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lowfold/parley/internal/adapters/devices"
	"github.com/lowfold/parley/internal/adapters/kv"
	"github.com/lowfold/parley/internal/engine"
	"github.com/lowfold/parley/internal/ports"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage audio devices",
	}
	cmd.AddCommand(devicesListCmd(), devicesSetOutputCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openDeviceManager()
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := mgr.Refresh(context.Background())
			if err != nil {
				return err
			}

			selected := mgr.OutputID()
			fmt.Println("Inputs:")
			printDevices(list, ports.DeviceInput, "")
			fmt.Println("Outputs:")
			printDevices(list, ports.DeviceOutput, selected)
			return nil
		},
	}
}

func devicesSetOutputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-output <device-id>",
		Short: "Select the audio output device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openDeviceManager()
			if err != nil {
				return err
			}
			defer cleanup()

			if _, err := mgr.Refresh(context.Background()); err != nil {
				return err
			}
			if err := mgr.SelectOutput(args[0]); err != nil {
				return err
			}
			fmt.Printf("Output device set to %s\n", args[0])
			return nil
		},
	}
}

func openDeviceManager() (*engine.DeviceManager, func(), error) {
	store, err := kv.Open(cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open state dir: %w", err)
	}
	enumerator := devices.NewEnumerator()
	mgr := engine.NewDeviceManager(enumerator, nil, store)
	return mgr, enumerator.Close, nil
}

func printDevices(list []ports.AudioDevice, kind ports.DeviceKind, selected string) {
	for _, d := range list {
		if d.Kind != kind {
			continue
		}
		marker := " "
		if d.ID == selected {
			marker = "*"
		}
		fmt.Printf("  %s %-12s %s\n", marker, d.ID, d.Label)
	}
}
