// File: cmd/devices.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/observability"
)

// newDevicesCmd creates the `devices` command.
func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Lists connected devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			serials, err := device.ListDevices(cmd.Context(), viper.GetString("device.adb_path"), observability.GetLogger())
			if err != nil {
				return err
			}
			if len(serials) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No devices connected.")
				return nil
			}
			for _, s := range serials {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newDevicesCmd())
}
