package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "ble2mqtt",
	Short: "Bridge BlueZ GATT devices to MQTT",
	Long: `Bridges Bluetooth Low Energy devices known to BlueZ to an MQTT broker:

- Powers on every adapter and scans for devices
- Connects to discovered devices and resolves their GATT services
- Publishes characteristic values, decoded by GATT type, to readable topics
- Writes values received on <topic>/set back to writable characteristics

Also includes offline tools to inspect the BlueZ object tree and to decode or
encode GATT values.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("ble2mqtt %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(encodeCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error), overrides the configuration")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Shorthand for --log-level=debug")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
