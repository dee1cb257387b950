package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/ble2mqtt/internal/gatt"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex-bytes>",
	Short: "Decode a GATT value into an MQTT payload",
	Long: `Decodes raw characteristic bytes with a list of GATT types and prints the
payload the bridge would publish. Bytes left over after the last field are
printed as plain numbers.

Example:
  ble2mqtt decode --types uint8,FLOAT "00 6d 01 00 ff"`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

var encodeCmd = &cobra.Command{
	Use:   "encode <payload>",
	Short: "Encode an MQTT payload into GATT bytes",
	Long: `Encodes a comma separated payload with a list of GATT types and prints the
bytes the bridge would write, in hex.

Example:
  ble2mqtt encode --types boolean,uint16 "true,1500"`,
	Args: cobra.ExactArgs(1),
	RunE: runEncode,
}

var (
	codecTypes  string
	codecLength int
)

func init() {
	decodeCmd.Flags().StringVarP(&codecTypes, "types", "t", "", "Comma separated GATT types, e.g. uint8,SFLOAT")
	encodeCmd.Flags().StringVarP(&codecTypes, "types", "t", "", "Comma separated GATT types, e.g. uint8,SFLOAT")
	encodeCmd.Flags().IntVarP(&codecLength, "length", "l", 0, "Output length in bytes (default: the encoded width)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(args[0]))
	if err != nil {
		return fmt.Errorf("invalid hex bytes %q: %w", args[0], err)
	}

	cmd.SilenceUsage = true
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	types := gatt.ParseTypes(codecTypes)
	if len(types) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), gatt.FormatBytes(raw))
		return nil
	}

	value := gatt.NewCodec(logger).Decode(raw, types)
	fmt.Fprintln(cmd.OutOrStdout(), gatt.FormatPayload(value))
	if len(value.Remainder) > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("%d trailing byte(s) not covered by the types", len(value.Remainder)))
	}
	return nil
}

func runEncode(cmd *cobra.Command, args []string) error {
	types := gatt.ParseTypes(codecTypes)
	if len(types) == 0 {
		return fmt.Errorf("--types is required")
	}
	values, err := gatt.ParsePayload(args[0])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	length := codecLength
	if length <= 0 {
		length = gatt.Width(values, types)
	}
	buf, err := gatt.NewCodec(logger).Encode(values, length, types)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatHex(buf))
	return nil
}

func formatHex(buf []byte) string {
	parts := make([]string, len(buf))
	for i, b := range buf {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}
