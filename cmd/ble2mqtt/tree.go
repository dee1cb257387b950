package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/ble2mqtt/internal/bledb"
	"github.com/srg/ble2mqtt/internal/bluez"
	"github.com/srg/ble2mqtt/internal/gatt"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the BlueZ adapters, devices, services and characteristics",
	Long: `Resolves the BlueZ object tree, waits for it to settle, and prints every
ready adapter, device, service and characteristic with its cached value.

Nothing is powered on or connected; only what BlueZ already knows is shown.`,
	Args: cobra.NoArgs,
	RunE: runTree,
}

var (
	treeWait time.Duration
	treeJSON bool
)

func init() {
	treeCmd.Flags().DurationVar(&treeWait, "wait", 3*time.Second, "How long to let the tree settle before printing")
	treeCmd.Flags().BoolVar(&treeJSON, "json", false, "Output as JSON")
}

type characteristicNode struct {
	Path  bluez.ObjectPath `json:"path"`
	UUID  string           `json:"uuid"`
	Name  string           `json:"name"`
	Flags []string         `json:"flags"`
	Value string           `json:"value"`
}

type serviceNode struct {
	Path            bluez.ObjectPath     `json:"path"`
	UUID            string               `json:"uuid"`
	Name            string               `json:"name"`
	Characteristics []characteristicNode `json:"characteristics"`
}

type deviceNode struct {
	Path      bluez.ObjectPath `json:"path"`
	Address   string           `json:"address"`
	Alias     string           `json:"alias"`
	Connected bool             `json:"connected"`
	Services  []serviceNode    `json:"services"`
}

type adapterNode struct {
	Path        bluez.ObjectPath `json:"path"`
	Address     string           `json:"address"`
	Powered     bool             `json:"powered"`
	Discovering bool             `json:"discovering"`
	Devices     []deviceNode     `json:"devices"`
}

func runTree(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	started := bluez.NewFuture[struct{}]()
	if err := s.loop.Sync(ctx, func() {
		s.client.Start().Then(func(_ struct{}, err error) { started.Complete(struct{}{}, err) })
	}); err != nil {
		return err
	}
	if _, err := started.Wait(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(treeWait):
	}

	db := bledb.New().
		WithServiceNames(cfg.BLE.Services).
		WithCharacteristicNames(cfg.BLE.Characteristics).
		WithTypes(cfg.BLE.Types)
	codec := gatt.NewCodec(logger)

	var tree []adapterNode
	if err := s.loop.Sync(ctx, func() { tree = snapshotTree(s.client.Adapters(), db, codec) }); err != nil {
		return err
	}

	if treeJSON {
		return writeTreeJSON(cmd.OutOrStdout(), tree)
	}
	writeTree(cmd.OutOrStdout(), tree)
	return nil
}

// snapshotTree copies the ready proxies into plain nodes. It must run on the
// event loop.
func snapshotTree(adapters []*bluez.Adapter, db *bledb.DB, codec *gatt.Codec) []adapterNode {
	out := make([]adapterNode, 0, len(adapters))
	for _, a := range adapters {
		an := adapterNode{
			Path:        a.Path(),
			Address:     a.Address(),
			Powered:     a.Powered(),
			Discovering: a.Discovering(),
			Devices:     []deviceNode{},
		}
		for _, d := range a.Devices() {
			dn := deviceNode{
				Path:      d.Path(),
				Address:   d.Address(),
				Alias:     d.Alias(),
				Connected: d.Connected(),
				Services:  []serviceNode{},
			}
			for _, s := range d.Services() {
				sn := serviceNode{
					Path:            s.Path(),
					UUID:            bledb.NormalizeUUID(s.UUID()),
					Name:            db.ServiceName(s.UUID()),
					Characteristics: []characteristicNode{},
				}
				for _, c := range s.Characteristics() {
					sn.Characteristics = append(sn.Characteristics, characteristicNode{
						Path:  c.Path(),
						UUID:  bledb.NormalizeUUID(c.UUID()),
						Name:  db.CharacteristicName(c.UUID()),
						Flags: c.Flags(),
						Value: formatValue(codec, db.Types(c.UUID()), c.Value()),
					})
				}
				dn.Services = append(dn.Services, sn)
			}
			an.Devices = append(an.Devices, dn)
		}
		out = append(out, an)
	}
	return out
}

func formatValue(codec *gatt.Codec, types []gatt.WireType, raw []byte) string {
	if len(types) == 0 {
		return gatt.FormatBytes(raw)
	}
	return gatt.FormatPayload(codec.Decode(raw, types))
}

func writeTreeJSON(w io.Writer, tree []adapterNode) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}

func writeTree(w io.Writer, tree []adapterNode) {
	adapterColor := color.New(color.FgCyan, color.Bold)
	deviceColor := color.New(color.FgGreen)
	nameColor := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	if len(tree) == 0 {
		fmt.Fprintln(w, "No adapters found")
		return
	}

	for _, a := range tree {
		fmt.Fprintf(w, "%s %s %s\n", adapterColor.Sprint(a.Path), a.Address, onOff(a.Powered, "powered", "off"))
		for _, d := range a.Devices {
			fmt.Fprintf(w, "  %s %s %s\n", deviceColor.Sprint(d.Address), d.Alias, onOff(d.Connected, "connected", "disconnected"))
			for _, s := range d.Services {
				fmt.Fprintf(w, "    %s %s\n", nameColor.Sprint(s.Name), dim.Sprint(s.UUID))
				for _, c := range s.Characteristics {
					fmt.Fprintf(w, "      %s %s [%s] = %s\n",
						nameColor.Sprint(c.Name), dim.Sprint(c.UUID), strings.Join(c.Flags, ","), c.Value)
				}
			}
		}
	}
}

func onOff(on bool, yes, no string) string {
	if on {
		return "(" + yes + ")"
	}
	return "(" + no + ")"
}
