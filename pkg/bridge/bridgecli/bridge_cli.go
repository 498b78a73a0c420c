package bridgecli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/myfreeweb/iichid/hid"
	"github.com/myfreeweb/iichid/hiddesc"
	"github.com/myfreeweb/iichid/internal/hidsvc"
	"github.com/myfreeweb/iichid/pkg/bridge"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "hidbridge"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type bridgeProvider func() *bridge.Bridge

func NewRootCmd(configDir string) *cobra.Command {
	cfg := bridge.Config{
		DataDir:       filepath.Join(configDir, "data"),
		DevicesConfig: filepath.Join(configDir, "devices.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "hidbridge",
		Short: "HID transport bridge",
		Long:  `hidbridge attaches HID devices over USB and I2C transports and fans their reports out to subscribers.`,
	}
	var b *bridge.Bridge
	provider := func() *bridge.Bridge {
		return b
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.DevicesConfig, "devices-config", cfg.DevicesConfig, "devices config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// The sampling-rate command only edits the config file.
		if cmd.Name() == "set-sampling-rate" {
			return nil
		}
		var err error
		b, err = bridge.New(cfg)
		return err
	}
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewGetReportDescriptor(provider))
	rootCmd.AddCommand(NewSetSamplingRate(&cfg))
	return rootCmd
}

func NewRun(b bridgeProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the HID bridge",
		Long:  `Runs the bridge daemon until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return b().Run(cmd.Context())
		},
	}
}

func NewListDevices(b bridgeProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List HID devices",
		Long:  `List every HID device the bridge has seen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := b().HID().ListDevices()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

type collectionSummary struct {
	Usage string `json:"usage"`
}

type descriptorSummary struct {
	Collections  []collectionSummary `json:"collections"`
	UsesIDs      bool                `json:"usesReportIds"`
	MaxInputSize int                 `json:"maxInputSize"`
}

func NewGetReportDescriptor(b bridgeProvider) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get-report-descriptor <addr>",
		Short: "Get report descriptor",
		Long:  `Print the report descriptor of a HID device.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := hidsvc.ParseAddress(args[0])
			if err != nil {
				return err
			}
			dev, err := b().HID().GetDevice(addr)
			if err != nil {
				return err
			}
			if raw {
				cmd.OutOrStdout().Write(dev.ReportDescriptor)
				return nil
			}
			info, err := hiddesc.Parse(dev.ReportDescriptor)
			if err != nil {
				return err
			}
			summary := descriptorSummary{
				UsesIDs:      info.UsesReportIDs(),
				MaxInputSize: info.MaxReportSize(hiddesc.KindInput),
			}
			for _, tlc := range info.TopLevelCollections() {
				usage := hid.NewUsage(tlc.UsagePage, tlc.UsageID)
				summary.Collections = append(summary.Collections, collectionSummary{Usage: usage.String()})
			}
			jsonB, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw report descriptor")
	return cmd
}

// NewSetSamplingRate edits the devices config file; a running bridge picks
// the change up through the watcher.
func NewSetSamplingRate(cfg *bridge.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "set-sampling-rate <addr> <rate>",
		Short: "Set a device's sampling rate",
		Long:  `Sets the acquisition rate of a device, in reports per second. A negative rate selects interrupt mode.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := hidsvc.ParseAddress(args[0])
			if err != nil {
				return err
			}
			rate, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", args[1], err)
			}

			var devices bridge.DevicesFile
			raw, err := os.ReadFile(cfg.DevicesConfig)
			switch {
			case os.IsNotExist(err):
			case err != nil:
				return err
			default:
				if err := yaml.Unmarshal(raw, &devices); err != nil {
					return fmt.Errorf("failed to parse devices config: %w", err)
				}
			}
			if devices.SamplingRates == nil {
				devices.SamplingRates = make(map[string]int)
			}
			devices.SamplingRates[addr.String()] = rate

			out, err := yaml.Marshal(devices)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.DevicesConfig), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(cfg.DevicesConfig, out, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: sampling rate set to %d\n", addr, rate)
			return nil
		},
	}
}
