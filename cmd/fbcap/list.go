package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	listFormat string
	listDriver string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the outputs the driver can capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listDriver != "" {
			cfg.Driver = listDriver
		}
		loader, err := newLoader(cfg)
		if err != nil {
			return err
		}
		rt := capture.NewRuntime(loader)
		defer rt.Close()

		outputs, err := capture.ListOutputs(rt)
		if err != nil {
			return err
		}
		return writeOutputs(os.Stdout, listFormat, outputs)
	},
}

func init() {
	listCmd.Flags().StringVar(&listFormat, "format", "text", "output format: text, json or yaml")
	listCmd.Flags().StringVar(&listDriver, "driver", "", "capture driver: nvfbc or sim")
}

func writeOutputs(w io.Writer, format string, outputs []capture.OutputInfo) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outputs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(outputs); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tID\tNAME\tSIZE\tOFFSET")
		for _, out := range outputs {
			fmt.Fprintf(tw, "%d\t%#x\t%s\t%dx%d\t%d,%d\n",
				out.Index, out.ID, out.Name,
				out.Region.Width, out.Region.Height,
				out.Region.X, out.Region.Y)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (use text, json or yaml)", format)
	}
}
