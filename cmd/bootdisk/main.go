package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/outofforest/bootdisk"
	"github.com/outofforest/bootdisk/pkg/convert"
)

var (
	configFile  string
	output      string
	format      string
	compress    bool
	replicas    int
	extractor   string
	checksum    string
	metricsFile string
	debug       bool
)

var buildCmd = &cobra.Command{
	Use:          "bootdisk [flags] ROOTFS_ARCHIVE",
	Short:        "Builds bootable virtual disk from rootfs archive",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		bootdisk.Main(args[0], func() (bootdisk.Config, error) {
			return loadConfig(cmd.Flags())
		})
		return nil
	},
}

func loadConfig(flags *pflag.FlagSet) (bootdisk.Config, error) {
	config := bootdisk.DefaultConfig()
	if configFile != "" {
		var err error
		config, err = bootdisk.LoadConfig(configFile)
		if err != nil {
			return bootdisk.Config{}, err
		}
	}

	if flags.Changed("output") {
		config.Output.Path = output
	}
	if flags.Changed("format") {
		config.Output.Format = convert.Format(format)
	}
	if flags.Changed("compress") {
		config.Output.Compress = compress
	}
	if flags.Changed("replicas") {
		config.Replicas = replicas
	}
	if flags.Changed("extractor") {
		config.Extractor = bootdisk.ExtractorKind(extractor)
	}
	if flags.Changed("checksum") {
		config.ArchiveChecksum = checksum
	}
	if flags.Changed("metrics-file") {
		config.MetricsFile = metricsFile
	}
	if flags.Changed("debug") {
		config.Debug = debug
	}
	return config, nil
}

func main() {
	defaults := bootdisk.DefaultConfig()
	buildCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML file with build configuration")
	buildCmd.Flags().StringVarP(&output, "output", "o", defaults.Output.Path, "path of the produced disk")
	buildCmd.Flags().StringVarP(&format, "format", "f", string(defaults.Output.Format),
		"format of the produced disk: qcow2, vmdk, vdi, vpc, vhdx or raw")
	buildCmd.Flags().BoolVar(&compress, "compress", defaults.Output.Compress, "compress qcow2 disk")
	buildCmd.Flags().IntVarP(&replicas, "replicas", "r", defaults.Replicas,
		"number of OS partitions receiving the rootfs")
	buildCmd.Flags().StringVar(&extractor, "extractor", string(defaults.Extractor),
		"rootfs extractor: tar or native")
	buildCmd.Flags().StringVar(&checksum, "checksum", "", "expected checksum of rootfs archive, sha256:<hex>")
	buildCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "node-exporter textfile receiving build metrics")
	buildCmd.Flags().BoolVar(&debug, "debug", false, "enable verbose output of bootloader tools")

	if err := buildCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
