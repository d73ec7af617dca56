package engine

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Long:  `Print version of mayastor`,
	Run: func(cmd *cobra.Command, args []string) {
		version.PrintVersionInfo()
	},
}

// NewApplicationCmd builds the root command of the engine binary.
func NewApplicationCmd() *cobra.Command {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	pflag.CommandLine = pflag.NewFlagSet("mayastor", pflag.ExitOnError)
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("v"))
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("logtostderr"))
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("log_dir"))

	return newRootCmd()
}

func newRootCmd() *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:          "mayastor",
		Short:        "mayastor serves mirrored virtual block devices",
		Long:         `mayastor serves mirrored virtual block devices`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		Version:      fmt.Sprintf("%#v", version.Get()),
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage engine",
		Long:  `Run the storage engine`,
		RunE: func(cmd *cobra.Command, args []string) error {
			version.PrintVersionInfo()

			cfg, err := Load(configPath)
			if err != nil {
				klog.Error(err)
				return err
			}
			eng, err := New(cfg)
			if err != nil {
				klog.Error(err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return eng.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path; environment variables apply on top")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default config as YAML",
		Long:  `Print the default config as YAML`,
		RunE: func(cmd *cobra.Command, args []string) error {
			example, err := Example()
			if err != nil {
				return err
			}
			fmt.Print(example)
			return nil
		},
	}
}
