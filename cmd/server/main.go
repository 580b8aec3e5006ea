package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"medscribe/internal/config"
	"medscribe/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)
	v := viper.New()

	root := &cobra.Command{
		Use:           "medscribe",
		Short:         "Consultation lifecycle engine for Tamil and Telugu clinical audio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if f := cmd.Flags().Lookup("port"); f != nil {
			if err := v.BindPFlag("server.port", f); err != nil {
				return err
			}
		}
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.SetLoggerFactory(logging.NewFactory(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
		}))
		return nil
	}

	current := func() *config.Config { return cfg }
	root.AddCommand(
		serveCommand(current),
		migrateCommand(current),
		versionCommand(),
	)
	return root
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
