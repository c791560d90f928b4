package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/config"
	"github.com/go-go-golems/tubechat/pkg/extension"
)

var appConfig = config.Default()

var rootCmd = &cobra.Command{
	Use:           "tubechat",
	Short:         "Chat with YouTube videos through a retrieval backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}

		f := cmd.Flags()
		path, _ := f.GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return errors.Wrapf(err, "load config %s", path)
		}
		if f.Changed("backend-url") {
			cfg.Backend.URL, _ = f.GetString("backend-url")
		}
		if f.Changed("storage") {
			cfg.Storage.Driver, _ = f.GetString("storage")
		}
		if f.Changed("storage-dsn") {
			cfg.Storage.DSN, _ = f.GetString("storage-dsn")
		}
		if f.Changed("bus") {
			cfg.Bus.Driver, _ = f.GetString("bus")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		appConfig = cfg
		log.Debug().Str("config", path).Str("backend", cfg.Backend.URL).Str("bus", cfg.Bus.Driver).Str("storage", cfg.Storage.Driver).Msg("configuration loaded")
		return nil
	},
}

// openExtension assembles the extension from the loaded configuration. The caller closes it.
func openExtension(ctx context.Context) (*extension.Extension, error) {
	ext, err := extension.New(ctx, appConfig)
	if err != nil {
		return nil, errors.Wrap(err, "start extension")
	}
	return ext, nil
}

func main() {
	cobra.CheckErr(logging.AddLoggingSectionToRootCommand(rootCmd, "tubechat"))
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	pf := rootCmd.PersistentFlags()
	pf.String("config", config.DefaultPath(), "Path to the YAML configuration file")
	pf.String("backend-url", "", "Override the backend base URL")
	pf.String("storage", "", "Override the storage driver (memory, sqlite, redis)")
	pf.String("storage-dsn", "", "Override the sqlite database path")
	pf.String("bus", "", "Override the bus driver (local, watermill)")

	historyCmd, err := newHistoryCommand()
	cobra.CheckErr(err)
	settingsCmd, err := newSettingsCommand()
	cobra.CheckErr(err)
	backendCmd, err := newBackendCommand()
	cobra.CheckErr(err)
	rootCmd.AddCommand(
		newServeCommand(),
		newAskCommand(),
		historyCmd,
		settingsCmd,
		newPopupCommand(),
		backendCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
