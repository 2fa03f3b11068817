package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/muon-protocol/muon-avs-contracts/configs"
	"github.com/muon-protocol/muon-avs-contracts/internal/avs"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "avs-deployer"

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Deploys, upgrades and verifies the Muon AVS contracts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Initialize(slog.LevelInfo)

		if err := configs.LoadDefaults(viper.GetViper()); err != nil {
			return err
		}

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")

		if execPath, err := os.Executable(); err == nil {
			execDir := filepath.Dir(execPath)
			viper.AddConfigPath(execDir)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")

		// A config file is optional; embedded defaults and flags cover a full run.
		if err := viper.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				slog.Debug("no config file found, will rely on flags and defaults")
			} else {
				const errMsg = "error reading config file"
				slog.With("err", err.Error()).Error(errMsg)
				return errors.Join(err, errors.New(errMsg))
			}
		} else {
			slog.With("config_file", viper.ConfigFileUsed()).Debug("config file loaded")
		}

		if err := avs.BindFlags(cmd); err != nil {
			return err
		}

		if err := viper.Unmarshal(&configs.Values); err != nil {
			const errMsg = "unable to decode application config"
			slog.With("err", err.Error()).Error(errMsg)
			return errors.Join(err, errors.New(errMsg))
		}

		logger.Initialize(logger.ParseLevel(configs.Values.LogLevel))
		slog.With("network", configs.Values.Network).Debug("configuration loaded")

		return nil
	},
}

func main() {
	rootCmd.AddCommand(avs.DeployCMD)
	rootCmd.AddCommand(avs.UpgradeCMD)
	rootCmd.AddCommand(avs.PredictAddressCMD)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.With("err", err.Error()).Error("failed to execute root command")
		stop()
		os.Exit(1)
	}
}
