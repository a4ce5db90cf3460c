package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/krisalay/cardstats/config"
)

var (
	cfgFile string
	cfg     *config.Config

	rootCmd = &cobra.Command{
		Use:   "cardstats",
		Short: "Track owner and want counts of collectible cards",
		Long: `cardstats keeps a tiered-TTL cache of how many users own and want each card,
refreshing stale entries under a shared request budget.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = config.Load(viper.GetViper(), cfgFile); err != nil {
				return err
			}
			return config.InitLogging(cfg.Log)
		},
	}
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Errorln("Fatal error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("storage", "file", "storage backend: memory, file, redis or sqlite")
	rootCmd.PersistentFlags().String("ids", "", "file with one identifier per line")
	cobra.CheckErr(viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")))
	cobra.CheckErr(viper.BindPFlag("storage.backend", rootCmd.PersistentFlags().Lookup("storage")))
	cobra.CheckErr(viper.BindPFlag("discovery.file", rootCmd.PersistentFlags().Lookup("ids")))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statsCmd)
}
