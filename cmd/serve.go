package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/krisalay/cardstats/control"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server and refresh discovered items periodically",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "control server address")
	serveCmd.Flags().Duration("interval", 10*time.Minute, "time between refresh passes, 0 disables them")
	cobra.CheckErr(viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr")))
	cobra.CheckErr(viper.BindPFlag("server.interval", serveCmd.Flags().Lookup("interval")))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	interval := cfg.Server.Interval

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ticking := make(chan struct{})
	if interval > 0 {
		go func() {
			defer close(ticking)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			a.handler.StartPass()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.handler.StartPass()
				}
			}
		}()
	} else {
		close(ticking)
	}

	gin.SetMode(gin.ReleaseMode)
	router := control.NewRouter(a.handler, a.registry)
	err = control.Serve(ctx, cfg.Server.Addr, router)

	log.Info("Shutting down")
	cancel()
	<-ticking
	a.scheduler.Cancel()
	return err
}
