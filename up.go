package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drio/zssp/config"
	"github.com/drio/zssp/conn"
	"github.com/drio/zssp/device"
	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/internal/metrics"
	"github.com/drio/zssp/tun"
)

func newUpCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring the tunnel up and run until interrupted",
		Example: `  zssp up -c /etc/zssp/zssp.yml
  ZSSP_PEER_ENDPOINT=/ip4/192.0.2.10/udp/9993 zssp up -c zssp.yml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := log.Init(cfg.Log); err != nil {
				return fmt.Errorf("failed to init logging: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return up(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "/etc/zssp/zssp.yml", "configuration file path")
	return cmd
}

func up(ctx context.Context, cfg *config.Config) error {
	udpConn, err := conn.SetupUDP(cfg.ListenPort)
	if err != nil {
		return err
	}
	tunDev, err := tun.SetupTUN(cfg.TUN.Name, cfg.TUN.Address, cfg.MTU)
	if err != nil {
		udpConn.Close()
		return err
	}

	node, err := device.NewNode(tunDev, udpConn, cfg.Device())
	if err != nil {
		tunDev.Close()
		udpConn.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(ctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path) })
	}
	err = g.Wait()
	log.GetLogger().Info("tunnel down")
	return err
}
