package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/evmesh/internal/config"
	logs "github.com/danmuck/evmesh/internal/logging"
	"github.com/danmuck/evmesh/internal/messages"
	"github.com/danmuck/evmesh/internal/node"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node from a TOML config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			n, err := node.New(cfg)
			if err != nil {
				return err
			}
			if cfg.Role != config.RoleRouter {
				if err := n.RegisterMessages(messages.Handlers{}); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if cfg.Role == config.RoleChargingStation {
				go runStation(ctx, n)
			}
			logs.Infof("nodectl.serve id=%s role=%s config=%s", cfg.ID, cfg.Role, configPath)
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "node.toml", "node config file")
	return cmd
}

// runStation boots once a link is up, then heartbeats at the interval the
// CSMS returned.
func runStation(ctx context.Context, n *node.NetworkingNode) {
	wait := time.NewTicker(200 * time.Millisecond)
	defer wait.Stop()
	for len(n.Peers()) == 0 {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
		}
	}

	boot, res := messages.SendBootNotification(ctx, n.Outbound(), messages.BootNotificationRequest{
		Reason:          "PowerUp",
		ChargingStation: messages.ChargingStation{Model: "evmesh", VendorName: "evmesh"},
	}, n.NewRequest("", nil))
	if !res.OK() {
		logs.Warnf("nodectl.station boot failed id=%s outcome=%s err=%v", n.ID(), res.Outcome, res.Err)
		return
	}
	logs.Infof("nodectl.station booted id=%s status=%s interval=%d", n.ID(), boot.Status, boot.Interval)
	interval := time.Duration(boot.Interval) * time.Second
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, res := messages.SendHeartbeat(ctx, n.Outbound(), n.NewRequest("", nil)); !res.OK() {
				logs.Warnf("nodectl.station heartbeat failed id=%s outcome=%s err=%v", n.ID(), res.Outcome, res.Err)
			}
		}
	}
}
