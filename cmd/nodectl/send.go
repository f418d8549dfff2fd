package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/evmesh/internal/config"
	"github.com/danmuck/evmesh/internal/network"
	"github.com/danmuck/evmesh/internal/node"
	"github.com/danmuck/evmesh/internal/protocol"
	"github.com/spf13/cobra"
)

type sendFlags struct {
	config  string
	action  string
	payload string
	dest    []string
	format  string
	timeout time.Duration
}

func newSendCmd() *cobra.Command {
	var f sendFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one request through the configured peers and print the response",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := runSend(cmd.Context(), f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVarP(&f.config, "config", "c", "node.toml", "node config file")
	cmd.Flags().StringVarP(&f.action, "action", "a", "Heartbeat", "action name")
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "{}", "JSON payload")
	cmd.Flags().StringSliceVarP(&f.dest, "to", "t", nil, "destination node ids, or * for broadcast")
	cmd.Flags().StringVar(&f.format, "format", "", "text, hybrid or compact (defaults to the config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "request timeout (defaults to the config)")
	return cmd
}

func runSend(ctx context.Context, f sendFlags) (string, error) {
	if !json.Valid([]byte(f.payload)) {
		return "", fmt.Errorf("payload is not valid JSON")
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		return "", err
	}
	if f.format != "" {
		if cfg.Format, err = protocol.ParseFormat(f.format); err != nil {
			return "", err
		}
	}
	dest, err := parseDestination(f.dest)
	if err != nil {
		return "", err
	}
	if len(cfg.Peers) == 0 {
		return "", fmt.Errorf("config %s has no peers to send through", f.config)
	}

	n, err := node.New(cfg)
	if err != nil {
		return "", err
	}
	defer n.Close()
	hub := n.NewHub()
	for _, peer := range cfg.Peers {
		if err := hub.Dial(ctx, peer.URL, peer.ID); err != nil {
			return "", fmt.Errorf("dial %s: %w", peer.ID, err)
		}
	}

	req := n.NewRequest(f.action, json.RawMessage(f.payload))
	req.Destination = dest
	req.Timeout = f.timeout
	res := n.Send(ctx, req)
	if res.Err != nil && res.Response.Kind == 0 {
		return "", fmt.Errorf("%s: %w", res.Outcome, res.Err)
	}
	resp := res.Response
	if resp.Kind.IsError() {
		return fmt.Sprintf("%s %s %s %s", res.Outcome, resp.ErrorCode, resp.ErrorDescription, string(resp.ErrorDetails)), nil
	}
	return string(resp.Payload), nil
}

func parseDestination(raw []string) (network.SourceRouting, error) {
	var ids []network.NodeID
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "*" {
			return network.Broadcast(), nil
		}
		id, err := network.ParseNodeID(r)
		if err != nil {
			return network.SourceRouting{}, err
		}
		ids = append(ids, id)
	}
	switch len(ids) {
	case 0:
		return network.SourceRouting{}, nil
	case 1:
		return network.To(ids[0]), nil
	default:
		return network.ToSet(ids...), nil
	}
}
