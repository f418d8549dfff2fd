package main

import (
	"fmt"

	"github.com/danmuck/evmesh/internal/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var (
		role      string
		out       string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a node config template",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := config.ParseRole(role)
			if err != nil {
				return err
			}
			if err := config.WriteTemplate(out, r, overwrite); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", r, out)
			return err
		},
	}
	cmd.Flags().StringVar(&role, "role", string(config.RoleChargingStation), "charging_station, router or csms")
	cmd.Flags().StringVarP(&out, "out", "o", "node.toml", "config file to write")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}
