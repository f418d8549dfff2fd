package main

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/danmuck/evmesh/internal/signature"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var (
		alg string
		id  string
		out string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key pair",
		Long:  "Generate a signing key pair. The private key is written to --out and the public key to --out.pub; the public key is also printed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			public, err := writeKeyPair(signature.Algorithm(alg), id, out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), public)
			return err
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(signature.AlgEd25519), "ed25519 or dilithium3")
	cmd.Flags().StringVar(&id, "id", "node-key", "key id recorded in signatures")
	cmd.Flags().StringVarP(&out, "out", "o", "node.key", "private key file")
	return cmd
}

func writeKeyPair(alg signature.Algorithm, id, path string) (string, error) {
	key, err := signature.GenerateKey(alg, id, rand.Reader)
	if err != nil {
		return "", err
	}
	private, err := key.Encode()
	if err != nil {
		return "", err
	}
	public, err := key.Public().Encode()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("key already exists: %s", path)
	}
	if err := os.WriteFile(path, []byte(private+"\n"), 0o600); err != nil {
		return "", err
	}
	if err := os.WriteFile(path+".pub", []byte(public+"\n"), 0o644); err != nil {
		return "", err
	}
	return public, nil
}
