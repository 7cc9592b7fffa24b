package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/basalt-chain/basalt/p2p"
)

func keyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Node key utilities",
	}
	cmd.AddCommand(keyGenerateCommand(), keyInspectCommand())
	return cmd
}

func keyGenerateCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new node key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			keyHex := hex.EncodeToString(crypto.FromECDSA(key))
			if out != "" {
				if err := os.WriteFile(out, []byte(keyHex+"\n"), 0600); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "node key written to", out)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), keyHex)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "node id:", p2p.NodeIDFromPubKey(&key.PublicKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the key to this file instead of stdout")
	return cmd
}

func keyInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <keyfile>",
		Short: "Print the node id of a key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadNodeKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "node id:", p2p.NodeIDFromPubKey(&key.PublicKey))
			return nil
		},
	}
}
