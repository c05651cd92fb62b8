package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/autonomy-abci/crypto"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage agent keys",
	}
	cmd.AddCommand(newKeysGenerateCmd(), newKeysShowCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var (
		out   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an agent key file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := crypto.SaveKeyFile(out, kp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.NewDefaultSignerFromKeyPair(kp).Address())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "agent.key", "Key file")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	return cmd
}

func newKeysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key file>",
		Short: "Print the address of a key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.LoadSigner(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signer.Address())
			return nil
		},
	}
}
