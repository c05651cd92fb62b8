package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
)

func newFSMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsm",
		Short: "Inspect the FSM of the common app",
	}
	cmd.AddCommand(newFSMExportCmd(), newFSMCheckCmd())
	return cmd
}

func commonApp() (*fsm.AbciApp, error) {
	return fsm.NewCommonApp(round.Params{})
}

func newFSMExportCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the FSM specification as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := commonApp()
			if err != nil {
				return err
			}
			data, err := app.Spec().Marshal()
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func newFSMCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <spec.yaml>",
		Short: "Check that a YAML specification matches the FSM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			app, err := commonApp()
			if err != nil {
				return err
			}
			if err := fsm.CheckSpec(app, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s\n", args[0], app.Name())
			return nil
		},
	}
}
