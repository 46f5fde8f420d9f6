package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/campus/internal/daemon"
	"github.com/matheus3301/campus/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	var sessionFlag string

	cmd := &cobra.Command{
		Use:           "campusd",
		Short:         "Campus realtime sync daemon",
		Long:          "Keeps one live connection to the campus realtime endpoint and mirrors\ncommunity traffic into the session's local cache.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionName := session.Resolve(sessionFlag)
			if err := session.ValidateName(sessionName); err != nil {
				return err
			}
			app := fx.New(daemon.Module(daemon.Params{SessionName: sessionName}))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
