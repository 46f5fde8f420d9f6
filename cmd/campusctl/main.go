package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/campus/internal/config"
	"github.com/matheus3301/campus/internal/session"
	"github.com/matheus3301/campus/internal/store"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:           "campusctl",
	Short:         "Inspect and drive a campus session",
	Long:          "Reads the session's local cache and drives the daemon over its Unix socket.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag = session.Resolve(sessionFlag)
		return session.ValidateName(sessionFlag)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the session cache for reading. Schema migrations and all
// writes belong to the daemon.
func openStore() (*store.DB, error) {
	path := session.DBPath(sessionFlag)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no cache for session %q yet; start campusd first", sessionFlag)
		}
		return nil, err
	}
	return store.Open(path)
}

func loadConfig() (*config.Config, error) {
	return config.Resolve(session.ConfigPath(), session.EnvPath())
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
