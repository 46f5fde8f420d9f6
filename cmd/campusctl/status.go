package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/campus/internal/api"
	"github.com/matheus3301/campus/internal/config"
	"github.com/matheus3301/campus/internal/lock"
	"github.com/matheus3301/campus/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, watchCmd)
}

type statusReport struct {
	Session   string `json:"session"`
	Daemon    string `json:"daemon"`
	PID       int    `json:"pid,omitempty"`
	Since     string `json:"since,omitempty"`
	Realtime  string `json:"realtime"`
	Messages  int64  `json:"messages"`
	Pending   int    `json:"pending_outbox"`
	Community int    `json:"communities"`
	TokenExp  string `json:"token_expires,omitempty"`
}

func dialDaemon() (*api.Client, error) {
	return api.Dial(session.SocketPath(sessionFlag))
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report := statusReport{Session: sessionFlag, Daemon: "stopped", Realtime: "unknown"}

		holder, err := lock.Inspect(session.Dir(sessionFlag))
		if err != nil {
			return err
		}
		if holder != nil {
			report.Daemon = "running"
			report.PID = holder.PID
			report.Since = holder.Since.Format(time.RFC3339)

			conn, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			if st, err := conn.Realtime(ctx); err != nil {
				report.Realtime = "unreachable"
			} else {
				report.Realtime = st.String()
			}
		}

		if _, err := os.Stat(session.DBPath(sessionFlag)); err == nil {
			if err := cacheStats(&report); err != nil {
				return err
			}
		}

		if cfg, err := loadConfig(); err == nil && cfg.Token != "" {
			if info, err := config.InspectToken(cfg.Token); err == nil && !info.ExpiresAt.IsZero() {
				report.TokenExp = info.ExpiresAt.Format(time.RFC3339)
			}
		}

		if jsonFlag {
			outputJSON(report)
			return nil
		}
		fmt.Printf("Session:     %s\n", report.Session)
		if report.PID != 0 {
			fmt.Printf("Daemon:      %s (pid %d since %s)\n", report.Daemon, report.PID, report.Since)
		} else {
			fmt.Printf("Daemon:      %s\n", report.Daemon)
		}
		fmt.Printf("Realtime:    %s\n", report.Realtime)
		fmt.Printf("Communities: %d\n", report.Community)
		fmt.Printf("Messages:    %d\n", report.Messages)
		fmt.Printf("Outbox:      %d queued\n", report.Pending)
		if report.TokenExp != "" {
			fmt.Printf("Token:       expires %s\n", report.TokenExp)
		}
		return nil
	},
}

func cacheStats(report *statusReport) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if report.Messages, err = db.MessageCount(); err != nil {
		return err
	}
	pending, err := db.PendingOutbox(1000)
	if err != nil {
		return err
	}
	report.Pending = len(pending)
	communities, err := db.ListCommunities()
	if err != nil {
		return err
	}
	report.Community = len(communities)
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream connection status changes until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		stream, err := conn.WatchRealtime(cmd.Context())
		if err != nil {
			return fmt.Errorf("cannot watch daemon for session %q: %w", sessionFlag, err)
		}
		for {
			resp, err := stream.Recv()
			if err != nil {
				if cmd.Context().Err() != nil {
					return nil
				}
				return err
			}
			if jsonFlag {
				outputJSON(map[string]string{"time": time.Now().Format(time.RFC3339), "realtime": resp.GetStatus().String()})
				continue
			}
			fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), resp.GetStatus())
		}
	},
}
