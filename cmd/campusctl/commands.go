package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func init() {
	rootCmd.AddCommand(joinCmd, leaveCmd, coursesCmd, categoriesCmd, refreshCmd)
}

// daemonError turns an unreachable socket into an actionable message.
func daemonError(err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.Unavailable {
		return fmt.Errorf("daemon for session %q is not reachable (is campusd running?): %s", sessionFlag, st.Message())
	}
	return errors.New(st.Message())
}

var joinCmd = &cobra.Command{
	Use:   "join <community>",
	Short: "Subscribe to a community's live traffic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		resp, err := client.Join(cmd.Context(), args[0])
		if err != nil {
			return daemonError(err)
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Joined %s (%d communities live)\n", resp.CommunityID, len(resp.Joined))
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <community>",
	Short: "Leave a community and drop its cached messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		resp, err := client.Leave(cmd.Context(), args[0])
		if err != nil {
			return daemonError(err)
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Left %s\n", resp.CommunityID)
		return nil
	},
}

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "List the course catalogue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		courses, err := client.Courses(cmd.Context())
		if err != nil {
			return daemonError(err)
		}
		if jsonFlag {
			outputJSON(courses)
			return nil
		}
		for _, c := range courses {
			fmt.Printf("%-8s %s\n", c.ID, c.Title)
		}
		return nil
	},
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List course categories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		categories, err := client.Categories(cmd.Context())
		if err != nil {
			return daemonError(err)
		}
		if jsonFlag {
			outputJSON(categories)
			return nil
		}
		for _, c := range categories {
			fmt.Printf("%-8s %s\n", c.ID, c.Name)
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:       "refresh <conversations|courses|categories>",
	Short:     "Drop a cached reference list and refetch it",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"conversations", "courses", "categories"},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		resp, err := client.Refresh(cmd.Context(), args[0])
		if err != nil {
			return daemonError(err)
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Refreshed %s: %d entries\n", resp.List, resp.Count)
		return nil
	},
}
