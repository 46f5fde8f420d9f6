package main

import (
	"fmt"
	"strings"

	"github.com/matheus3301/campus/internal/api"
	"github.com/matheus3301/campus/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyBefore int64
	searchIn      string
	searchLimit   int
	replyTo       string
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of messages")
	historyCmd.Flags().Int64Var(&historyBefore, "before", 0, "only messages sent before this unix-ms timestamp")
	searchCmd.Flags().StringVar(&searchIn, "community", "", "restrict to one community")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum number of results")
	sendCmd.Flags().StringVar(&replyTo, "reply-to", "", "server id of the message being answered")

	rootCmd.AddCommand(conversationsCmd, historyCmd, searchCmd, sendCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List communities with their latest message",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		communities, err := db.ListCommunities()
		if err != nil {
			return err
		}
		last, err := db.ListLastMessages()
		if err != nil {
			return err
		}
		byID := make(map[string]store.LastMessage, len(last))
		for _, l := range last {
			byID[l.CommunityID] = l
		}

		if jsonFlag {
			type row struct {
				store.Community
				Last *store.LastMessage `json:"last,omitempty"`
			}
			out := make([]row, 0, len(communities))
			for _, c := range communities {
				r := row{Community: c}
				if l, ok := byID[c.ID]; ok {
					r.Last = &l
				}
				out = append(out, r)
			}
			outputJSON(out)
			return nil
		}
		if len(communities) == 0 {
			fmt.Println("No conversations cached.")
			return nil
		}
		for _, c := range communities {
			name := c.Name
			if name == "" {
				name = "#" + c.ID
			}
			l, ok := byID[c.ID]
			if !ok {
				fmt.Printf("%-8s %-24s\n", c.ID, name)
				continue
			}
			fmt.Printf("%-8s %-24s %s  %s: %s [%s]\n", c.ID, name, formatTime(l.SentAt), l.SenderName, preview(l.Body, l.Image, l.Document), l.Status)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <community>",
	Short: "Print a community's cached log, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		msgs, err := db.ListMessages(args[0], historyBefore, historyLimit)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(msgs)
			return nil
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if m.ReplyToID != "" {
				fmt.Printf("    > %s: %s\n", m.ReplySender, m.ReplySnippet)
			}
			edited := ""
			if m.Edited {
				edited = " (edited)"
			}
			fmt.Printf("%s  %s: %s%s [%s]\n", formatTime(m.SentAt), m.SenderName, preview(m.Body, m.Image, m.Document), edited, m.Status)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search cached messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		results, err := db.SearchMessages(strings.Join(args, " "), searchIn, searchLimit)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(results)
			return nil
		}
		if len(results) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, r := range results {
			fmt.Printf("[%s] %s  %s: %s\n", r.Message.CommunityID, formatTime(r.Message.SentAt), r.Message.SenderName, r.Snippet)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <community> <text>",
	Short: "Queue a message in the daemon's outbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		resp, err := client.Send(cmd.Context(), &api.SendRequest{
			CommunityID: args[0],
			Text:        strings.Join(args[1:], " "),
			ReplyTo:     replyTo,
		})
		if err != nil {
			return daemonError(err)
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Queued %s\n", resp.TempID)
		return nil
	},
}

func preview(body, image, document string) string {
	switch {
	case body != "":
		return body
	case image != "":
		return "[image]"
	case document != "":
		return "[document]"
	}
	return ""
}
