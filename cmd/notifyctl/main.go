// Command notifyctl drives a running notigate worker from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/thebtf/notigate/pkg/client"
	"github.com/thebtf/notigate/pkg/models"
)

var version = "dev"

var (
	flagPort    int
	flagToken   string
	flagJSON    bool
	flagPackage string
	flagKey     string
	flagTitle   string
	flagBody    string
	flagMedia   bool
	flagNotNeed bool
)

func newClient() *client.Client {
	return client.NewLocal(flagPort, flagToken)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Control a notigate worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&flagPort, "port", client.GetWorkerPort(), "worker port (env NOTIGATE_WORKER_PORT)")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("NOTIGATE_API_TOKEN"), "API token (env NOTIGATE_API_TOKEN)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newVersionCmd(),
		newStatusCmd(),
		newPostCmd(),
		newFeedbackCmd(),
		newSuppressedCmd(),
		newScoreCmd(),
		newLearnCmd(),
		newStatsCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "notifyctl %s\n", version)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newClient().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("worker not reachable on port %d: %w", flagPort, err)
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (version %s, up %s)\n", h.Status, h.Version, h.Uptime)
			return nil
		},
	}
}

func newPostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Submit a notification to the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := models.Notification{
				Key:         flagKey,
				PackageName: flagPackage,
				Title:       flagTitle,
				Body:        flagBody,
				IsMedia:     flagMedia,
				PostedAt:    time.Now(),
			}
			if n.Key == "" {
				n.Key = fmt.Sprintf("%s|%d", n.PackageName, n.PostedAt.UnixNano())
			}

			out, err := newClient().Post(cmd.Context(), n)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  score=%.2f", out.Key, out.Decision, out.Score)
			if out.Reason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  (%s)", out.Reason)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&flagPackage, "package", "com.example.app", "source package name")
	cmd.Flags().StringVar(&flagKey, "key", "", "notification key (generated when empty)")
	textFlags(cmd)
	cmd.Flags().BoolVar(&flagMedia, "media", false, "mark as a media notification")
	return cmd
}

func newFeedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "feedback <dismiss|open|close> <key>",
		Short:     "Report a user action on a pending notification",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"dismiss", "open", "close"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Feedback(cmd.Context(), args[1], args[0]); err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("%s is not pending", args[1])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[1], args[0])
			return nil
		},
	}
}

func newSuppressedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppressed",
		Short: "Review suppressed notifications",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List suppressed notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Suppressed(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			return printSuppressed(cmd.OutOrStdout(), items)
		},
	}

	needed := &cobra.Command{
		Use:   "needed <id>...",
		Short: "Mark suppressed notifications as needed and learn from them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := newClient().MarkNeeded(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "learned from %d notification(s)\n", n)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete suppressed notifications without learning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			n, err := newClient().DeleteSuppressed(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d notification(s)\n", n)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every suppressed notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().ClearSuppressed(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cleared")
			return nil
		},
	}

	cmd.AddCommand(list, needed, del, clearCmd)
	return cmd
}

func newScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Explain the local model's score for a text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newClient().Score(cmd.Context(), flagTitle, flagBody)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), b)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "tokens  %d known of %d\n", b.KnownTokens, b.TotalTokens)
			fmt.Fprintf(w, "base    %.3f\n", b.BaseScore)
			for _, r := range b.Rules {
				fmt.Fprintf(w, "  %-16s %.3f\n", r.Rule, r.Score)
			}
			fmt.Fprintf(w, "final   %.3f\n", b.FinalScore)
			return nil
		},
	}
	textFlags(cmd)
	return cmd
}

func newLearnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Teach the model that a text is needed (or not, with --not-needed)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := newClient().Learn(cmd.Context(), flagTitle, flagBody, !flagNotNeed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "new score %.3f\n", score)
			return nil
		},
	}
	textFlags(cmd)
	cmd.Flags().BoolVar(&flagNotNeed, "not-needed", false, "learn negative feedback")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print worker statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func textFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagTitle, "title", "", "notification title")
	cmd.Flags().StringVar(&flagBody, "body", "", "notification body")
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSuppressed(w io.Writer, items []models.SuppressedNotification) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "no suppressed notifications")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCORE\tSOURCE\tTITLE\tWHEN")
	for _, it := range items {
		when := time.UnixMilli(it.Timestamp).Format("2006-01-02 15:04")
		fmt.Fprintf(tw, "%d\t%.2f\t%s\t%s\t%s\n", it.ID, it.Score, it.PackageName, it.Title, when)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "notifyctl:", err)
		os.Exit(1)
	}
}
