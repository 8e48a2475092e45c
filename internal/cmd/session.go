package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionUser   string
	sessionExpiry time.Duration
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversational sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session and print its token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "session_create")
		defer span.End()

		if sessionUser == "" {
			return fmt.Errorf("--user is required")
		}
		c, closeAll, err := buildCore(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		id, token, err := c.Sessions().CreateSession(ctx, sessionUser, nil, nil, sessionExpiry)
		if err != nil {
			return err
		}
		fmt.Printf("session_id: %s\ntoken: %s\n", id, token)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "Summarize sessions by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "session_list")
		defer span.End()

		c, closeAll, err := buildCore(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		stats, err := c.Sessions().Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Expire sessions past their deadline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "session_cleanup")
		defer span.End()

		c, closeAll, err := buildCore(ctx)
		if err != nil {
			return err
		}
		defer closeAll()

		expired, err := c.Sessions().CleanupExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("expired %d sessions\n", expired)
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().StringVar(&sessionUser, "user", "", "user ID owning the session")
	sessionCreateCmd.Flags().DurationVar(&sessionExpiry, "expires-in", 0, "session lifetime (default from config)")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCleanupCmd)
	rootCmd.AddCommand(sessionCmd)
}
