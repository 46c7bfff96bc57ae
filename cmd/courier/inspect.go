package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/db"
	"github.com/foxzi/courier/internal/models"
	"github.com/foxzi/courier/internal/repository"
)

var (
	campaignListStatus string
	campaignListLimit  int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign inspection commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignStatsCmd = &cobra.Command{
	Use:   "stats <campaign_id>",
	Short: "Show campaign delivery statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStats,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session inspection commands",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	RunE:  runSessionList,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, scheduled, sending, paused, completed, failed)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignCmd.AddCommand(campaignListCmd, campaignStatsCmd)
	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(campaignCmd, sessionCmd)
}

// openDatabase opens the store read by a running server. WAL mode allows both at once.
func openDatabase() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	campaigns, total, err := repository.NewCampaignRepository(database).List(context.Background(), models.CampaignListFilter{
		Status: models.CampaignStatus(campaignListStatus),
		Limit:  campaignListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	writeCampaigns(os.Stdout, campaigns)
	fmt.Printf("\nTotal: %d campaigns\n", total)
	return nil
}

func writeCampaigns(out io.Writer, campaigns []models.Campaign) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSESSION\tSTATUS\tSPEED\tSENT\tFAILED\tTOTAL\tCREATED")
	fmt.Fprintln(w, "--\t----\t-------\t------\t-----\t----\t------\t-----\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(c.ID),
			c.Name,
			c.SessionID,
			c.Status,
			c.Speed,
			c.Sent,
			c.Failed,
			c.TotalRecipients,
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}

func runCampaignStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	id := args[0]

	c, err := repository.NewCampaignRepository(database).Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", id)
	}

	// Recomputed from message rows, the stored counters may lag a running loop
	stats, err := repository.NewMessageRepository(database).Stats(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("Campaign: %s (%s)\n\n", c.Name, c.ID)
	fmt.Printf("Status:    %s\n", c.Status)
	fmt.Printf("Session:   %s\n", c.SessionID)
	fmt.Printf("Speed:     %s\n", c.Speed)
	if c.ScheduledAt != nil {
		fmt.Printf("Scheduled: %s\n", c.ScheduledAt.Format(time.RFC3339))
	}
	if c.StartedAt != nil {
		fmt.Printf("Started:   %s\n", c.StartedAt.Format(time.RFC3339))
	}
	if c.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", c.CompletedAt.Format(time.RFC3339))
	}

	fmt.Println()
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Sent:      %d\n", stats.Sent)
	fmt.Printf("Delivered: %d\n", stats.Delivered)
	fmt.Printf("Read:      %d\n", stats.Read)
	fmt.Printf("Failed:    %d\n", stats.Failed)

	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := repository.NewSessionRepository(database).List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tACCOUNT\tRECONNECT\tRESTARTS\tLAST CONNECTED\tLAST ERROR")
	fmt.Fprintln(w, "--\t----\t------\t-------\t---------\t--------\t--------------\t----------")

	for _, s := range sessions {
		lastConnected := "-"
		if s.LastConnectedAt != nil {
			lastConnected = s.LastConnectedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			s.ID,
			s.Name,
			s.Status,
			s.AccountID,
			s.AutoReconnect,
			s.RestartCount,
			lastConnected,
			s.LastError,
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d sessions\n", len(sessions))

	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
