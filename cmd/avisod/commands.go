package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ojeda/avisod/internal/config"
	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/staging"
)

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and curate staged service records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")
		includeBlocked, _ := cmd.Flags().GetBool("include-blocked")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", limit))
		if status != "" {
			q.Set("status", status)
		}
		if includeBlocked {
			q.Set("include_blocked", "true")
		}

		resp, err := client.get(cmd.Context(), "/records?"+q.Encode())
		if err != nil {
			return err
		}

		var records []staging.PendingRecord
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No staged records.")
			return nil
		}

		for _, r := range records {
			flags := ""
			if r.MissingFromSource {
				flags = colorize(colorYellow, " [missing]")
			}
			fmt.Printf("%s  %-18s  %-30s  %s%s\n",
				colorize(colorCyan, r.ID),
				r.InternalStatus,
				truncate(r.ClientName, 30),
				r.Phone,
				flags,
			)
		}
		return nil
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one staged record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var record any
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Permanently delete staged records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently deletes %d record(s). Use --confirm to proceed.", len(args))
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/records/delete", map[string]any{"ids": args})
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d record(s)", result["deleted"])
		return nil
	},
}

var recordsPromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Create a downstream alta record from a staged record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freshID, _ := cmd.Flags().GetBool("fresh-id")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var body any
		if freshID {
			body = map[string]any{"fresh_id": true}
		}
		resp, err := client.post(cmd.Context(), "/records/"+url.PathEscape(args[0])+"/promote", body)
		if err != nil {
			return err
		}

		var result downstream.PromoteResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.AlreadyExists {
			printWarning("Record %s already imported as %s", result.ID, result.DownstreamID)
			return nil
		}
		printSuccess("Promoted %s as %s", result.ID, result.DownstreamID)
		return nil
	},
}

func init() {
	recordsListCmd.Flags().Int("limit", 50, "maximum number of records to list")
	recordsListCmd.Flags().String("status", "", "filter by internal status")
	recordsListCmd.Flags().Bool("include-blocked", false, "include blocked records")
	recordsDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	recordsPromoteCmd.Flags().Bool("fresh-id", false, "mint a new downstream identifier")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
	recordsCmd.AddCommand(recordsPromoteCmd)
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent reconciliation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/runs?limit=%d", limit))
		if err != nil {
			return err
		}

		var runs []staging.Run
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			statusColor := colorGreen
			switch r.Status {
			case staging.RunPartial:
				statusColor = colorYellow
			case staging.RunFailed:
				statusColor = colorRed
			}
			fmt.Printf("%s  %-8s  created=%d updated=%d archived=%d blocked=%d missing=%d errors=%d\n",
				r.FinishedAt.Format(time.RFC3339),
				colorize(statusColor, r.Status),
				r.Created, r.Updated, r.Archived, r.Blocked, r.Missing, r.Errors,
			)
			if r.LastError != "" {
				fmt.Printf("    %s\n", colorize(colorRed, truncate(r.LastError, 120)))
			}
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
