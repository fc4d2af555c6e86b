package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and manage device trust",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trust records",
	RunE:  runTrustList,
}

var (
	issueName  string
	issueToken string
)

var trustIssueCmd = &cobra.Command{
	Use:   "issue <device>",
	Short: "Start pairing a device and print its one-time token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustIssue,
}

var trustRevokeCmd = &cobra.Command{
	Use:   "revoke <device>",
	Short: "Revoke a device's trust and block it",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustRevoke,
}

func init() {
	trustIssueCmd.Flags().StringVar(&issueName, "name", "", "Display name for the device")
	trustIssueCmd.Flags().StringVar(&issueToken, "token", "", "Use this token instead of generating one")

	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustIssueCmd)
	trustCmd.AddCommand(trustRevokeCmd)
}

func runTrustList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.ListTrustRecords()
	if err != nil {
		return fmt.Errorf("list trust records: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No trusted devices.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSTATUS\tPAIRED\tCAPABILITIES")
	for _, r := range records {
		status := "active"
		if r.Revoked {
			status = "revoked"
		}
		paired := time.UnixMilli(r.CreatedAt).Format(time.DateTime)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.DeviceID, status, paired, strings.Join(r.Capabilities, ","))
	}
	return tw.Flush()
}

// Issue and revoke go through the server so the running engine sees them.

func runTrustIssue(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]string{"display_name": issueName, "token": issueToken})
	data, err := newAPIClient().Post("/api/devices/"+url.PathEscape(args[0])+"/pairing", body)
	if err != nil {
		return err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
	return nil
}

func runTrustRevoke(cmd *cobra.Command, args []string) error {
	if _, err := newAPIClient().Post("/api/devices/"+url.PathEscape(args[0])+"/revoke", nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s revoked\n", args[0])
	return nil
}
