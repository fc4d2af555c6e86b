package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/tether/internal/gate"
	"github.com/lazypower/tether/internal/profile"
)

// --- sessions command ---

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions <device>",
	Short: "Show a device's connection sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessions,
}

// --- classify command ---

var (
	classifyNetwork string
	classifyHour    int
	classifyDelta   float64
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run the profile rules against a context",
	RunE:  runClassify,
}

// --- authorize command ---

// ErrDenied is returned by authorize when the gate says no.
var ErrDenied = errors.New("capability denied")

var authorizeCmd = &cobra.Command{
	Use:   "authorize <device> <capability>",
	Short: "Ask the capability gate; exits 1 when denied",
	Args:  cobra.ExactArgs(2),
	RunE:  runAuthorize,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions")

	classifyCmd.Flags().StringVar(&classifyNetwork, "network", "", "Network identifier")
	classifyCmd.Flags().IntVar(&classifyHour, "hour", -1, "Hour of day (default: now)")
	classifyCmd.Flags().Float64Var(&classifyDelta, "delta-km", 0, "Distance moved since the last update")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sessions, err := db.GetSessions(args[0], sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No sessions for %s.\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tDURATION\tEND")
	for _, s := range sessions {
		started := time.UnixMilli(s.StartedAt)
		duration, reason := "open", "-"
		if s.EndedAt != nil {
			duration = time.UnixMilli(*s.EndedAt).Sub(started).Round(time.Second).String()
		}
		if s.EndReason != nil {
			reason = *s.EndReason
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.SessionID, started.Format(time.DateTime), duration, reason)
	}
	return tw.Flush()
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	hour := classifyHour
	if hour < 0 {
		hour = time.Now().Hour()
	}

	res := profile.NewRules(cfg.Profile).Classify(classifyNetwork, hour, classifyDelta)
	out := struct {
		profile.Result
		Actions profile.Actions `json:"actions"`
	}{res, res.Profile.Actions()}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := gate.NewClient(cliLogger(cfg))

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if client.IsAuthorized(ctx, args[0], args[1]) {
		fmt.Fprintln(cmd.OutOrStdout(), "allowed")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "denied")
	return ErrDenied
}
