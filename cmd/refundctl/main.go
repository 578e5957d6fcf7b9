package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/models"
	"github.com/punchamoorthee/refundops/internal/service"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		server  string
		admin   string
		timeout time.Duration
		c       *client
	)
	root := &cobra.Command{
		Use:           "refundctl",
		Short:         "Operate the refund ledger and treasury processor",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c = newClient(strings.TrimRight(server, "/"), admin, timeout)
		},
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("REFUNDOPS_URL", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&admin, "admin", os.Getenv("REFUNDOPS_ADMIN"), "Administrator principal for decisions and processing")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	get := func() *client { return c }
	root.AddCommand(
		listCmd(get),
		getCmd(get),
		decisionCmd(get, "approve", "Approve a refund request"),
		decisionCmd(get, "deny", "Deny a refund request"),
		decisionCmd(get, "review", "Move a refund request into review"),
		autoApproveCmd(get),
		processCmd(get),
		statsCmd(get),
		traceCmd(get),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid refund id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func listCmd(c func() *client) *cobra.Command {
	var (
		status    string
		requester string
		limit     int
		offset    int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List refund requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if requester != "" {
				q.Set("requested_by", requester)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var page models.RefundList
			if _, err := c().do(cmd.Context(), http.MethodGet, "/refunds", q, nil, &page); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			return printTable(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status")
	cmd.Flags().StringVarP(&requester, "requested-by", "r", "", "Filter by requester")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Results to skip")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func printTable(w io.Writer, page models.RefundList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTATE\tSOURCE\tAMOUNT\tREQUESTER\tORIGIN")
	for _, r := range page.Items {
		kind := domain.SourceKind("-")
		if r.Source != nil {
			kind = r.Source.Kind()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s#%s\n",
			r.ID, r.Status, r.ProcessingState, kind, r.Amount, r.RequestedBy, r.OriginType, r.OriginID)
	}
	fmt.Fprintf(tw, "\n%d of %d\n", len(page.Items), page.Total)
	return tw.Flush()
}

func getCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one refund request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var r domain.RefundRequest
			if _, err := c().do(cmd.Context(), http.MethodGet, fmt.Sprintf("/refunds/%d", id), nil, nil, &r); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

func decisionCmd(c func() *client, action, short string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   action + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var r domain.RefundRequest
			path := fmt.Sprintf("/refunds/%d/%s", id, action)
			if _, err := c().do(cmd.Context(), http.MethodPost, path, nil, models.DecisionRequest{Note: note}, &r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refund #%d is now %s\n", r.ID, r.Status)
			return nil
		},
	}
	if action != "review" {
		cmd.Flags().StringVar(&note, "note", "", "Note recorded with the decision")
	}
	return cmd
}

func autoApproveCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "auto-approve",
		Short: "Approve every request that needs no administrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out models.AutoApproveResponse
			if _, err := c().do(cmd.Context(), http.MethodPost, "/refunds/auto-approve", nil, nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %d request(s)\n", len(out.Approved))
			return nil
		},
	}
}

func processCmd(c func() *client) *cobra.Command {
	var (
		all  bool
		auto bool
	)
	cmd := &cobra.Command{
		Use:   "process [id]",
		Short: "Run refunds through the treasury pipeline",
		Long: `With an id, process that one approved refund.
With --all, process every approved treasury refund.
With --auto, auto-approve eligible requests first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				var res service.ProcessingResult
				code, err := c().do(ctx, http.MethodPost, fmt.Sprintf("/refunds/%d/process", id), nil, nil, &res)
				if err != nil {
					return err
				}
				if code == http.StatusServiceUnavailable {
					fmt.Fprintln(cmd.ErrOrStderr(), "treasury unavailable, retry scheduled")
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			if !all && !auto {
				return fmt.Errorf("pass a refund id, --all or --auto")
			}
			path := "/treasury/process"
			if auto {
				path = "/treasury/auto-process"
			}
			var batch service.BatchResult
			if _, err := c().do(ctx, http.MethodPost, path, nil, nil, &batch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d succeeded, %d failed, %d retrying, %d skipped\n",
				batch.CorrelationID, batch.Succeeded, batch.Failed, batch.Retried, batch.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Process every approved refund")
	cmd.Flags().BoolVar(&auto, "auto", false, "Auto-approve eligible refunds, then process")
	return cmd
}

func statsCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show ledger and treasury statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				ledger   domain.Stats
				treasury service.TreasuryStats
			)
			if _, err := c().do(cmd.Context(), http.MethodGet, "/refunds/stats", nil, nil, &ledger); err != nil {
				return err
			}
			if _, err := c().do(cmd.Context(), http.MethodGet, "/treasury/stats", nil, nil, &treasury); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"ledger": ledger, "treasury": treasury})
		},
	}
}

func traceCmd(c func() *client) *cobra.Command {
	return &cobra.Command{
		Use:   "trace [correlation-id]",
		Short: "Show every context recorded for one flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var trace models.CorrelationTrace
			if _, err := c().do(cmd.Context(), http.MethodGet, "/correlations/"+url.PathEscape(args[0]), nil, nil, &trace); err != nil {
				return err
			}
			for _, n := range trace.Nodes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s %s (%s)\n", strings.Repeat("  ", n.Depth), n.ID, n.Operation, n.TargetService)
			}
			return nil
		},
	}
}
