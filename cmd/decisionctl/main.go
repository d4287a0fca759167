package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/decisionbot/project/internal/app/decisionengine"
	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/config"
	"github.com/decisionbot/project/internal/contracts"
	"github.com/decisionbot/project/internal/decision"
	"github.com/decisionbot/project/internal/platform/auth"
	"github.com/decisionbot/project/internal/platform/dbpool"
	"github.com/decisionbot/project/internal/platform/env"
	"github.com/decisionbot/project/internal/platform/githubapi"
	"github.com/decisionbot/project/internal/platform/logging"
)

var rootCmd = &cobra.Command{
	Use:           "decisionctl",
	Short:         "Inspect decisions and scheduled jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DECISION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("database-url", env.String("DATABASE_URL", env.DefaultDatabaseURL), "postgres connection string")
	flags.String("config", env.DefaultDecisionConfig, "decision settings file")
	flags.String("github-token", env.String("GITHUB_TOKEN", ""), "GitHub token used by jobs run")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"database-url", "config", "github-token", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Scheduled jobs"}
	jobsCmd.AddCommand(jobsListCmd(), jobsGetCmd(), jobsRunCmd())
	rootCmd.AddCommand(showCmd(), jobsCmd, tokenCmd())
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner/repo#number>",
		Short: "Show the decision on an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issueID, err := parseIssueKey(args[0])
			if err != nil {
				return err
			}
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				state, err := decisionengine.NewPostgresRepository(pool).Get(ctx, issueID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), state)
				}
				renderDecision(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
}

func jobsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending jobs by due time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				pending, err := jobs.NewPostgresRepository(pool).ListPending(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), pending)
				}
				renderJobs(cmd.OutOrStdout(), pending)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func jobsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job with its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				job, err := jobs.NewPostgresRepository(pool).Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func jobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every due job once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("config"), config.Default())
			if err != nil {
				return err
			}
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				logger := logging.New("decisionctl")
				gh := githubapi.New(viper.GetString("github-token"), cfg.GitHub.Org, logger)
				dispatcher := jobs.NewDispatcher(logger)
				decisionengine.NewFinalizer(decisionengine.NewPostgresRepository(pool), gh, logger).Register(dispatcher)

				ran, err := jobs.NewRunner(jobs.NewPostgresRepository(pool), dispatcher, logger).RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d job(s)\n", ran)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		repos   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the decision status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("status-secret")
			if secret == "" {
				return fmt.Errorf("DECISION_STATUS_SECRET or --status-secret is required")
			}
			token, err := auth.NewManager(secret, ttl).Sign(subject, repos...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&repos, "repo", nil, "repository the token may read (repeatable, default all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("status-secret", "", "status API signing secret")
	_ = viper.BindPFlag("status-secret", cmd.Flags().Lookup("status-secret"))
	return cmd
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := dbpool.Config(viper.GetString("database-url"))
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

// parseIssueKey accepts "owner/repo#123" or "owner/repo/123".
func parseIssueKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	repo, number, ok := strings.Cut(raw, "#")
	if !ok {
		idx := strings.LastIndex(raw, "/")
		if idx < 0 {
			return "", fmt.Errorf("invalid issue %q, want owner/repo#number", raw)
		}
		repo, number = raw[:idx], raw[idx+1:]
	}
	n, err := strconv.Atoi(number)
	owner, name, okRepo := strings.Cut(repo, "/")
	if err != nil || n <= 0 || !okRepo || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid issue %q, want owner/repo#number", raw)
	}
	return contracts.Issue{Repository: repo, Number: n}.Key(), nil
}

func renderDecision(w io.Writer, state decision.State) {
	fmt.Fprintf(w, "%s  %s (%s)\n", state.IssueID, strings.ToUpper(state.Resolution.String()), state.Reversibility)
	fmt.Fprintf(w, "started by @%s, window %s to %s, version %d\n",
		state.Initiator, state.PeriodStart.Format(time.RFC3339), state.PeriodEnd.Format(time.RFC3339), state.Version)
	if state.FinalizedAt != nil {
		fmt.Fprintf(w, "finalized %s\n", state.FinalizedAt.Format(time.RFC3339))
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Member", "Current", "History"})
	for _, member := range decision.Members(state.StatusHistory, state.CurrentStatuses) {
		current := "-"
		if status := state.CurrentStatuses[member]; status != nil {
			current = status.Resolution.String()
		}
		var past []string
		for _, status := range state.StatusHistory[member] {
			past = append(past, status.Resolution.String())
		}
		tw.AppendRow(table.Row{member, current, strings.Join(past, ", ")})
	}
	tw.Render()
}

func renderJobs(w io.Writer, pending []jobs.Job) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Due", "Status"})
	for _, job := range pending {
		tw.AppendRow(table.Row{job.ID, job.Name, job.DueAt.Format(time.RFC3339), job.Status()})
	}
	tw.AppendFooter(table.Row{"", "", "total", len(pending)})
	tw.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
