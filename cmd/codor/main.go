package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"codor/internal/app"
	"codor/internal/config"
	"codor/internal/domain"
	"codor/internal/evidence"
	"codor/internal/ledger"
	"codor/internal/server"
)

var version = "dev"

// errFailed makes the process exit 1 without printing anything more; the
// outcome has already been reported.
var errFailed = errors.New("failed")

var rootCmd = &cobra.Command{
	Use:   "codor <spec-path>",
	Short: "Specification-driven test runner",
	Long: `codor executes the tasks of a JSON or YAML test specification.
- Each task runs its prerequisites, steps and cleanup actions through executor plugins.
- Success conditions are evaluated against the action results.
- Failed tasks are analyzed and every task is checked for technical debt.
- Evidence files are written per action and task, plus a final report, and chained into a tamper-evident ledger.
Exit status is 0 only when no task failed.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSpec,
}

var runFlags struct {
	dryRun        bool
	stopOnFailure bool
	listPlugins   bool
	tasks         []string
	overrides     []string
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	addRunFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CODOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "runner config (default: codor.yml next to the specification)")
	rootCmd.PersistentFlags().String("evidence-dir", "", "evidence directory (overrides config and specification)")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("evidence-dir", rootCmd.PersistentFlags().Lookup("evidence-dir"))
}

func addRunFlags() {
	f := rootCmd.Flags()
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "resolve executors without running anything")
	f.BoolVar(&runFlags.stopOnFailure, "stop-on-failure", false, "skip remaining tasks after the first failure")
	f.BoolVar(&runFlags.listPlugins, "list-plugins", false, "list loaded plugins and exit")
	f.StringArrayVar(&runFlags.tasks, "task", nil, "run only this task id (repeatable)")
	f.StringArrayVar(&runFlags.overrides, "set", nil, "placeholder override KEY=VALUE (repeatable)")
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(pluginsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(configCmd())
}

func runSpec(cmd *cobra.Command, args []string) error {
	specPath := ""
	if len(args) == 1 {
		specPath = args[0]
	}
	if runFlags.listPlugins {
		return withRunner(cmd.Context(), specPath, func(ctx context.Context, r *app.Runner) error {
			return printPlugins(r)
		})
	}
	if specPath == "" {
		return fmt.Errorf("specification path required")
	}
	overrides, err := parseOverrides(runFlags.overrides)
	if err != nil {
		return err
	}
	return withRunner(cmd.Context(), specPath, func(ctx context.Context, r *app.Runner) error {
		out, err := r.Run(ctx, app.RunOptions{
			SpecPath:      specPath,
			EvidenceDir:   viper.GetString("evidence-dir"),
			DryRun:        runFlags.dryRun,
			StopOnFailure: runFlags.stopOnFailure,
			Tasks:         runFlags.tasks,
			Overrides:     overrides,
		})
		if err != nil && out.Results.RunID == "" {
			return err
		}
		if perr := printOutcome(out); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		if out.Results.AnyFailed() {
			return errFailed
		}
		return nil
	})
}

func serveCmd() *cobra.Command {
	var addr, basePath, jwtSecret string
	var allowRuns bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the evidence API",
		Long:  "Serves reports, task summaries, the ledger and run history of an evidence directory over HTTP. With --allow-runs, POST /v0/runs executes specifications found on this machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), "", func(ctx context.Context, r *app.Runner) error {
				dir, err := evidenceDir(r.Config)
				if err != nil {
					return err
				}
				l, err := ledger.Open(ctx, dir)
				if err != nil {
					return err
				}
				defer l.Close()

				if !cmd.Flags().Changed("addr") && r.Config.Server.Addr != "" {
					addr = r.Config.Server.Addr
				}
				if jwtSecret == "" {
					jwtSecret = viper.GetString("jwt-secret")
				}
				if jwtSecret == "" {
					jwtSecret = r.Config.Server.JWTSecret
				}
				if jwtSecret == "" {
					r.Log.Warn("no JWT secret configured, the API is open")
				}
				scfg := server.Config{
					EvidenceDir: dir,
					Ledger:      l,
					Gatherer:    r.Gatherer,
					BasePath:    basePath,
					Auth:        server.AuthConfig{JWTSecret: jwtSecret},
					Log:         r.Log.Named("api"),
				}
				if allowRuns {
					scfg.Runner = r
				}
				handler, err := server.New(scfg)
				if err != nil {
					return err
				}

				hooksDone := server.StartWebhooks(ctx, server.WebhookOptions{
					Repo:     l.Repo,
					Webhooks: r.Config.Webhooks,
					Log:      r.Log,
				})
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				r.Log.Info("serving evidence API",
					zap.String("url", fmt.Sprintf("http://%s%s", addr, basePath)),
					zap.String("evidence_dir", dir),
					zap.Bool("runs", allowRuns))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				<-hooksDone
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret for bearer tokens (env CODOR_JWT_SECRET)")
	cmd.Flags().BoolVar(&allowRuns, "allow-runs", false, "enable POST /runs")
	return cmd
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [evidence-dir]",
		Short: "Check evidence files against the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("config"), "")
			if err != nil {
				return err
			}
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else if dir, err = evidenceDir(cfg); err != nil {
				return err
			}
			l, err := openExistingLedger(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer l.Close()
			rep, err := evidence.Verify(cmd.Context(), l.Repo, dir)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				if err := printJSON(rep); err != nil {
					return err
				}
			} else {
				fmt.Printf("Ledger: %d events, head %s\n", rep.Events, rep.Head)
				fmt.Printf("Files checked: %d\n", rep.FilesChecked)
				if len(rep.Problems) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Seq", "Path", "Kind", "Detail"})
					for _, p := range rep.Problems {
						tw.AppendRow(table.Row{p.Seq, p.Path, p.Kind, p.Detail})
					}
					tw.Render()
				}
			}
			if !rep.OK() {
				return errFailed
			}
			return nil
		},
	}
	return cmd
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List loaded plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), "", func(ctx context.Context, r *app.Runner) error {
				return printPlugins(r)
			})
		},
	}
}

func runsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "runs [evidence-dir]",
		Short: "List runs recorded in the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("config"), "")
			if err != nil {
				return err
			}
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else if dir, err = evidenceDir(cfg); err != nil {
				return err
			}
			l, err := openExistingLedger(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer l.Close()
			runs, err := l.Repo.ListRuns(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(runs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Run", "Started", "Status", "Total", "Passed", "Failed", "Skipped", "Spec"})
			for _, run := range runs {
				tw.AppendRow(table.Row{run.ID, run.StartedAt, run.Status, run.Total, run.Passed, run.Failed, run.Skipped, run.SpecPath})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Runner configuration"}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default codor.yml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path := config.Path(dir)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [spec-path]",
		Short: "Show the effective configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath := ""
			if len(args) == 1 {
				specPath = args[0]
			}
			cfg, err := app.LoadConfig(viper.GetString("config"), specPath)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [spec-path]",
		Short: "Validate the configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath := ""
			if len(args) == 1 {
				specPath = args[0]
			}
			if _, err := app.LoadConfig(viper.GetString("config"), specPath); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

// --- helpers ---

func withRunner(ctx context.Context, specPath string, fn func(context.Context, *app.Runner) error) error {
	cfg, err := app.LoadConfig(viper.GetString("config"), specPath)
	if err != nil {
		return err
	}
	log, err := app.NewLogger(cfg, viper.GetBool("verbose"), os.Stderr)
	if err != nil {
		return err
	}
	defer log.Sync()
	r, err := app.NewRunner(ctx, cfg, log, version, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn("plugin cleanup", zap.Error(cerr))
		}
	}()
	return fn(ctx, r)
}

func evidenceDir(cfg *config.Config) (string, error) {
	dir := viper.GetString("evidence-dir")
	if dir == "" {
		dir = cfg.Evidence.Dir
	}
	if dir == "" {
		dir = "evidence"
	}
	return filepath.Abs(dir)
}

func openExistingLedger(ctx context.Context, dir string) (*ledger.Ledger, error) {
	if _, err := os.Stat(filepath.Join(dir, ".codor", "ledger.db")); err != nil {
		return nil, fmt.Errorf("no ledger in %s: %w", dir, err)
	}
	return ledger.Open(ctx, dir)
}

func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printOutcome(out app.RunOutcome) error {
	res := out.Results
	if viper.GetBool("json") {
		return printJSON(res)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Task", "Status", "Duration", "Analyses", "Debt", "Reason"})
	for _, id := range res.TaskOrder {
		tr, ok := res.Tasks[id]
		if !ok {
			continue
		}
		tw.AppendRow(table.Row{id, tr.Status, fmt.Sprintf("%dms", tr.DurationMS), len(tr.FailureAnalysis), len(tr.TechnicalDebt), tr.FailureReason})
	}
	s := res.Summary()
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d passed", s.Passed, s.Total), fmt.Sprintf("%dms", res.DurationMS), s.FailureAnalyses, s.TechnicalDebtItems, ""})
	tw.Render()

	for _, id := range res.TaskOrder {
		printFindings(res.Tasks[id])
	}
	if res.FatalError != "" {
		fmt.Println("Fatal:", res.FatalError)
	}
	if res.DryRun {
		fmt.Println("Dry run: nothing was executed and no evidence was written.")
	} else if out.EvidenceDir != "" {
		fmt.Println("Evidence:", out.EvidenceDir)
	}
	return nil
}

func printFindings(tr domain.TaskResult) {
	for _, fa := range tr.FailureAnalysis {
		fmt.Printf("[%s] %s (%s, confidence %.2f): %s\n", tr.TaskID, fa.Category, fa.Analyzer, fa.Confidence, fa.Reason)
		for _, item := range fa.BlockingItems {
			fmt.Printf("    - %s\n", item)
		}
		if fa.Remediation != "" {
			fmt.Printf("    fix: %s\n", fa.Remediation)
		}
	}
	for _, d := range tr.TechnicalDebt {
		fmt.Printf("[%s] debt %s/%s: %s\n", tr.TaskID, d.Category, d.Severity, d.Description)
	}
}

func printPlugins(r *app.Runner) error {
	infos := r.Registry.Describe()
	skipped := r.Registry.Skipped()
	if viper.GetBool("json") {
		reasons := make([]string, 0, len(skipped))
		for _, s := range skipped {
			reasons = append(reasons, s.Error())
		}
		return printJSON(map[string]any{"plugins": infos, "skipped": reasons})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Kind", "Name", "Version", "Priority", "Action types"})
	for _, info := range infos {
		prio := ""
		if info.Priority != nil {
			prio = fmt.Sprint(*info.Priority)
		}
		tw.AppendRow(table.Row{info.Kind, info.Name, info.Version, prio, strings.Join(info.ActionTypes, ", ")})
	}
	tw.Render()
	for _, s := range skipped {
		fmt.Println("skipped:", s.Error())
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
