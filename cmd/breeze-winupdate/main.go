package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winupdate/internal/audit"
	"github.com/breeze-rmm/winupdate/internal/config"
	"github.com/breeze-rmm/winupdate/internal/logging"
	"github.com/breeze-rmm/winupdate/internal/report"
	"github.com/breeze-rmm/winupdate/internal/winupdate"
)

var (
	version    = "0.1.0"
	cfgFile    string
	format     string
	categories []string
	skipExprs  []string
	retries    int
	verbose    bool
	auditFile  string
)

// errUnsuccessful makes the process exit 1 without printing anything more;
// the report already says what went wrong.
var errUnsuccessful = errors.New("update round unsuccessful")

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:           "breeze-winupdate",
	Short:         "Breeze Windows Update runner",
	Long:          `breeze-winupdate lists, downloads and installs Windows updates through the Windows Update Agent and reports the outcome.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available updates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), winupdate.OperationList)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download available updates without installing them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), winupdate.OperationDownload)
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Download and install available updates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), winupdate.OperationInstall)
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run the pre-install checks and print their results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPreflight()
	},
}

var rebootStatusCmd = &cobra.Command{
	Use:   "reboot-status",
	Short: "Report whether a reboot is pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRebootStatus()
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "audit-verify",
	Short: "Check the hash chain of the audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyAudit()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("breeze-winupdate v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is winupdate.yaml in the Breeze config dir)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "", "output format: text, json or yaml (default from config)")

	for _, cmd := range []*cobra.Command{listCmd, downloadCmd, installCmd} {
		cmd.Flags().StringArrayVar(&categories, "category", nil, "only consider updates in this category (repeatable)")
		cmd.Flags().StringArrayVar(&skipExprs, "skip", nil, "override a skip flag, name=bool (repeatable)")
		cmd.Flags().IntVar(&retries, "retries", 0, "retry budget shared by all phases (default from config)")
		rootCmd.AddCommand(cmd)
	}
	listCmd.Flags().BoolVar(&verbose, "verbose", false, "list every update instead of a per-category summary")

	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(rebootStatusCmd)
	auditVerifyCmd.Flags().StringVar(&auditFile, "file", "", "audit file to check (default is audit.jsonl in the data dir)")
	rootCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if !errors.Is(err, errUnsuccessful) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if format != "" {
		cfg.ReportFormat = strings.ToLower(format)
	}
	if retries > 0 {
		cfg.Retries = retries
	}
	closer := initLogging(cfg)
	// Validate logs each problem itself; runs go ahead with clamped values.
	cfg.Validate()
	return cfg, closer, nil
}

func initLogging(cfg *config.Config) func() {
	var output io.Writer = os.Stderr
	closer := func() {}

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stderr, rw)
			closer = func() { rw.Close() }
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	return closer
}

func runOperation(ctx context.Context, op winupdate.Operation) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := operationOptions(cfg)
	if err != nil {
		return err
	}

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", "error", err)
		}
		defer auditLog.Close()
	}

	svc := winupdate.NewService(winupdate.OpenSession, winupdate.ConfigFromConfig(cfg), auditLog)

	var rep *winupdate.Report
	switch op {
	case winupdate.OperationList:
		rep, err = svc.ListUpdates(ctx, opts)
	case winupdate.OperationDownload:
		rep, err = svc.DownloadUpdates(ctx, opts)
	case winupdate.OperationInstall:
		rep, err = svc.InstallUpdates(ctx, opts)
	default:
		err = fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return err
	}

	if err := report.Render(os.Stdout, rep, cfg.ReportFormat); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	sink, err := report.NewSink(ctx, cfg)
	if err != nil {
		log.Warn("report sink unavailable", "error", err)
	} else if sink != nil {
		if _, err := report.Archive(ctx, sink, rep, cfg.ReportFormat); err != nil {
			log.Warn("failed to archive report", "error", err, logging.KeyRunID, rep.RunID)
		}
	}

	if !rep.Success {
		return errUnsuccessful
	}
	return nil
}

// operationOptions merges config skips and categories with the flags; flags
// win.
func operationOptions(cfg *config.Config) (winupdate.Options, error) {
	opts := winupdate.Options{
		Categories: cfg.Categories,
		Skips:      make(map[string]bool, len(cfg.Skips)+len(skipExprs)),
		Retries:    cfg.Retries,
		Verbose:    cfg.Verbose || verbose,
	}
	if len(categories) > 0 {
		opts.Categories = categories
	}
	for name, value := range cfg.Skips {
		opts.Skips[strings.ToLower(name)] = value
	}
	for _, expr := range skipExprs {
		name, value, err := winupdate.ParseSkip(expr)
		if err != nil {
			return opts, fmt.Errorf("--skip %s: %w", expr, err)
		}
		opts.Skips[strings.ToLower(name)] = value
	}
	return opts, nil
}

func runPreflight() error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	result := winupdate.RunPreflight(winupdate.PreflightOptionsFromConfig(cfg))
	if err := printPreflight(os.Stdout, result, cfg.ReportFormat); err != nil {
		return err
	}
	if !result.OK {
		return errUnsuccessful
	}
	return nil
}

func printPreflight(w io.Writer, result winupdate.PreflightResult, format string) error {
	if f := strings.ToLower(format); f != "" && f != report.FormatText {
		return report.Encode(w, result, format)
	}

	if len(result.Checks) == 0 {
		fmt.Fprintln(w, "no preflight checks apply on this host")
	}
	for _, check := range result.Checks {
		status := "PASS"
		if !check.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s: %s\n", status, check.Name, check.Message)
	}
	return nil
}

type rebootStatus struct {
	PendingReboot bool     `json:"pendingReboot" yaml:"pendingReboot"`
	Reasons       []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

func showRebootStatus() error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	pending, reasons := winupdate.DetectPendingReboot()
	return printRebootStatus(os.Stdout, rebootStatus{PendingReboot: pending, Reasons: reasons}, cfg.ReportFormat)
}

func printRebootStatus(w io.Writer, status rebootStatus, format string) error {
	if f := strings.ToLower(format); f != "" && f != report.FormatText {
		return report.Encode(w, status, format)
	}

	if !status.PendingReboot {
		fmt.Fprintln(w, "No reboot pending")
		return nil
	}
	fmt.Fprintln(w, "Reboot pending:")
	for _, reason := range status.Reasons {
		fmt.Fprintf(w, "\t%s\n", reason)
	}
	return nil
}

func verifyAudit() error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	path := auditFile
	if path == "" {
		path = audit.FilePath(cfg)
	}
	return printAuditVerify(os.Stdout, path)
}

func printAuditVerify(w io.Writer, path string) error {
	n, err := audit.Verify(path)
	if err != nil {
		fmt.Fprintf(w, "FAIL %s: %v (%d entries intact)\n", path, err, n)
		return errUnsuccessful
	}
	fmt.Fprintf(w, "PASS %s: %d entries\n", path, n)
	return nil
}
