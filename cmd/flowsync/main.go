package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"flowsync/internal/app"
	"flowsync/internal/config"
	"flowsync/internal/encryption"
	"flowsync/internal/flow"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates a FlowApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "Export").
func newApp(ctx context.Context, operation string) (*app.FlowApp, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewFlowApp(ctx, cfg, operation, app.Options{Verbose: verbose})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// closeApp reports a Close failure unless the command already failed.
func closeApp(a *app.FlowApp, err *error) {
	if cerr := a.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func parseInstanceID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid instance id %q", s)
	}
	return id, nil
}

var rootCmd = &cobra.Command{
	Use:          "flowsync",
	Short:        "Offline survey capture and sync",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and backup keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device-id")
		user, _ := cmd.Flags().GetString("user")
		skipKeys, _ := cmd.Flags().GetBool("no-keys")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		if deviceID == "" {
			deviceID = uuid.New().String()
		}
		cfg := config.NewConfig(deviceID, defaults["base_dir"])
		cfg.User.Name = user

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])

		if skipKeys {
			return nil
		}
		passphrase, err := promptNewPassphrase()
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			return err
		}
		if err := enc.Setup(passphrase); err != nil {
			return fmt.Errorf("setting up backup keys: %w", err)
		}
		fmt.Printf("Backup keys written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Device ID:    %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Server:       %s\n", cfg.Server.URL)
		fmt.Printf("User:         %s (survey group %d)\n", cfg.User.Name, cfg.User.SurveyGroupID)
		fmt.Printf("Vault:        %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Network:      %s (metered allowed: %t)\n", cfg.Sync.Network, cfg.Sync.AllowMetered)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\nProblems:\n%v\n", err)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vault",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd.Context(), "ValidateVault")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.ValidateVault(cmd.Context()); err != nil {
			return fmt.Errorf("vault check failed: %w", err)
		}
		fmt.Println("Vault OK")
		return nil
	},
}

// form command
var formCmd = &cobra.Command{
	Use:   "form",
	Short: "Manage form definitions",
}

var formFetchCmd = &cobra.Command{
	Use:   "fetch FORM_ID...",
	Short: "Download form definitions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd.Context(), "FetchForm")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		for _, id := range args {
			form, err := a.FetchForm(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("fetching form %s: %w", id, err)
			}
			fmt.Printf("%s  v%g  %s  (%d questions)\n", form.ID, form.Version, form.Name, len(form.Questions()))
		}
		return nil
	},
}

// instance command
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Capture form instances",
}

var instanceStartCmd = &cobra.Command{
	Use:   "start FORM_ID",
	Short: "Start a new form instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dataPoint, _ := cmd.Flags().GetString("datapoint")

		a, err := newApp(cmd.Context(), "StartInstance")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		inst, err := a.StartInstance(args[0], dataPoint)
		if err != nil {
			return err
		}
		fmt.Printf("Instance %d (%s) for datapoint %s\n", inst.ID, inst.UUID, inst.DataPointID)
		return nil
	},
}

var instanceAnswerCmd = &cobra.Command{
	Use:   "answer INSTANCE_ID QUESTION_ID VALUE",
	Short: "Answer a question",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		iteration, _ := cmd.Flags().GetInt("iteration")
		confirm, _ := cmd.Flags().GetString("confirm")

		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Answer")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		problem, err := a.Answer(id, args[1], iteration, args[2], confirm)
		if err != nil {
			return err
		}
		if problem != nil {
			fmt.Printf("Saved with problem: %s\n", problem)
			return nil
		}
		fmt.Println("Saved")
		return nil
	},
}

var instanceSubmitCmd = &cobra.Command{
	Use:   "submit INSTANCE_ID",
	Short: "Submit a completed instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		id, err := parseInstanceID(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Submit")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		problems, err := a.Submit(cmd.Context(), id)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Printf("  %s\n", p)
			}
			return fmt.Errorf("instance %d has %d invalid question(s)", id, len(problems))
		}
		fmt.Printf("Instance %d submitted\n", id)
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Package submitted instances",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd.Context(), "Export")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		n, err := a.Export(cmd.Context())
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("Exported %d instance(s)\n", n)
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull assigned datapoints and push pending files",
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		watch, _ := cmd.Flags().GetBool("watch")

		mode, err := flow.ParseSyncMode(modeFlag)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !watch {
			return syncOnce(ctx, mode)
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		interval, err := cfg.Sync.PullIntervalDuration()
		if err != nil {
			return err
		}
		if interval <= 0 {
			return fmt.Errorf("sync.pull_interval must be positive to watch")
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := syncOnce(ctx, mode); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "sync: %v\n", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func syncOnce(ctx context.Context, mode flow.SyncMode) (err error) {
	a, err := newApp(ctx, "Sync")
	if err != nil {
		return err
	}
	defer closeApp(a, &err)

	res := a.Sync(ctx, mode)
	fmt.Printf("%s  pull=%s push=%s pulled=%d exported=%d repaired=%d uploaded=%d failed=%d\n",
		res.Code, orDash(res.PullCode), orDash(res.PushCode), res.Pulled, res.Exported, res.Repaired, res.Uploaded, res.Failed)
	switch res.Code {
	case flow.ResultSuccess:
		return nil
	case flow.ResultCancelled:
		return context.Canceled
	}
	if res.Err != nil {
		return res.Err
	}
	return errors.New(string(res.Code))
}

func orDash(c flow.ResultCode) string {
	if c == "" {
		return "-"
	}
	return string(c)
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instances and files waiting on this device",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.Status()
		if err != nil {
			return err
		}

		for _, st := range []flow.InstanceStatus{flow.StatusSaved, flow.StatusSubmitted, flow.StatusRequested, flow.StatusExported, flow.StatusSynced, flow.StatusDownloaded, flow.StatusDeleted} {
			fmt.Printf("%-11s %d\n", st, report.Instances[st])
		}
		last := report.LastSync
		if last == "" {
			last = "never"
		}
		fmt.Printf("\nLast datapoint sync: %s\n", last)

		if len(report.Unsynced) == 0 {
			fmt.Println("All files synced.")
			return nil
		}
		fmt.Printf("\n%d file(s) waiting:\n", len(report.Unsynced))
		for _, t := range report.Unsynced {
			fmt.Printf("  %-11s  %s\n", t.Status, t.Filename)
		}
		return nil
	},
}

var formBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Install form definitions from zip files on the device",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dir, _ := cmd.Flags().GetString("dir")

		a, err := newApp(cmd.Context(), "Bootstrap")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		res, err := a.Bootstrap(cmd.Context(), dir)
		for _, name := range res.Files {
			fmt.Printf("Installed %s\n", name)
		}
		if err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
		fmt.Printf("Installed %d form(s) from %d file(s)\n", len(res.Forms), len(res.Files))
		return nil
	},
}

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Copy all collected data to a public folder for manual transfer",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		dir, _ := cmd.Flags().GetString("dir")

		a, err := newApp(cmd.Context(), "Publish")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		res, err := a.PublishData(cmd.Context(), dir)
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		fmt.Printf("Published %d file(s) to %s\n", res.Published, res.Dir)
		if res.Missing > 0 {
			fmt.Printf("%d file(s) no longer on the device\n", res.Missing)
		}
		return nil
	},
}

// repair command
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Reset interrupted uploads and re-export broken instances",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd.Context(), "Repair")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		n, err := a.Repair(cmd.Context())
		if err != nil {
			return fmt.Errorf("repair failed: %w", err)
		}
		fmt.Printf("Repaired %d instance(s)\n", n)
		return nil
	},
}

// wipe command
var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete every captured instance and local archive",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("wipe deletes all unsynced data; rerun with --yes to confirm")
		}

		a, err := newApp(cmd.Context(), "Wipe")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.Wipe(); err != nil {
			return err
		}
		fmt.Println("Device data wiped")
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %s\n",
				op.ID,
				op.Name,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

// update command
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for and download application updates",
}

var updateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for a newer version",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		current, _ := cmd.Flags().GetString("current")

		a, err := newApp(cmd.Context(), "CheckUpdate")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		apk, newer, err := a.CheckUpdate(cmd.Context(), current)
		if err != nil {
			return err
		}
		if !newer {
			fmt.Println("Up to date")
			return nil
		}
		fmt.Printf("Version %s available at %s\n", apk.Version, apk.FileURL)
		return nil
	},
}

var updateDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download and verify the newest version",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		current, _ := cmd.Flags().GetString("current")

		a, err := newApp(cmd.Context(), "DownloadUpdate")
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		apk, newer, err := a.CheckUpdate(cmd.Context(), current)
		if err != nil {
			return err
		}
		if !newer {
			fmt.Println("Up to date")
			return nil
		}
		path, err := a.DownloadUpdate(cmd.Context(), apk)
		if err != nil {
			return err
		}
		fmt.Printf("Version %s downloaded to %s\n", apk.Version, path)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage the encrypted database backup",
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local database with the latest vault backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		identityFile, _ := cmd.Flags().GetString("identity")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.LoadEnv(cfg.BaseDir); err != nil {
			return err
		}

		var passphrase, identities string
		if identityFile != "" {
			data, err := os.ReadFile(identityFile)
			if err != nil {
				return fmt.Errorf("reading identity file: %w", err)
			}
			identities = string(data)
		} else {
			passphrase, err = promptPassphrase("Backup passphrase: ")
			if err != nil {
				return err
			}
		}

		path, err := app.Restore(cmd.Context(), cfg, passphrase, identities)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Database restored to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("device-id", "", "Device identifier (default: random UUID)")
	configInitCmd.Flags().String("user", "", "Name of the person capturing data")
	configInitCmd.Flags().Bool("no-keys", false, "Skip backup key generation")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)

	// form subcommands
	formCmd.AddCommand(formFetchCmd)
	formCmd.AddCommand(formBootstrapCmd)
	formBootstrapCmd.Flags().String("dir", "", "Directory holding the zips (default: storage.bootstrap_dir)")

	// instance subcommands
	instanceCmd.AddCommand(instanceStartCmd)
	instanceStartCmd.Flags().String("datapoint", "", "Existing datapoint id (default: register a new one)")
	instanceCmd.AddCommand(instanceAnswerCmd)
	instanceAnswerCmd.Flags().Int("iteration", flow.NoIteration, "Iteration of a repeatable group")
	instanceAnswerCmd.Flags().String("confirm", "", "Second entry for double-entry questions")
	instanceCmd.AddCommand(instanceSubmitCmd)

	// update subcommands
	updateCmd.PersistentFlags().String("current", "0", "Currently installed version")
	updateCmd.AddCommand(updateCheckCmd)
	updateCmd.AddCommand(updateDownloadCmd)

	// backup subcommands
	backupCmd.AddCommand(backupRestoreCmd)
	backupRestoreCmd.Flags().String("identity", "", "File with age identities to decrypt with instead of the passphrase")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(formCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().String("mode", "both", "pull, push or both")
	syncCmd.Flags().Bool("watch", false, "Repeat every sync.pull_interval until interrupted")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().String("dir", "", "Destination folder (default: storage.publish_dir)")
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(wipeCmd)
	wipeCmd.Flags().Bool("yes", false, "Confirm deletion")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(backupCmd)
}
