package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/televybackup/televybackup/internal/app"
	"github.com/televybackup/televybackup/internal/config"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect, validate, and edit config.toml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate config.toml, printing nothing but errors on success",
		Run: func(*cobra.Command, []string) {
			if _, err := app.Load(); err != nil {
				die(err)
			}
			fmt.Println("config.toml: OK")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configured endpoints and targets",
		Run: func(*cobra.Command, []string) {
			ac, err := app.Load()
			if err != nil {
				die(err)
			}
			for _, ep := range ac.Config.TelegramEndpoint {
				fmt.Printf("endpoint %s: chat_id=%s max_concurrent_uploads=%d min_delay_ms=%d upload_bps=%d\n",
					ep.EndpointID, ep.ChatID, ep.RateLimit.MaxConcurrentUploads, ep.RateLimit.MinDelayMs, ep.RateLimit.UploadBPS)
			}
			for _, t := range ac.Config.Targets {
				fmt.Printf("target %s: endpoint=%s source_path=%s label=%s\n",
					t.TargetID, t.EndpointID, t.SourcePath, t.Label)
			}
		},
	})
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

// newSettingsSetCmd edits the handful of config.toml fields an
// operator changes routinely: the cron schedule and local-only
// retention depth. Everything else (endpoints, targets, chunking
// bounds) is structural and is edited in config.toml directly.
func newSettingsSetCmd() *cobra.Command {
	var cronExpr string
	var scheduleEnabled string
	var keepLastN int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update schedule.cron_expr, schedule.enabled, or retention.keep_last_n",
		Run: func(*cobra.Command, []string) {
			if err := runSettingsSetCmd(cronExpr, scheduleEnabled, keepLastN); err != nil {
				die(err)
			}
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron-expr", "", "new schedule.cron_expr (unchanged if omitted)")
	cmd.Flags().StringVar(&scheduleEnabled, "enabled", "", "new schedule.enabled (\"true\"/\"false\"; unchanged if omitted)")
	cmd.Flags().IntVar(&keepLastN, "keep-last-n", -1, "new retention.keep_last_n (unchanged if negative)")
	return cmd
}

func runSettingsSetCmd(cronExpr, scheduleEnabled string, keepLastN int) error {
	ac, err := app.Load()
	if err != nil {
		return err
	}
	cfg := ac.Config
	if cronExpr != "" {
		cfg.Schedule.CronExpr = cronExpr
	}
	if scheduleEnabled != "" {
		enabled, err := strconv.ParseBool(scheduleEnabled)
		if err != nil {
			return fmt.Errorf("settings set: --enabled must be true or false, got %q", scheduleEnabled)
		}
		cfg.Schedule.Enabled = enabled
	}
	if keepLastN >= 0 {
		cfg.Retention.KeepLastN = keepLastN
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	path := filepath.Join(ac.ConfigDir, "config.toml")
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	fmt.Println("config.toml: updated")
	return nil
}
