package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// RegisterFlags adds the persistent configuration flags to fs. Defaults are
// shown for help output only; ApplyFlags copies just the flags that were set.
func RegisterFlags(fs *pflag.FlagSet) {
	var d Config
	d.LoadDefaults()

	fs.StringP("config", "c", "", "path to a JSON config file")
	fs.String("data-dir", d.DataDir, "directory holding the database and project files")
	fs.String("project", d.ProjectID, "project id")
	fs.StringP("server", "s", d.ServerURL, "OpenRosa server URL")
	fs.String("form-list-path", d.FormListPath, "form list path relative to the server URL")
	fs.String("submission-path", d.SubmissionPath, "submission path relative to the server URL")
	fs.StringP("username", "u", d.Username, "server username")
	fs.StringP("password", "p", d.Password, "server password (prompted when empty)")
	fs.String("protocol", d.Protocol, "submission protocol: odk_default or google_sheets")
	fs.String("google-account", d.GoogleAccount, "Google account used for Sheets uploads")
	fs.String("google-credentials", d.GoogleCredentialsFile, "Google service account credentials file")
	fs.String("google-sheets-url", d.GoogleSheetsURL, "default Google Sheets destination")
	fs.Bool("delete-after-send", d.DeleteAfterSend, "delete instances after a successful submission")
	fs.Bool("auto-send", d.AutoSend, "send finalized instances automatically")
	fs.Duration("auto-send-interval", d.AutoSendInterval, "auto-send period in daemon mode")
	fs.Int64("content-length-threshold", d.ContentLengthThreshold, "maximum bytes per submission POST")
	fs.Duration("http-timeout", d.HTTPTimeout, "HTTP request timeout")
	fs.Bool("require-change-reason", d.RequireChangeReason, "require a reason when editing finalized instances")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: text, json, zap, zap-console")
	fs.String("metrics-addr", d.MetricsAddr, "address for the /metrics endpoint in daemon mode")
}

// ApplyFlags copies every flag the user changed into cfg.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	strs := map[string]*string{
		"data-dir":           &cfg.DataDir,
		"project":            &cfg.ProjectID,
		"server":             &cfg.ServerURL,
		"form-list-path":     &cfg.FormListPath,
		"submission-path":    &cfg.SubmissionPath,
		"username":           &cfg.Username,
		"password":           &cfg.Password,
		"protocol":           &cfg.Protocol,
		"google-account":     &cfg.GoogleAccount,
		"google-credentials": &cfg.GoogleCredentialsFile,
		"google-sheets-url":  &cfg.GoogleSheetsURL,
		"log-level":          &cfg.Log.Level,
		"log-format":         &cfg.Log.Format,
		"metrics-addr":       &cfg.MetricsAddr,
	}
	for name, dst := range strs {
		if !changed(fs, name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
		*dst = v
	}

	bools := map[string]*bool{
		"delete-after-send":     &cfg.DeleteAfterSend,
		"auto-send":             &cfg.AutoSend,
		"require-change-reason": &cfg.RequireChangeReason,
	}
	for name, dst := range bools {
		if !changed(fs, name) {
			continue
		}
		v, err := fs.GetBool(name)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"auto-send-interval": &cfg.AutoSendInterval,
		"http-timeout":       &cfg.HTTPTimeout,
	}
	for name, dst := range durations {
		if !changed(fs, name) {
			continue
		}
		v, err := fs.GetDuration(name)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
		*dst = v
	}

	if changed(fs, "content-length-threshold") {
		v, err := fs.GetInt64("content-length-threshold")
		if err != nil {
			return fmt.Errorf("flag --content-length-threshold: %w", err)
		}
		cfg.ContentLengthThreshold = v
	}
	return nil
}

func changed(fs *pflag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	return f != nil && f.Changed
}
