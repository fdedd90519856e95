package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "COLLECT"

// applyEnv overlays cfg with COLLECT_* variables. Keys mirror the JSON
// names, with dots turned into underscores (log.level -> COLLECT_LOG_LEVEL).
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	strs := map[string]*string{
		"data_dir":                &cfg.DataDir,
		"project_id":              &cfg.ProjectID,
		"server_url":              &cfg.ServerURL,
		"form_list_path":          &cfg.FormListPath,
		"submission_path":         &cfg.SubmissionPath,
		"username":                &cfg.Username,
		"password":                &cfg.Password,
		"protocol":                &cfg.Protocol,
		"google_account":          &cfg.GoogleAccount,
		"google_credentials_file": &cfg.GoogleCredentialsFile,
		"google_sheets_url":       &cfg.GoogleSheetsURL,
		"metrics_addr":            &cfg.MetricsAddr,
		"log.level":               &cfg.Log.Level,
		"log.format":              &cfg.Log.Format,
	}
	for key, dst := range strs {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	bools := map[string]*bool{
		"delete_after_send":     &cfg.DeleteAfterSend,
		"auto_send":             &cfg.AutoSend,
		"require_change_reason": &cfg.RequireChangeReason,
	}
	for key, dst := range bools {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	for key, dst := range map[string]*int64{"content_length_threshold": &cfg.ContentLengthThreshold} {
		_ = v.BindEnv(key)
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}

	_ = v.BindEnv("auto_send_interval")
	if v.IsSet("auto_send_interval") {
		cfg.AutoSendInterval = v.GetDuration("auto_send_interval")
	}
	_ = v.BindEnv("http_timeout")
	if v.IsSet("http_timeout") {
		cfg.HTTPTimeout = v.GetDuration("http_timeout")
	}
}
