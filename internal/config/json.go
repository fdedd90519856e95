package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Duration unmarshals from "30s"-style strings or integer nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return errors.New("invalid duration: " + strconv.Quote(string(b)))
	}
}

// jsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer
// fields distinguish "absent" from zero values.
type jsonConfig struct {
	DataDir                *string   `json:"data_dir"`
	ProjectID              *string   `json:"project_id"`
	ServerURL              *string   `json:"server_url"`
	FormListPath           *string   `json:"form_list_path"`
	SubmissionPath         *string   `json:"submission_path"`
	Username               *string   `json:"username"`
	Password               *string   `json:"password"`
	Protocol               *string   `json:"protocol"`
	GoogleAccount          *string   `json:"google_account"`
	GoogleCredentialsFile  *string   `json:"google_credentials_file"`
	GoogleSheetsURL        *string   `json:"google_sheets_url"`
	DeleteAfterSend        *bool     `json:"delete_after_send"`
	AutoSend               *bool     `json:"auto_send"`
	AutoSendInterval       *Duration `json:"auto_send_interval"`
	ContentLengthThreshold *int64    `json:"content_length_threshold"`
	HTTPTimeout            *Duration `json:"http_timeout"`
	RequireChangeReason    *bool     `json:"require_change_reason"`
	Log                    *struct {
		Level  *string `json:"level"`
		Format *string `json:"format"`
	} `json:"log"`
	MetricsAddr *string `json:"metrics_addr"`
}

// parseJSON overlays cfg with the values present in the file at path.
func parseJSON(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&cfg.DataDir, jc.DataDir)
	setString(&cfg.ProjectID, jc.ProjectID)
	setString(&cfg.ServerURL, jc.ServerURL)
	setString(&cfg.FormListPath, jc.FormListPath)
	setString(&cfg.SubmissionPath, jc.SubmissionPath)
	setString(&cfg.Username, jc.Username)
	setString(&cfg.Password, jc.Password)
	setString(&cfg.Protocol, jc.Protocol)
	setString(&cfg.GoogleAccount, jc.GoogleAccount)
	setString(&cfg.GoogleCredentialsFile, jc.GoogleCredentialsFile)
	setString(&cfg.GoogleSheetsURL, jc.GoogleSheetsURL)
	setString(&cfg.MetricsAddr, jc.MetricsAddr)

	if jc.DeleteAfterSend != nil {
		cfg.DeleteAfterSend = *jc.DeleteAfterSend
	}
	if jc.AutoSend != nil {
		cfg.AutoSend = *jc.AutoSend
	}
	if jc.RequireChangeReason != nil {
		cfg.RequireChangeReason = *jc.RequireChangeReason
	}
	if jc.AutoSendInterval != nil {
		cfg.AutoSendInterval = jc.AutoSendInterval.Duration
	}
	if jc.HTTPTimeout != nil {
		cfg.HTTPTimeout = jc.HTTPTimeout.Duration
	}
	if jc.ContentLengthThreshold != nil {
		cfg.ContentLengthThreshold = *jc.ContentLengthThreshold
	}
	if jc.Log != nil {
		setString(&cfg.Log.Level, jc.Log.Level)
		setString(&cfg.Log.Format, jc.Log.Format)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
