package models

import "time"

// Form is a downloaded form definition plus its media directory.
type Form struct {
	DbID        int64  `db:"id"`
	FormID      string `db:"form_id"`
	Version     string `db:"version"`
	DisplayName string `db:"display_name"`

	FormFilePath  string `db:"form_file_path"`
	FormMediaPath string `db:"form_media_path"`

	// SubmissionURI is the form-level submission action, if any.
	SubmissionURI string `db:"submission_uri"`

	// BASE64RSAPublicKey, when set, makes encryption mandatory for every
	// finalized instance of this form.
	BASE64RSAPublicKey string `db:"base64_rsa_public_key"`

	// AutoSend and AutoDelete are per-form overrides ("true"/"false");
	// nil means the global setting applies.
	AutoSend   *string `db:"auto_send"`
	AutoDelete *string `db:"auto_delete"`

	GeometryXPath string    `db:"geometry_xpath"`
	MD5Hash       string    `db:"md5_hash"`
	Date          time.Time `db:"date"`
	Deleted       bool      `db:"deleted"`
}

// IsEncrypted reports whether instances of the form must be encrypted.
func (f *Form) IsEncrypted() bool {
	return f.BASE64RSAPublicKey != ""
}

// AutoSendEnabled resolves the per-form override against the global setting.
func (f *Form) AutoSendEnabled(global bool) bool {
	return resolveOverride(f.AutoSend, global)
}

// AutoDeleteEnabled resolves the per-form override against the global setting.
func (f *Form) AutoDeleteEnabled(global bool) bool {
	return resolveOverride(f.AutoDelete, global)
}

func resolveOverride(v *string, global bool) bool {
	if v == nil {
		return global
	}
	switch *v {
	case "true":
		return true
	case "false":
		return false
	default:
		return global
	}
}
