package models

// Savepoint references a crash-recovery snapshot of an in-progress form.
// InstanceDbID is nil for a blank form that was never saved.
type Savepoint struct {
	FormDbID          int64  `db:"form_db_id"`
	InstanceDbID      *int64 `db:"instance_db_id"`
	SavepointFilePath string `db:"savepoint_file_path"`
	InstanceDirPath   string `db:"instance_dir_path"`
}
