// Package instances provides the persistence layer for filled-in form
// instances.
//
// # Overview
//
// Repository is the contract used by the save engine, the submitter and
// disk synchronization. SQLiteRepository implements it over a dbx.DBTX
// (*sqlx.DB or *sqlx.Tx). Instance file paths are stored relative to the
// project's instances directory and returned absolute.
//
// Lookups of a missing id return (nil, nil); callers must nil-check.
// Serialization of writers is the job of a change lock held by the caller,
// not of the repository.
//
// Deleter applies the deletion policy on top of the repository: submitted
// instances are soft-deleted (row kept, geometry cleared, files removed),
// everything else is hard-deleted, and a soft-deleted form is purged once
// its last live instance is gone.
//
// Typical Usage
//
//	repo := instances.NewSQLiteRepository(db, instancesDir)
//	saved, _ := repo.Save(ctx, inst)
//	inst, _ = repo.Get(ctx, saved.DbID)
//	_ = instances.NewDeleter(repo, formsRepo).Delete(ctx, saved.DbID)
package instances
