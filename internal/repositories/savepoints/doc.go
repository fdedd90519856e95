// Package savepoints records crash-recovery snapshots of forms being
// filled in. A savepoint is keyed by form and, for previously saved
// instances, by instance; blank forms have no instance id.
//
// Typical Usage
//
//	repo := savepoints.NewSQLiteRepository(db)
//	_ = repo.Save(ctx, &models.Savepoint{FormDbID: 1, SavepointFilePath: p, InstanceDirPath: dir})
//	sp, _ := repo.Get(ctx, 1, nil)
//	_ = repo.Delete(ctx, 1, nil)
package savepoints
