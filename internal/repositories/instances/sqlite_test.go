package instances

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func setupRepo(t *testing.T) (*sqlx.DB, *SQLiteRepository, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.InitDatabase(context.Background(), filepath.Join(dir, "collect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	instancesDir := filepath.Join(dir, "instances")
	require.NoError(t, os.MkdirAll(instancesDir, 0o755))
	repo := NewSQLiteRepository(db, instancesDir).WithClock(func() time.Time { return fixedNow })
	return db, repo, instancesDir
}

func strPtr(s string) *string { return &s }

func newInstanceOnDisk(t *testing.T, instancesDir, name string) *models.Instance {
	t.Helper()
	dir := filepath.Join(instancesDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name+".xml")
	require.NoError(t, os.WriteFile(path, []byte("<data/>"), 0o644))
	return &models.Instance{
		FormID:              "household",
		FormVersion:         "1",
		InstanceFilePath:    path,
		DisplayName:         name,
		Status:              models.StatusIncomplete,
		GeometryType:        strPtr("Point"),
		Geometry:            strPtr(`{"type":"Point","coordinates":[1,2]}`),
		CanEditWhenComplete: true,
	}
}

func TestSave_InsertAssignsIDAndRoundTrips(t *testing.T) {
	db, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	in := newInstanceOnDisk(t, instancesDir, "a_2024-03-01_10-00-00")
	saved, err := repo.Save(ctx, in)
	require.NoError(t, err)
	require.NotZero(t, saved.DbID)
	assert.Zero(t, in.DbID, "input must not be mutated")

	var stored string
	require.NoError(t, db.Get(&stored, `SELECT instance_file_path FROM instances WHERE id = ?`, saved.DbID))
	assert.Equal(t, "a_2024-03-01_10-00-00/a_2024-03-01_10-00-00.xml", stored)

	got, err := repo.Get(ctx, saved.DbID)
	require.NoError(t, err)
	require.NotNil(t, got)

	want := saved.Copy()
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("instance mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_UpdateStampsStatusDate(t *testing.T) {
	_, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	saved, err := repo.Save(ctx, newInstanceOnDisk(t, instancesDir, "b"))
	require.NoError(t, err)

	later := fixedNow.Add(time.Hour)
	repo.WithClock(func() time.Time { return later })
	saved.Status = models.StatusComplete
	updated, err := repo.Save(ctx, saved)
	require.NoError(t, err)
	assert.True(t, updated.LastStatusChangeDate.Equal(later))

	got, err := repo.Get(ctx, saved.DbID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
}

func TestSave_UpdateMissingRowFails(t *testing.T) {
	_, repo, _ := setupRepo(t)
	_, err := repo.Save(context.Background(), &models.Instance{DbID: 42, FormID: "x", InstanceFilePath: "x.xml", Status: models.StatusIncomplete})
	require.Error(t, err)
}

func TestGet_MissingReturnsNil(t *testing.T) {
	_, repo, _ := setupRepo(t)
	got, err := repo.Get(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetOneByPath(t *testing.T) {
	_, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	in := newInstanceOnDisk(t, instancesDir, "c")
	saved, err := repo.Save(ctx, in)
	require.NoError(t, err)

	got, err := repo.GetOneByPath(ctx, in.InstanceFilePath)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saved.DbID, got.DbID)

	got, err = repo.GetOneByPath(ctx, filepath.Join(instancesDir, "nope", "nope.xml"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueries_FilterByStatusFormAndDeletion(t *testing.T) {
	_, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	mk := func(name, formID, version string, status models.InstanceStatus) *models.Instance {
		in := newInstanceOnDisk(t, instancesDir, name)
		in.FormID, in.FormVersion, in.Status = formID, version, status
		saved, err := repo.Save(ctx, in)
		require.NoError(t, err)
		return saved
	}

	a := mk("a", "f1", "1", models.StatusComplete)
	b := mk("b", "f1", "1", models.StatusSubmissionFailed)
	c := mk("c", "f1", "2", models.StatusIncomplete)
	d := mk("d", "f2", "1", models.StatusSubmitted)
	require.NoError(t, repo.DeleteWithLogging(ctx, d.DbID))

	ids := func(list []*models.Instance) []int64 {
		out := []int64{}
		for _, i := range list {
			out = append(out, i.DbID)
		}
		return out
	}

	got, err := repo.GetAllByStatus(ctx, models.StatusComplete, models.StatusSubmissionFailed)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.DbID, b.DbID}, ids(got))

	got, err = repo.GetAllByStatus(ctx, models.StatusSubmitted)
	require.NoError(t, err)
	assert.Empty(t, got, "soft-deleted instances are excluded")

	got, err = repo.GetAllByFormID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.DbID, b.DbID, c.DbID}, ids(got))

	got, err = repo.GetAllNotDeletedByFormIDAndVersion(ctx, "f1", "1")
	require.NoError(t, err)
	assert.Equal(t, []int64{a.DbID, b.DbID}, ids(got))

	got, err = repo.GetAllNotDeleted(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestDeleteWithLogging_KeepsRowClearsGeometry(t *testing.T) {
	_, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	in := newInstanceOnDisk(t, instancesDir, "sub")
	in.Status = models.StatusSubmitted
	saved, err := repo.Save(ctx, in)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteWithLogging(ctx, saved.DbID))

	got, err := repo.Get(ctx, saved.DbID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Geometry)
	assert.Nil(t, got.GeometryType)
	require.NotNil(t, got.DeletedDate)
	assert.True(t, got.DeletedDate.Equal(fixedNow))

	_, err = os.Stat(in.Dir())
	assert.True(t, os.IsNotExist(err), "instance directory should be removed")
}

func TestDelete_RemovesRowAndDirectory(t *testing.T) {
	_, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	in := newInstanceOnDisk(t, instancesDir, "gone")
	saved, err := repo.Save(ctx, in)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, saved.DbID))

	got, err := repo.Get(ctx, saved.DbID)
	require.NoError(t, err)
	assert.Nil(t, got)
	_, err = os.Stat(in.Dir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(instancesDir)
	assert.NoError(t, err, "instances root must survive")

	require.NoError(t, repo.Delete(ctx, saved.DbID), "deleting twice is a no-op")
}

func TestDeleteAll(t *testing.T) {
	_, repo, instancesDir := setupRepo(t)
	ctx := context.Background()

	for _, n := range []string{"x", "y"} {
		_, err := repo.Save(ctx, newInstanceOnDisk(t, instancesDir, n))
		require.NoError(t, err)
	}
	require.NoError(t, repo.DeleteAll(ctx))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	entries, err := os.ReadDir(instancesDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleter_SubmittedIsSoftDeleted_OthersHardDeleted(t *testing.T) {
	db, repo, instancesDir := setupRepo(t)
	ctx := context.Background()
	formsRepo := forms.NewSQLiteRepository(db, filepath.Join(filepath.Dir(instancesDir), "forms"))
	deleter := NewDeleter(repo, formsRepo)

	sub := newInstanceOnDisk(t, instancesDir, "submitted")
	sub.Status = models.StatusSubmitted
	sub, err := repo.Save(ctx, sub)
	require.NoError(t, err)

	inc, err := repo.Save(ctx, newInstanceOnDisk(t, instancesDir, "incomplete"))
	require.NoError(t, err)

	require.NoError(t, deleter.Delete(ctx, sub.DbID))
	require.NoError(t, deleter.Delete(ctx, inc.DbID))

	got, err := repo.Get(ctx, sub.DbID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Geometry)
	assert.Nil(t, got.GeometryType)
	assert.True(t, got.IsDeleted())

	got, err = repo.Get(ctx, inc.DbID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, deleter.Delete(ctx, 12345), "unknown id is ignored")
}

func TestDeleter_PurgesSoftDeletedFormAfterLastInstance(t *testing.T) {
	db, repo, instancesDir := setupRepo(t)
	ctx := context.Background()
	formsDir := filepath.Join(filepath.Dir(instancesDir), "forms")
	require.NoError(t, os.MkdirAll(formsDir, 0o755))
	formsRepo := forms.NewSQLiteRepository(db, formsDir)
	deleter := NewDeleter(repo, formsRepo)

	formFile := filepath.Join(formsDir, "household.xml")
	require.NoError(t, os.WriteFile(formFile, []byte("<h:html/>"), 0o644))
	form, err := formsRepo.Save(ctx, &models.Form{FormID: "household", Version: "1", FormFilePath: formFile})
	require.NoError(t, err)

	first, err := repo.Save(ctx, newInstanceOnDisk(t, instancesDir, "one"))
	require.NoError(t, err)
	second, err := repo.Save(ctx, newInstanceOnDisk(t, instancesDir, "two"))
	require.NoError(t, err)

	require.NoError(t, formsRepo.SoftDelete(ctx, form.DbID))

	require.NoError(t, deleter.Delete(ctx, first.DbID))
	f, err := formsRepo.Get(ctx, form.DbID)
	require.NoError(t, err)
	require.NotNil(t, f, "form kept while an instance remains")

	require.NoError(t, deleter.Delete(ctx, second.DbID))
	f, err = formsRepo.Get(ctx, form.DbID)
	require.NoError(t, err)
	assert.Nil(t, f)
	_, err = os.Stat(formFile)
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteRepository_DBErrorsAreWrapped(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "sqlmock")
	repo := NewSQLiteRepository(db, "/data/instances")
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	mock.ExpectQuery("SELECT .+ FROM instances WHERE id = \\?").WithArgs(int64(7)).WillReturnError(boom)
	_, err = repo.Get(ctx, 7)
	require.ErrorIs(t, err, boom)

	mock.ExpectExec("INSERT INTO instances").WillReturnError(boom)
	_, err = repo.Save(ctx, &models.Instance{FormID: "f", InstanceFilePath: "/data/instances/a/a.xml", Status: models.StatusIncomplete})
	require.ErrorIs(t, err, boom)

	mock.ExpectQuery("SELECT .+ FROM instances ORDER BY id").WillReturnError(boom)
	_, err = repo.GetAll(ctx)
	require.ErrorIs(t, err, boom)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRepository_InsertStoresRelativePath(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	repo := NewSQLiteRepository(sqlx.NewDb(raw, "sqlmock"), "/data/instances").
		WithClock(func() time.Time { return fixedNow })

	mock.ExpectExec("INSERT INTO instances").
		WithArgs("f", "", "a/a.xml", "", models.StatusIncomplete, fixedNow,
			nil, nil, nil, "", false).
		WillReturnResult(sqlmock.NewResult(5, 1))

	saved, err := repo.Save(context.Background(), &models.Instance{
		FormID: "f", InstanceFilePath: "/data/instances/a/a.xml", Status: models.StatusIncomplete,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), saved.DbID)
	assert.Equal(t, "/data/instances/a/a.xml", saved.InstanceFilePath)
	require.NoError(t, mock.ExpectationsWereMet())
}
