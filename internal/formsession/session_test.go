package formsession

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/formsave"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
	"github.com/getodk/collect-sub021/internal/repositories/savepoints"
	"github.com/getodk/collect-sub021/internal/scheduler"
	"github.com/getodk/collect-sub021/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const householdForm = `<?xml version="1.0"?>
<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml"
        xmlns:odk="http://www.opendatakit.org/xforms">
  <h:head>
    <h:title>Household survey</h:title>
    <model>
      <instance>
        <data id="household" version="7">
          <name/>
          <location/>
          <background-audio/>
          <meta><instanceID/><instanceName/></meta>
        </data>
      </instance>
      <bind nodeset="/data/name" type="string" required="true()"/>
      <bind nodeset="/data/location" type="geopoint"/>
      <odk:recordaudio event="odk-instance-load" ref="/data/background-audio"/>
    </model>
  </h:head>
  <h:body/>
</h:html>`

var sessionTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func writeForm(t *testing.T, dir string) *models.Form {
	t.Helper()
	path := filepath.Join(dir, "household.xml")
	require.NoError(t, os.WriteFile(path, []byte(householdForm), 0o600))
	return &models.Form{DbID: 1, FormID: "household", Version: "7", FormFilePath: path}
}

func TestNew_BlankInstance(t *testing.T) {
	dir := t.TempDir()
	form := writeForm(t, dir)

	s, err := New(form, filepath.Join(dir, "instances"), sessionTime, false)
	require.NoError(t, err)

	assert.Equal(t, "household", s.FormID())
	assert.Equal(t, "7", s.FormVersion())
	assert.Equal(t, "Household survey", s.FormTitle())
	assert.Equal(t, "Household survey", s.DisplayName())
	assert.True(t, strings.HasPrefix(s.InstanceID(), "uuid:"))
	assert.False(t, s.IsEditing())
	assert.Equal(t, filepath.Join(dir, "instances", "Household survey_2024-03-01_09-30-00", "Household survey_2024-03-01_09-30-00.xml"), s.InstanceFile())

	data, err := s.InstanceXML()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(string(data)), "<data"), string(data))
}

func TestSession_Answers(t *testing.T) {
	dir := t.TempDir()
	s, err := New(writeForm(t, dir), filepath.Join(dir, "instances"), sessionTime, false)
	require.NoError(t, err)

	require.NoError(t, s.SetAnswer("/data/name", "Ada"))
	require.NoError(t, s.SetAnswer("/data/meta/instanceName", "Ada's house"))
	assert.Equal(t, "Ada", s.Answer("/data/name"))
	assert.Equal(t, "Ada's house", s.DisplayName())

	require.ErrorIs(t, s.SetAnswer("/data/missing", "x"), ErrUnknownField)
	assert.Empty(t, s.Answer("/data/missing"))
}

func TestSession_ValidateAnswers(t *testing.T) {
	dir := t.TempDir()
	s, err := New(writeForm(t, dir), filepath.Join(dir, "instances"), sessionTime, false)
	require.NoError(t, err)

	require.NoError(t, s.ValidateAnswers(false), "drafts are not validated")

	err = s.ValidateAnswers(true)
	var cv *formsave.ConstraintViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, "/data/name", cv.Path)

	require.NoError(t, s.SetAnswer("/data/name", "Ada"))
	require.NoError(t, s.ValidateAnswers(true))
}

func TestSession_Geometry(t *testing.T) {
	dir := t.TempDir()
	s, err := New(writeForm(t, dir), filepath.Join(dir, "instances"), sessionTime, false)
	require.NoError(t, err)

	_, _, ok := s.Geometry()
	assert.False(t, ok, "no answer yet")

	require.NoError(t, s.SetAnswer("/data/location", "-1.2921 36.8219 1650 5"))
	typ, geo, ok := s.Geometry()
	require.True(t, ok)
	assert.Equal(t, "Point", typ)
	assert.JSONEq(t, `{"type":"Point","coordinates":[36.8219,-1.2921]}`, geo)

	require.NoError(t, s.SetAnswer("/data/location", "north"))
	_, _, ok = s.Geometry()
	assert.False(t, ok)
}

func TestSession_AttachBackgroundRecording(t *testing.T) {
	dir := t.TempDir()
	s, err := New(writeForm(t, dir), filepath.Join(dir, "instances"), sessionTime, false)
	require.NoError(t, err)

	rec := filepath.Join(dir, "cache", "bg.m4a")
	require.NoError(t, os.MkdirAll(filepath.Dir(rec), 0o700))
	require.NoError(t, os.WriteFile(rec, []byte("audio"), 0o600))

	require.NoError(t, s.AttachBackgroundRecording(rec))

	_, err = os.Stat(rec)
	assert.True(t, os.IsNotExist(err))
	moved, err := os.ReadFile(filepath.Join(filepath.Dir(s.InstanceFile()), "bg.m4a"))
	require.NoError(t, err)
	assert.Equal(t, "audio", string(moved))
	assert.Equal(t, "bg.m4a", s.Answer("/data/background-audio"))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	form := writeForm(t, dir)
	instPath := filepath.Join(dir, "instances", "a", "a.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(instPath), 0o700))
	require.NoError(t, os.WriteFile(instPath, []byte(`<data id="household" version="7"><name>Ada</name><meta><instanceID>uuid:1</instanceID></meta></data>`), 0o600))

	inst := &models.Instance{InstanceFilePath: instPath, Status: models.StatusComplete, CanEditWhenComplete: true}
	s, err := Open(form, inst, true)
	require.NoError(t, err)
	assert.True(t, s.IsEditing())
	assert.Equal(t, "uuid:1", s.InstanceID())
	assert.Equal(t, "Ada", s.Answer("/data/name"))

	assert.False(t, s.AuditEventLogger().IsChangeReasonRequired())
	require.NoError(t, s.SetAnswer("/data/name", "Grace"))
	assert.True(t, s.AuditEventLogger().IsChangeReasonRequired())

	inst.CanEditWhenComplete = false
	_, err = Open(form, inst, true)
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestSession_DrivesSaveEngine(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := storage.InitDatabase(ctx, filepath.Join(dir, "collect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	instancesDir := filepath.Join(dir, "instances")
	sched := scheduler.New(ctx)
	t.Cleanup(sched.Close)
	repo := instances.NewSQLiteRepository(db, instancesDir)

	form := writeForm(t, dir)
	s, err := New(form, instancesDir, sessionTime, false)
	require.NoError(t, err)
	require.NoError(t, s.SetAnswer("/data/name", "Ada"))
	require.NoError(t, s.SetAnswer("/data/location", "-1.3 36.8"))

	results := make(chan formsave.Result, 8)
	eng := formsave.New(formsave.Params{
		ProjectID:  "demo",
		Form:       form,
		Controller: s,
		Instances:  repo,
		Savepoints: savepoints.NewSQLiteRepository(db),
		Scheduler:  sched,
		CacheDir:   filepath.Join(dir, ".cache"),
		Listener:   func(r formsave.Result) { results <- r },
	})

	require.True(t, eng.SaveForm(ctx, formsave.Request{ShouldFinalize: true, NewDisplayName: s.DisplayName()}))
	var res formsave.Result
	for res.State != formsave.StateSaved {
		select {
		case res = <-results:
			require.NotEqual(t, formsave.StateSaveError, res.State, res.Message)
		case <-time.After(5 * time.Second):
			t.Fatal("save did not finish")
		}
	}

	saved, err := repo.GetOneByPath(ctx, s.InstanceFile())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, models.StatusComplete, saved.Status)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromFile(s.InstanceFile()))
	assert.Equal(t, "Ada", doc.FindElement("/data/name").Text())

	rows := readCSV(t, filepath.Join(filepath.Dir(s.InstanceFile()), AuditFileName))
	assert.Contains(t, rows[len(rows)-1][0], "form")
}
