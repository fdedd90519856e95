package formsave

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/getodk/collect-sub021/internal/cryptox"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
	"github.com/getodk/collect-sub021/internal/repositories/savepoints"
	"github.com/getodk/collect-sub021/internal/scheduler"
	"github.com/getodk/collect-sub021/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditEvent struct {
	event  AuditEventType
	detail string
}

type fakeAudit struct {
	mu             sync.Mutex
	events         []auditEvent
	flushes        int
	reasonRequired bool
}

func (a *fakeAudit) LogEvent(event AuditEventType, detail string, _ time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, auditEvent{event, detail})
}

func (a *fakeAudit) Flush(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushes++
	return nil
}

func (a *fakeAudit) IsChangeReasonRequired() bool { return a.reasonRequired }

func (a *fakeAudit) types() []AuditEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEventType
	for _, e := range a.events {
		out = append(out, e.event)
	}
	return out
}

type fakeController struct {
	audit        *fakeAudit
	instanceFile string
	xml          []byte
	xmlErr       error
	validateErr  error
	gate         chan struct{}
	geoReached   chan struct{}
	geoGate      chan struct{}
	geometry     bool
	attached     []string
}

func (c *fakeController) AuditEventLogger() AuditEventLogger { return c.audit }
func (c *fakeController) InstanceFile() string               { return c.instanceFile }
func (c *fakeController) IsEditing() bool                    { return false }
func (c *fakeController) FormID() string                     { return "household" }
func (c *fakeController) FormVersion() string                { return "1" }
func (c *fakeController) FormTitle() string                  { return "Household" }
func (c *fakeController) InstanceID() string                 { return "uuid:0001" }
func (c *fakeController) ValidateAnswers(bool) error         { return c.validateErr }

func (c *fakeController) InstanceXML() ([]byte, error) {
	if c.gate != nil {
		<-c.gate
	}
	return c.xml, c.xmlErr
}

func (c *fakeController) Geometry() (string, string, bool) {
	if c.geoGate != nil {
		close(c.geoReached)
		<-c.geoGate
	}
	if !c.geometry {
		return "", "", false
	}
	return "Point", `{"type":"Point","coordinates":[36.8,-1.3]}`, true
}

func (c *fakeController) AttachBackgroundRecording(path string) error {
	c.attached = append(c.attached, path)
	return nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	done      func(string, error)
}

func (r *fakeRecorder) IsRecording() bool { return r.recording }

func (r *fakeRecorder) Stop(done func(string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = done
}

func (r *fakeRecorder) finish(path string, err error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	done(path, err)
}

type fakeInstancesData struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInstancesData) InstanceFinalized(_ context.Context, projectID string, form *models.Form) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, projectID+"/"+form.FormID)
}

type env struct {
	t          *testing.T
	dir        string
	instances  *instances.SQLiteRepository
	savepoints *savepoints.SQLiteRepository
	sched      *scheduler.Dispatcher
	ctrl       *fakeController
	results    chan Result
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.InitDatabase(context.Background(), filepath.Join(dir, "collect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	instancesDir := filepath.Join(dir, "instances")
	sched := scheduler.New(context.Background())
	t.Cleanup(sched.Close)

	return &env{
		t:          t,
		dir:        dir,
		instances:  instances.NewSQLiteRepository(db, instancesDir),
		savepoints: savepoints.NewSQLiteRepository(db),
		sched:      sched,
		ctrl: &fakeController{
			audit:        &fakeAudit{},
			instanceFile: filepath.Join(instancesDir, "household_1", "household_1.xml"),
			xml:          []byte(`<data id="household" version="1"><name>Ada</name><meta><instanceID>uuid:0001</instanceID></meta></data>`),
			geometry:     true,
		},
		results: make(chan Result, 32),
	}
}

func (e *env) engine(form *models.Form, extra func(*Params)) *Engine {
	p := Params{
		ProjectID:  "demo",
		Form:       form,
		Controller: e.ctrl,
		Instances:  e.instances,
		Savepoints: e.savepoints,
		Scheduler:  e.sched,
		CacheDir:   filepath.Join(e.dir, ".cache"),
		Listener:   func(r Result) { e.results <- r },
	}
	if extra != nil {
		extra(&p)
	}
	return New(p)
}

func (e *env) next() Result {
	e.t.Helper()
	select {
	case r := <-e.results:
		return r
	case <-time.After(5 * time.Second):
		e.t.Fatal("no result")
		return Result{}
	}
}

func (e *env) noMoreResults() {
	e.t.Helper()
	select {
	case r := <-e.results:
		e.t.Fatalf("unexpected result %v", r.State)
	case <-time.After(50 * time.Millisecond):
	}
}

func plainForm() *models.Form {
	return &models.Form{DbID: 1, FormID: "household", Version: "1", SubmissionURI: "https://example.org/sub"}
}

func encryptedForm(t *testing.T) (*models.Form, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	f := plainForm()
	f.BASE64RSAPublicKey = base64.StdEncoding.EncodeToString(der)
	return f, priv
}

func TestSaveForm_NotFinalizing_Saves(t *testing.T) {
	e := newEnv(t)
	eng := e.engine(plainForm(), nil)
	ctx := context.Background()

	require.NoError(t, eng.WriteSavepoint(ctx))
	sps, err := e.savepoints.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, sps, 1)

	require.True(t, eng.SaveForm(ctx, Request{NewDisplayName: "Ada's house"}))
	assert.Equal(t, StateSaving, e.next().State)
	res := e.next()
	require.Equal(t, StateSaved, res.State, res.Message)
	require.NotNil(t, res.Instance)

	inst, err := e.instances.Get(ctx, res.Instance.DbID)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, models.StatusIncomplete, inst.Status)
	assert.Equal(t, "Ada's house", inst.DisplayName)
	assert.Equal(t, "https://example.org/sub", inst.SubmissionURI)
	require.NotNil(t, inst.GeometryType)
	assert.Equal(t, "Point", *inst.GeometryType)

	data, err := os.ReadFile(e.ctrl.instanceFile)
	require.NoError(t, err)
	assert.Equal(t, e.ctrl.xml, data)

	sps, err = e.savepoints.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, sps, "savepoint removed after a successful save")
	assert.Equal(t, []AuditEventType{AuditFormSave}, e.ctrl.audit.types())

	last, ok := eng.LastResult()
	require.True(t, ok)
	assert.Equal(t, StateSaved, last.State)
	assert.Equal(t, StateSaved, eng.State())

	require.True(t, eng.SaveForm(ctx, Request{}), "a new save is accepted after a terminal state")
	assert.Equal(t, StateSaving, e.next().State)
	res2 := e.next()
	require.Equal(t, StateSaved, res2.State)
	assert.Equal(t, res.Instance.DbID, res2.Instance.DbID, "the existing row is updated")
}

func TestSaveForm_IgnoredWhileSaving(t *testing.T) {
	e := newEnv(t)
	e.ctrl.gate = make(chan struct{})
	eng := e.engine(plainForm(), nil)
	ctx := context.Background()

	require.True(t, eng.SaveForm(ctx, Request{}))
	assert.Equal(t, StateSaving, e.next().State)

	assert.False(t, eng.SaveForm(ctx, Request{}))
	assert.False(t, eng.SaveForm(ctx, Request{ShouldFinalize: true}))

	close(e.ctrl.gate)
	assert.Equal(t, StateSaved, e.next().State)
	e.noMoreResults()
}

func TestSaveForm_FinalizeEncryptedWhileRecording(t *testing.T) {
	e := newEnv(t)
	form, _ := encryptedForm(t)
	rec := &fakeRecorder{recording: true}
	data := &fakeInstancesData{}
	eng := e.engine(form, func(p *Params) {
		p.Recorder = rec
		p.InstancesData = data
	})
	ctx := context.Background()

	require.True(t, eng.SaveForm(ctx, Request{ShouldFinalize: true, IsExitingView: true}))
	assert.Equal(t, StateWaitingToSave, e.next().State)
	assert.False(t, eng.SaveForm(ctx, Request{}), "waiting counts as in flight")

	rec.finish("/tmp/background.m4a", nil)
	assert.Equal(t, StateSaving, e.next().State)
	res := e.next()
	require.Equal(t, StateSaved, res.State, res.Message)

	assert.Equal(t, []string{"/tmp/background.m4a"}, e.ctrl.attached)

	inst, err := e.instances.Get(ctx, res.Instance.DbID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, inst.Status)
	assert.False(t, inst.CanEditWhenComplete)
	assert.Nil(t, inst.Geometry)
	assert.Nil(t, inst.GeometryType)

	dir := filepath.Dir(e.ctrl.instanceFile)
	encrypted, err := cryptox.IsEncryptedInstance(e.ctrl.instanceFile)
	require.NoError(t, err)
	assert.True(t, encrypted)
	_, err = os.Stat(filepath.Join(dir, "submission.xml.enc"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "submission.xml"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []string{"demo/household"}, data.calls)
	assert.Equal(t, []AuditEventType{AuditFormSave, AuditFormFinalize, AuditFormExit}, e.ctrl.audit.types())
}

func TestSaveForm_ChangeReasonSuspendsUntilResumed(t *testing.T) {
	e := newEnv(t)
	e.ctrl.audit.reasonRequired = true
	eng := e.engine(plainForm(), nil)
	ctx := context.Background()

	require.True(t, eng.SaveForm(ctx, Request{ShouldFinalize: true}))
	assert.Equal(t, StateChangeReasonRequired, e.next().State)
	assert.False(t, eng.ResumeSave(ctx, "   "), "blank reason keeps the save suspended")
	assert.Equal(t, StateChangeReasonRequired, eng.State())

	require.True(t, eng.SaveForm(ctx, Request{ShouldFinalize: true, NewDisplayName: "replaced"}))
	assert.Equal(t, StateChangeReasonRequired, e.next().State)

	require.True(t, eng.ResumeSave(ctx, "fixed a typo"))
	assert.Equal(t, StateSaving, e.next().State)
	res := e.next()
	require.Equal(t, StateSaved, res.State, res.Message)
	assert.Equal(t, "replaced", res.Instance.DisplayName)
	assert.False(t, eng.ResumeSave(ctx, "again"))

	e.ctrl.audit.mu.Lock()
	first := e.ctrl.audit.events[0]
	e.ctrl.audit.mu.Unlock()
	assert.Equal(t, auditEvent{AuditChangeReason, "fixed a typo"}, first)
}

func TestSaveForm_ConstraintError(t *testing.T) {
	e := newEnv(t)
	e.ctrl.validateErr = &ConstraintViolation{Path: "/data/name", Message: "required"}
	eng := e.engine(plainForm(), nil)

	require.True(t, eng.SaveForm(context.Background(), Request{ShouldFinalize: true}))
	assert.Equal(t, StateSaving, e.next().State)
	res := e.next()
	assert.Equal(t, StateConstraintError, res.State)
	assert.Equal(t, "/data/name: required", res.Message)

	_, err := os.Stat(e.ctrl.instanceFile)
	assert.True(t, os.IsNotExist(err), "nothing written on constraint failure")
	assert.Equal(t, []AuditEventType{AuditConstraintError}, e.ctrl.audit.types())
}

func TestSaveForm_SaveError(t *testing.T) {
	e := newEnv(t)
	e.ctrl.xmlErr = errors.New("model corrupted")
	eng := e.engine(plainForm(), nil)

	require.True(t, eng.SaveForm(context.Background(), Request{}))
	assert.Equal(t, StateSaving, e.next().State)
	res := e.next()
	assert.Equal(t, StateSaveError, res.State)
	assert.Contains(t, res.Message, "model corrupted")
}

func TestSaveForm_FinalizeErrorKeepsPlaintext(t *testing.T) {
	e := newEnv(t)
	form := plainForm()
	form.BASE64RSAPublicKey = "bm90IGEga2V5"
	eng := e.engine(form, nil)

	require.True(t, eng.SaveForm(context.Background(), Request{ShouldFinalize: true}))
	assert.Equal(t, StateSaving, e.next().State)
	res := e.next()
	assert.Equal(t, StateFinalizeError, res.State)

	data, err := os.ReadFile(e.ctrl.instanceFile)
	require.NoError(t, err)
	assert.Equal(t, e.ctrl.xml, data)

	inst, err := e.instances.GetOneByPath(context.Background(), e.ctrl.instanceFile)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, models.StatusIncomplete, inst.Status, "an unencrypted instance must not be sendable")
	assert.True(t, inst.CanEditWhenComplete)
}

func TestCancel_EndsInSaveErrorWithoutWriting(t *testing.T) {
	e := newEnv(t)
	e.ctrl.gate = make(chan struct{})
	eng := e.engine(plainForm(), nil)

	require.True(t, eng.SaveForm(context.Background(), Request{}))
	assert.Equal(t, StateSaving, e.next().State)

	eng.Cancel()
	res := e.next()
	assert.Equal(t, StateSaveError, res.State)
	assert.Equal(t, "save cancelled", res.Message)

	close(e.ctrl.gate)
	e.noMoreResults()
	_, err := os.Stat(e.ctrl.instanceFile)
	assert.True(t, os.IsNotExist(err))

	eng.Cancel()
	e.noMoreResults()
}

func TestCancel_AfterWriteLetsSaveFinish(t *testing.T) {
	e := newEnv(t)
	e.ctrl.geoReached = make(chan struct{})
	e.ctrl.geoGate = make(chan struct{})
	eng := e.engine(plainForm(), nil)

	require.True(t, eng.SaveForm(context.Background(), Request{ShouldFinalize: true}))
	assert.Equal(t, StateSaving, e.next().State)

	select {
	case <-e.ctrl.geoReached:
	case <-time.After(5 * time.Second):
		t.Fatal("instance was never written")
	}
	eng.Cancel()
	e.noMoreResults()
	close(e.ctrl.geoGate)

	res := e.next()
	require.Equal(t, StateSaved, res.State)
	e.noMoreResults()

	data, err := os.ReadFile(e.ctrl.instanceFile)
	require.NoError(t, err)
	assert.Equal(t, e.ctrl.xml, data)

	inst, err := e.instances.GetOneByPath(context.Background(), e.ctrl.instanceFile)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, models.StatusComplete, inst.Status)
	assert.Equal(t, StateSaved, eng.State())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "saved", StateSaved.String())
	assert.Equal(t, "change_reason_required", StateChangeReasonRequired.String())
	assert.True(t, StateConstraintError.Terminal())
	assert.False(t, StateWaitingToSave.Terminal())
}
