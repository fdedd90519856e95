package cli

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const surveyForm = `<?xml version="1.0"?>
<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml">
  <h:head>
    <h:title>Household survey</h:title>
    <model>
      <instance>
        <data id="household" version="7">
          <name/>
          <meta><instanceID/></meta>
        </data>
      </instance>
      <bind nodeset="/data/name" type="string" required="true()"/>
    </model>
  </h:head>
  <h:body/>
</h:html>`

type collectServer struct {
	mu          sync.Mutex
	submissions []string
	reject      bool
}

func (s *collectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-OpenRosa-Version", "1.0")
	switch {
	case r.URL.Path == "/formList":
		sum := md5.Sum([]byte(surveyForm))
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		fmt.Fprintf(w, `<xforms xmlns="http://openrosa.org/xforms/xformsList">
  <xform>
    <formID>household</formID>
    <name>Household survey</name>
    <version>7</version>
    <hash>md5:%s</hash>
    <downloadUrl>http://%s/forms/household.xml</downloadUrl>
  </xform>
</xforms>`, hex.EncodeToString(sum[:]), r.Host)
	case r.URL.Path == "/forms/household.xml":
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, surveyForm)
	case r.URL.Path == "/submission" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/submission" && r.Method == http.MethodPost:
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reject {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f, _, err := r.FormFile("xml_submission_file")
		if err == nil {
			b, _ := io.ReadAll(f)
			s.submissions = append(s.submissions, string(b))
		}
		w.WriteHeader(http.StatusCreated)
	default:
		http.NotFound(w, r)
	}
}

func (s *collectServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submissions)
}

type harness struct {
	t       *testing.T
	dataDir string
	server  *httptest.Server
	srv     *collectServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := &collectServer{}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &harness{t: t, dataDir: t.TempDir(), server: ts, srv: srv}
}

// run executes one collect invocation and returns its stdout.
func (h *harness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	var out, logs bytes.Buffer
	root := NewRootCommand(strings.NewReader(stdin), &out, &logs)
	root.SetArgs(append([]string{"--data-dir", h.dataDir, "--server", h.server.URL, "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run("", args...)
	require.NoError(h.t, err, out)
	return out
}

func TestForms_ListDownloadAndDelete(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("forms", "list")
	assert.Contains(t, out, "household")
	assert.Contains(t, out, "Household survey")

	out = h.mustRun("forms", "download")
	assert.Contains(t, out, "household: Household survey (db id 1)")

	out = h.mustRun("forms", "download", "household")
	assert.Contains(t, out, "(db id 1)", "an unchanged definition is not downloaded twice")

	out = h.mustRun("forms", "local")
	assert.Contains(t, out, "household")
	assert.Contains(t, out, "false")

	_, err := h.run("", "forms", "download", "missing")
	require.Error(t, err)

	out = h.mustRun("forms", "delete", "1")
	assert.Contains(t, out, "form 1 deleted")
}

func TestInstances_SaveFinalizeAndSubmit(t *testing.T) {
	h := newHarness(t)
	h.mustRun("forms", "download")

	out := h.mustRun("instances", "new", "1", "--set", "/data/name=Ada")
	assert.Contains(t, out, "saved instance 1 of household v7 (incomplete)")

	out = h.mustRun("instances", "edit", "1", "--finalize")
	assert.Contains(t, out, "saved instance 1 (complete)")

	out = h.mustRun("instances", "list")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "Household survey")

	out = h.mustRun("submit")
	assert.Contains(t, out, "1 of 1")
	require.Equal(t, 1, h.srv.count())
	assert.Contains(t, h.srv.submissions[0], "<name>Ada</name>")

	out = h.mustRun("submit")
	assert.Contains(t, out, "nothing to submit")
}

func TestInstances_FinalizeWithMissingRequiredAnswer(t *testing.T) {
	h := newHarness(t)
	h.mustRun("forms", "download")

	_, err := h.run("", "instances", "new", "1", "--finalize")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint_error")

	out := h.mustRun("instances", "list")
	assert.NotContains(t, out, " complete ")
}

func TestInstances_ChangeReason(t *testing.T) {
	h := newHarness(t)
	h.mustRun("forms", "download")
	h.mustRun("instances", "new", "1", "--set", "/data/name=Ada", "--finalize")

	_, err := h.run("", "--require-change-reason", "instances", "edit", "1", "--set", "/data/name=Bob")
	require.ErrorIs(t, err, errChangeReasonRequired)

	out, err := h.run("typo in name\n", "--require-change-reason", "instances", "edit", "1", "--set", "/data/name=Bob")
	require.NoError(t, err)
	assert.Contains(t, out, "Why are you changing it?")
	assert.Contains(t, out, "saved instance 1")

	out = h.mustRun("--require-change-reason", "instances", "edit", "1", "--set", "/data/name=Cy", "--reason", "second fix")
	assert.Contains(t, out, "saved instance 1")
}

func TestSubmit_FailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.srv.reject = true
	h.mustRun("forms", "download")
	h.mustRun("instances", "new", "1", "--set", "/data/name=Ada", "--finalize")

	out, err := h.run("", "submit", "1")
	require.ErrorIs(t, err, errSubmissionFailed)
	assert.Contains(t, out, "0 of 1")

	out = h.mustRun("instances", "list")
	assert.Contains(t, out, "submissionFailed")
}

func TestInstances_DeleteAndBadIDs(t *testing.T) {
	h := newHarness(t)
	h.mustRun("forms", "download")
	h.mustRun("instances", "new", "1", "--set", "/data/name=Ada")

	out := h.mustRun("instances", "delete", "1")
	assert.Contains(t, out, "instance 1 deleted")

	out = h.mustRun("instances", "list")
	assert.NotContains(t, out, "household v7")

	_, err := h.run("", "instances", "edit", "zero")
	require.Error(t, err)
	_, err = h.run("", "instances", "new", "1", "--set", "no-equals")
	require.Error(t, err)
	_, err = h.run("", "instances", "new", "9")
	require.Error(t, err)
}

func TestInstances_ScanFindsNothing(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("instances", "scan")
	assert.Contains(t, out, "0 instance(s) added")
}

func TestRoot_InvalidConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "--protocol", "carrier-pigeon", "forms", "local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown protocol")
}

func TestForms_DeleteKeepsFormWithInstances(t *testing.T) {
	h := newHarness(t)
	h.mustRun("forms", "download")
	h.mustRun("instances", "new", "1", "--set", "/data/name=Ada")

	out := h.mustRun("forms", "delete", "1")
	assert.Contains(t, out, "form 1 hidden, 1 instance(s) remain")

	out = h.mustRun("forms", "local")
	assert.Contains(t, out, "true")

	h.mustRun("instances", "delete", "1")
	out = h.mustRun("forms", "local")
	assert.NotContains(t, out, "household")
}

func TestProjects_DoNotShareInstances(t *testing.T) {
	h := newHarness(t)
	h.mustRun("--project", "north", "forms", "download")
	h.mustRun("--project", "north", "instances", "new", "1", "--set", "/data/name=Ada", "--finalize")

	out := h.mustRun("--project", "south", "instances", "list")
	assert.NotContains(t, out, "household")

	out = h.mustRun("--project", "south", "submit")
	assert.Contains(t, out, "nothing to submit")
	assert.Zero(t, h.srv.count())

	out = h.mustRun("--project", "north", "submit")
	assert.Contains(t, out, "1 of 1")
	assert.Equal(t, 1, h.srv.count())
}
