package cmd

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cvflow/internal/server"
	"github.com/3leaps/cvflow/internal/server/sim"
	"github.com/3leaps/cvflow/pkg/flow"
	"github.com/3leaps/cvflow/pkg/output"
	"github.com/3leaps/cvflow/pkg/report"
	"github.com/3leaps/cvflow/pkg/step"
)

// startBackend serves the default catalog from a simulation that finishes
// every job immediately.
func startBackend(t *testing.T) (string, *sim.Backend) {
	t.Helper()
	catalog, err := flow.Default()
	require.NoError(t, err)

	b := sim.New(sim.WithStepDelay(0))
	srv := server.New("127.0.0.1", 0, server.WithBackend(b, catalog))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, b
}

type cliEnv struct {
	url        string
	sessionDir string
	backend    *sim.Backend
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	isolateHome(t)
	url, b := startBackend(t)
	return &cliEnv{url: url, sessionDir: t.TempDir(), backend: b}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--base-url", e.url, "--session-dir", e.sessionDir, "--log-level", "error")
	return executeCommand(t, args...)
}

func (e *cliEnv) newSession(t *testing.T, flowName string) string {
	t.Helper()
	out, err := e.run(t, "session", "new", flowName)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)
	return id
}

func decodeRecords(t *testing.T, out string) []output.Record {
	t.Helper()
	var records []output.Record
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		records = append(records, rec)
	}
	require.NoError(t, sc.Err())
	return records
}

func lastSummary(t *testing.T, records []output.Record) output.SummaryRecord {
	t.Helper()
	require.NotEmpty(t, records)
	last := records[len(records)-1]
	require.Equal(t, output.TypeSummary, last.Type)
	var sum output.SummaryRecord
	require.NoError(t, json.Unmarshal(last.Data, &sum))
	return sum
}

func TestBuildForm(t *testing.T) {
	dir := t.TempDir()
	posting := filepath.Join(dir, "posting.txt")
	require.NoError(t, os.WriteFile(posting, []byte("Platform Engineer"), 0o644))
	cv := filepath.Join(dir, "ada.pdf")
	require.NoError(t, os.WriteFile(cv, []byte("%PDF-1.4"), 0o644))

	form, err := buildForm(
		[]string{"full_name=Ada Lovelace", "job_description=@" + posting, "note=a=b"},
		[]string{"privacy_consent"},
		[]string{filepath.Join(dir, "*.pdf")},
		0,
	)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", form.Fields["full_name"])
	assert.Equal(t, "Platform Engineer", form.Fields["job_description"])
	assert.Equal(t, "a=b", form.Fields["note"])
	assert.True(t, form.Consents["privacy_consent"])
	require.Len(t, form.Files, 1)
	assert.Equal(t, "ada.pdf", form.Files[0].Name)

	_, err = buildForm([]string{"novalue"}, nil, nil, 0)
	require.Error(t, err)

	_, err = buildForm([]string{"=x"}, nil, nil, 0)
	require.Error(t, err)

	_, err = buildForm([]string{"job_description=@" + filepath.Join(dir, "missing.txt")}, nil, nil, 0)
	require.Error(t, err)

	_, err = buildForm(nil, []string{"  "}, nil, 0)
	require.Error(t, err)
}

func TestRun_JobPostingJSON(t *testing.T) {
	env := newCLIEnv(t)
	id := env.newSession(t, "interviewer")

	out, err := env.run(t, "run", "interviewer", "step2",
		"--field", "job_description=Platform Engineer\n- 3 years of Go",
		"--interval", "10ms",
		"--json")
	require.NoError(t, err)

	records := decodeRecords(t, out)
	sum := lastSummary(t, records)
	assert.Equal(t, "navigated", sum.State)
	assert.Equal(t, "/interviewer/step3", sum.NextRoute)
	assert.Equal(t, id, sum.SessionID)
	assert.GreaterOrEqual(t, sum.Polls, uint64(1))
	assert.Empty(t, sum.Error)

	var sawComplete bool
	for _, rec := range records {
		assert.Equal(t, "interviewer", rec.Flow)
		assert.Equal(t, "step2", rec.Step)
		if rec.Type != output.TypeProgress {
			continue
		}
		var p output.ProgressRecord
		require.NoError(t, json.Unmarshal(rec.Data, &p))
		if p.Percent == 100 {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestRun_ExportsReport(t *testing.T) {
	env := newCLIEnv(t)
	id := env.newSession(t, "interviewer")
	dest := t.TempDir()

	out, err := env.run(t, "run", "interviewer", "step2",
		"--field", "job_description=Data Engineer",
		"--interval", "10ms",
		"--export", "--dest", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "next: /interviewer/step3")

	path := filepath.Join(dest, reportBase("interviewer", "step2", id)+".json")
	assert.Contains(t, out, "report: "+path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var jp report.JobPosting
	require.NoError(t, json.Unmarshal(b, &jp))
	assert.Equal(t, "Data Engineer", jp.Title)
}

func TestRun_ValidationFailure(t *testing.T) {
	env := newCLIEnv(t)
	env.newSession(t, "interviewer")

	out, err := env.run(t, "run", "interviewer", "step2", "--json")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))

	records := decodeRecords(t, out)
	var validation int
	for _, rec := range records {
		if rec.Type != output.TypeError {
			continue
		}
		var e output.ErrorRecord
		require.NoError(t, json.Unmarshal(rec.Data, &e))
		assert.Equal(t, output.ErrCodeValidation, e.Code)
		validation++
	}
	assert.Equal(t, 1, validation)
	assert.Equal(t, "idle", lastSummary(t, records).State)
}

func TestRun_MissingSession(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "run", "candidate", "step6", "--field", "target_role=Engineer")
	require.Error(t, err)
	assert.Equal(t, ExitSessionExpired, ExitCode(err))
	assert.Contains(t, out, "error: no session_id found")
}

func TestRun_UnreadableSession(t *testing.T) {
	env := newCLIEnv(t)
	dir := filepath.Join(env.sessionDir, "candidate")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte("{not json"), 0o600))

	out, err := env.run(t, "run", "candidate", "step6", "--field", "target_role=Engineer")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "parse session file")
}

func TestRun_JobFailed(t *testing.T) {
	env := newCLIEnv(t)
	env.newSession(t, "candidate")

	out, err := env.run(t, "run", "candidate", "step6",
		"--field", "target_role=Engineer",
		"--field", "simulate=error",
		"--interval", "10ms")
	require.Error(t, err)
	assert.Equal(t, ExitJobFailed, ExitCode(err))
	assert.Contains(t, out, "error: Analysis failed")
}

func TestRun_SessionExpired(t *testing.T) {
	env := newCLIEnv(t)
	env.newSession(t, "candidate")

	out, err := env.run(t, "run", "candidate", "step6",
		"--field", "target_role=Engineer",
		"--field", "simulate=expire",
		"--interval", "10ms",
		"--json")
	require.Error(t, err)
	assert.Equal(t, ExitSessionExpired, ExitCode(err))

	records := decodeRecords(t, out)
	var codes []string
	for _, rec := range records {
		if rec.Type != output.TypeError {
			continue
		}
		var e output.ErrorRecord
		require.NoError(t, json.Unmarshal(rec.Data, &e))
		codes = append(codes, e.Code)
		assert.Equal(t, step.MsgExpired, e.Message)
	}
	assert.Equal(t, []string{output.ErrCodeExpired}, codes)
	assert.Equal(t, "failed", lastSummary(t, records).State)

	out, err = env.run(t, "session", "show", "candidate")
	require.NoError(t, err)
	assert.Contains(t, out, "No session for candidate")
}

func TestRun_StartFailed(t *testing.T) {
	env := newCLIEnv(t)
	id := env.newSession(t, "candidate")
	env.backend.Expire(id)

	out, err := env.run(t, "run", "candidate", "step6",
		"--field", "target_role=Engineer",
		"--interval", "10ms")
	require.Error(t, err)
	assert.Equal(t, ExitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, out, "error: "+step.MsgStartFailed)
}

func TestSession_ShowAndRestart(t *testing.T) {
	env := newCLIEnv(t)
	id := env.newSession(t, "interviewer")

	out, err := env.run(t, "session", "show", "interviewer", "--json")
	require.NoError(t, err)
	var ids map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &ids))
	assert.Equal(t, id, ids["session_id"])

	out, err = env.run(t, "session", "restart", "interviewer")
	require.NoError(t, err)
	assert.Equal(t, "/interviewer/step1", strings.TrimSpace(out))

	out, err = env.run(t, "session", "show", "interviewer")
	require.NoError(t, err)
	assert.Contains(t, out, "No session for interviewer")
}

func TestSession_SetAndClear(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "session", "set", "candidate", "cand-42", "--key", "candidate_id")
	require.NoError(t, err)

	out, err := env.run(t, "session", "show", "candidate")
	require.NoError(t, err)
	assert.Contains(t, out, "candidate_id")
	assert.Contains(t, out, "cand-42")

	_, err = env.run(t, "session", "clear", "candidate", "--key", "candidate_id")
	require.NoError(t, err)

	out, err = env.run(t, "session", "show", "candidate")
	require.NoError(t, err)
	assert.Contains(t, out, "No session for candidate")
}

func TestStatusAndResult(t *testing.T) {
	env := newCLIEnv(t)
	id := env.newSession(t, "interviewer")

	_, err := env.run(t, "run", "interviewer", "step2",
		"--field", "job_description=Site Reliability Engineer",
		"--interval", "10ms")
	require.NoError(t, err)

	out, err := env.run(t, "status", "interviewer", "step2", "--json")
	require.NoError(t, err)
	var st statusView
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, id, st.SessionID)
	assert.Equal(t, "complete", st.State)
	assert.Equal(t, 100, st.Reading.Percent)

	out, err = env.run(t, "result", "interviewer", "step2")
	require.NoError(t, err)
	var jp report.JobPosting
	require.NoError(t, json.Unmarshal([]byte(out), &jp))
	assert.Equal(t, "Site Reliability Engineer", jp.Title)

	_, err = env.run(t, "result", "candidate", "step5")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
}

func TestRun_UnknownStep(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "run", "interviewer", "step9")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgument, ExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, versionInfo.Version, v["version"])
	assert.NotEmpty(t, v["go_version"])
}
