package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cvflow/pkg/report"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBackend() (*Backend, *fakeClock) {
	clock := newFakeClock()
	return New(WithClock(clock.Now), WithStepDelay(time.Second)), clock
}

func TestBackend_ProgressAdvancesWithTime(t *testing.T) {
	b, clock := newTestBackend()
	id := b.CreateSession("interviewer", nil)

	resp, err := b.StartJob(id, "interviewer/step4", report.KindRanking, StartRequest{
		Files: []string{"ada_lovelace.pdf", "alan-turing.docx"},
	})
	require.NoError(t, err)
	assert.Equal(t, "started", resp.Status)
	assert.Equal(t, 2, resp.TotalItems)

	p, err := b.Progress(id, "interviewer/step4")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Current)
	assert.Equal(t, "ada_lovelace.pdf", p.Filename)
	assert.Equal(t, "running", p.State())

	clock.Advance(time.Second)
	p, err = b.Progress(id, "interviewer/step4")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Current)
	assert.Equal(t, "Analyzing alan-turing.docx", p.Status)

	clock.Advance(5 * time.Second)
	p, err = b.Progress(id, "interviewer/step4")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Current)
	assert.True(t, p.Complete)
	assert.Equal(t, "complete", p.State())
	assert.Equal(t, 2, p.Summary["processed"])
}

func TestBackend_AlreadyRunning(t *testing.T) {
	b, clock := newTestBackend()
	id := b.CreateSession("candidate", nil)

	_, err := b.StartJob(id, "candidate/step6", report.KindAnalysis, StartRequest{})
	require.NoError(t, err)

	resp, err := b.StartJob(id, "candidate/step6", report.KindAnalysis, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, "already_running", resp.Status)
	assert.Equal(t, 3, resp.TotalItems)

	clock.Advance(10 * time.Second)
	resp, err = b.StartJob(id, "candidate/step6", report.KindAnalysis, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, "started", resp.Status)
}

func TestBackend_UnknownSession(t *testing.T) {
	b, _ := newTestBackend()

	_, err := b.StartJob("nope", "x", "", StartRequest{})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = b.Progress("nope", "x")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = b.Result("nope", "x")
	assert.ErrorIs(t, err, ErrUnknownSession)

	id := b.CreateSession("candidate", nil)
	_, err = b.Progress(id, "x")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestBackend_SimulatedFailure(t *testing.T) {
	t.Run("directive", func(t *testing.T) {
		b, clock := newTestBackend()
		id := b.CreateSession("interviewer", nil)
		_, err := b.StartJob(id, "s", "", StartRequest{Fields: map[string]string{"simulate": "error"}})
		require.NoError(t, err)

		clock.Advance(time.Second)
		p, err := b.Progress(id, "s")
		require.NoError(t, err)
		assert.True(t, p.Errored)
		assert.Equal(t, "error", p.State())
		assert.Equal(t, "Analysis failed", p.Status)
		assert.Equal(t, 1, p.Current)
	})

	t.Run("corrupt file", func(t *testing.T) {
		b, clock := newTestBackend()
		id := b.CreateSession("interviewer", nil)
		_, err := b.StartJob(id, "s", "", StartRequest{Files: []string{"ok.pdf", "corrupt.pdf", "late.pdf"}})
		require.NoError(t, err)

		p, err := b.Progress(id, "s")
		require.NoError(t, err)
		assert.False(t, p.Errored)

		clock.Advance(time.Second)
		p, err = b.Progress(id, "s")
		require.NoError(t, err)
		assert.True(t, p.Errored)
		assert.Equal(t, "corrupt.pdf", p.Filename)
		assert.Equal(t, []string{"Could not read corrupt.pdf"}, p.Errors)

		_, err = b.Result(id, "s")
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestBackend_SimulatedExpiry(t *testing.T) {
	b, clock := newTestBackend()
	id := b.CreateSession("interviewer", nil)
	_, err := b.StartJob(id, "s", "", StartRequest{Fields: map[string]string{"simulate": "expire"}})
	require.NoError(t, err)

	_, err = b.Progress(id, "s")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = b.Progress(id, "s")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.False(t, b.HasSession(id))
}

func TestBackend_Results(t *testing.T) {
	b, clock := newTestBackend()
	id := b.CreateSession("interviewer", nil)

	_, err := b.StartJob(id, "step2", report.KindJobPosting, StartRequest{Fields: map[string]string{
		"job_description": "Senior Go Engineer\n- 5 years of experience with Go\n- Degree in computer science\n- Own the polling service",
	}})
	require.NoError(t, err)

	_, err = b.Result(id, "step2")
	assert.ErrorIs(t, err, ErrNotReady)

	clock.Advance(3 * time.Second)
	v, err := b.Result(id, "step2")
	require.NoError(t, err)
	jp, ok := v.(*report.JobPosting)
	require.True(t, ok)
	assert.Equal(t, "Senior Go Engineer", jp.Title)
	assert.Equal(t, []string{"5 years of experience with Go"}, jp.RequiredExperience)
	assert.Equal(t, []string{"Degree in computer science"}, jp.RequiredEducation)
	assert.Equal(t, []string{"Own the polling service"}, jp.RequiredDuties)

	_, err = b.StartJob(id, "step4", report.KindRanking, StartRequest{Files: []string{"grace_hopper.pdf", "ada.pdf"}})
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	v, err = b.Result(id, "step4")
	require.NoError(t, err)
	r, ok := v.(*report.Ranking)
	require.True(t, ok)
	assert.Equal(t, "Senior Go Engineer", r.JobTitle)
	require.Len(t, r.Candidates, 2)
	assert.Equal(t, 1, r.Candidates[0].Rank)
	assert.GreaterOrEqual(t, r.Candidates[0].Scores.TotalScore, r.Candidates[1].Scores.TotalScore)

	names := []string{r.Candidates[0].Name, r.Candidates[1].Name}
	assert.ElementsMatch(t, []string{"Grace Hopper", "Ada"}, names)
}

func TestBackend_AnalysisUsesEarlierFields(t *testing.T) {
	b, clock := newTestBackend()
	id := b.CreateSession("candidate", nil)

	_, err := b.StartJob(id, "step5", "", StartRequest{
		Fields: map[string]string{"full_name": "Ada Lovelace"},
		Files:  []string{"cv.pdf"},
	})
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = b.StartJob(id, "step6", report.KindAnalysis, StartRequest{Fields: map[string]string{"target_role": "Engineer"}})
	require.NoError(t, err)
	clock.Advance(3 * time.Second)

	v, err := b.Result(id, "step6")
	require.NoError(t, err)
	a := v.(*report.CandidateAnalysis)
	assert.Equal(t, "Ada Lovelace", a.CandidateName)
	assert.Equal(t, "Engineer", a.TargetRole)
	assert.Len(t, a.ReportCode, 8)
	assert.InDelta(t, 50, a.OverallScore, 50)
}

func TestBackend_ZeroDelayCompletesImmediately(t *testing.T) {
	b := New(WithStepDelay(0))
	id := b.CreateSession("candidate", nil)
	_, err := b.StartJob(id, "s", "", StartRequest{})
	require.NoError(t, err)

	p, err := b.Progress(id, "s")
	require.NoError(t, err)
	assert.True(t, p.Complete)
}

func TestBackend_Expire(t *testing.T) {
	b, _ := newTestBackend()
	id := b.CreateSession("candidate", map[string]string{"source": "test"})
	assert.Equal(t, 1, b.Sessions())

	b.Expire(id)
	assert.False(t, b.HasSession(id))
	assert.Equal(t, 0, b.Sessions())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Grace Hopper", displayName("cvs/grace_hopper.pdf"))
	assert.Equal(t, "Alan Turing", displayName("ALAN-TURING.docx"))
	assert.Equal(t, "___.pdf", displayName("___.pdf"))
}
