package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observations(t *testing.T) {
	m := NewMetrics()

	m.ObservePoll("empty")
	m.ObservePoll("empty")
	m.ObservePoll("match")
	m.ObserveOutcome("Authenticated", "")
	m.ObserveStage("otp_challenge", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PollAttempts.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollAttempts.WithLabelValues("match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginOutcomes.WithLabelValues("Authenticated", "")))
	assert.Greater(t, testutil.ToFloat64(m.LastRun), 0.0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePoll("error")
		m.ObserveStage("login_form", time.Second)
		m.ObserveOutcome("Failed", "NoOtpFound")
		require.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "unused.prom")))
	})
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObservePoll("error")
	m.ObserveOutcome("Failed", "NoOtpFound")

	path := filepath.Join(t.TempDir(), "portal_login.prom")
	require.NoError(t, m.WriteTextfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `portal_login_otp_poll_attempts_total{result="error"} 1`)
	assert.Contains(t, string(content), `portal_login_outcomes_total{kind="NoOtpFound",state="Failed"} 1`)
}
