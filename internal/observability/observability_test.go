package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvents(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerStepEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "")

	l.LogStep("p1", 0, "GitHub.createRepo", "running", "")
	l.LogToolResult("p1", 0, "GitHub.createRepo", 15*time.Millisecond, errors.New("GitHub token not configured"))
	l.LogPlan("p1", "failed", nil)

	events := decodeEvents(t, &buf)
	require.Len(t, events, 3)
	assert.Equal(t, "step", events[0]["type"])
	assert.Equal(t, "p1", events[0]["plan_id"])
	assert.Equal(t, float64(0), events[0]["step"])

	data := events[1]["data"].(map[string]any)
	assert.Equal(t, false, data["ok"])
	assert.Equal(t, "GitHub token not configured", data["error"])

	_, hasStep := events[2]["step"]
	assert.False(t, hasStep)
}

func TestLoggerLLMFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "llm.jsonl")
	l := NewLoggerTo(&buf, path)

	l.LogLLM("chat-1", "prompt", "response", nil)
	l.LogHeartbeat()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
	assert.Len(t, decodeEvents(t, &buf), 2)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.LogPlan("p", "running", nil) })
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.PlanStarted()
	m.PlanStarted()
	m.PlanFinished("completed")
	m.StepFinished("Gmail.sendEmail", "failed", 20*time.Millisecond)
	m.SubscriberDropped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PlansStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PlansActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PlansFinished.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Steps.WithLabelValues("Gmail.sendEmail", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DroppedSubscribers))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "agentichq_plans_started_total 2")
}

func TestStatus(t *testing.T) {
	SetActiveStep("plan-b", "")
	SetActiveStep("plan-a", "Web.fetch")
	defer ClearPlan("plan-a")

	st := GetStatus()
	assert.Contains(t, st.ActivePlans, "plan-a")
	assert.Equal(t, "Web.fetch", st.CurrentTool)

	ClearPlan("plan-b")
	assert.NotContains(t, GetStatus().ActivePlans, "plan-b")
}
