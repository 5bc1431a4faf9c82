package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/store"
)

// seedFixPR walks an incident to pr_created with an analysis pointing
// at the given PR number.
func seedFixPR(t *testing.T, f *serverFixture, inc *store.Incident, prNumber int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.Incidents.MarkAnalyzing(ctx, inc.ID))
	analysis := &store.Analysis{
		IncidentID: inc.ID,
		Model:      "mock-model",
		RootCause:  "cart dereferenced before the empty check",
	}
	require.NoError(t, f.store.Analyses.Create(ctx, analysis))
	require.NoError(t, f.store.Analyses.AttachPR(ctx, analysis.ID, "mend/fix-cart", prNumber,
		"https://github.com/acme/shop/pull/7"))
	require.NoError(t, f.store.Incidents.Transition(ctx, inc.ID, store.StatusAnalyzing, store.StatusPRCreated))
}

func TestPollResolvesMergedFixPR(t *testing.T) {
	f := newServerFixture(t)
	app := f.seedApp(t, "shop", store.StageReady)
	inc := f.seedIncident(t, app, "boom")
	seedFixPR(t, f, inc, 7)
	f.backend.merged[7] = true

	f.srv.poll(context.Background())

	got, err := f.store.Incidents.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)

	entries := f.srv.logs.Tail(app.ID, 10)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[len(entries)-1].Line, "fix PR #7 merged")
}

func TestPollLeavesUnmergedFixPR(t *testing.T) {
	f := newServerFixture(t)
	app := f.seedApp(t, "shop", store.StageReady)
	inc := f.seedIncident(t, app, "boom")
	seedFixPR(t, f, inc, 7)

	f.srv.poll(context.Background())

	got, err := f.store.Incidents.Get(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPRCreated, got.Status)
	assert.Nil(t, got.ResolvedAt)
}

func TestPollAdvancesMergedSetupPR(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	app := f.seedApp(t, "shop", store.StagePending)
	require.NoError(t, f.store.Apps.TransitionStage(ctx, app.ID, store.StagePending, store.StageIntegrating))
	require.NoError(t, f.store.Apps.SetSetupPR(ctx, app.ID, 5, "https://github.com/acme/shop/pull/5"))
	require.NoError(t, f.store.Apps.TransitionStage(ctx, app.ID, store.StageIntegrating, store.StagePRCreated))
	f.backend.merged[5] = true

	f.srv.poll(ctx)

	got, err := f.store.Apps.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StagePRMerged, got.Stage)
}

func TestPollRequeuesStrandedIncident(t *testing.T) {
	f := newServerFixture(t)
	app := f.seedApp(t, "shop", store.StageReady)
	inc := f.seedIncident(t, app, "boom")
	f.client.Enqueue(conclusiveFix(f.backend.commits[0].SHA))

	// The incident exists but nothing queued it, as after a restart.
	f.srv.poll(context.Background())

	require.Eventually(t, func() bool {
		got, err := f.store.Incidents.Get(context.Background(), inc.ID)
		return err == nil && got.Status == store.StatusPRCreated
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPollSkipsIncidentsWithFailedRuns(t *testing.T) {
	f := newServerFixture(t)
	app := f.seedApp(t, "shop", store.StageReady)
	inc := f.seedIncident(t, app, "boom")

	ctx := context.Background()
	require.NoError(t, f.store.Incidents.MarkAnalyzing(ctx, inc.ID))
	require.NoError(t, f.store.Incidents.RecordFailure(ctx, inc.ID, store.ErrorKindAnalysisFailure, "model unavailable"))

	f.srv.poll(ctx)
	time.Sleep(100 * time.Millisecond)

	// A failed incident waits for an explicit retry.
	assert.Empty(t, f.client.Prompts())
	got, err := f.store.Incidents.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAnalyzing, got.Status)
}

func TestResolveLoopStopsOnCancel(t *testing.T) {
	f := newServerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		f.srv.RunResolveLoop(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolve loop did not stop after cancel")
	}
}
