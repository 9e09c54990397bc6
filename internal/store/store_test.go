package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Integration tests; they need a disposable database.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("AOS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("AOS_TEST_DATABASE_URL not set")
	}
	require.NoError(t, RunMigrations(url))
	s, err := New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestRun(key string) NewRun {
	in := NewRun{
		RepoURL:   "https://github.com/acme/widgets",
		RepoRef:   "main",
		WorkOrder: json.RawMessage(`{"id":"WO-01"}`),
		Params:    Params{MaxIterations: 2},
	}
	if key != "" {
		in.IdempotencyKey = &key
	}
	return in
}

func TestCreateRunIsAtomicWithFirstEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, newTestRun(""))
	require.NoError(t, err)
	require.Equal(t, StatusPending, run.Status)

	events, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, KindRunCreated, events[0].Kind)
}

func TestCreateRunIdempotencyKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := "key-" + t.Name()
	first, err := s.CreateRun(ctx, newTestRun(key))
	require.NoError(t, err)
	second, err := s.CreateRun(ctx, newTestRun(key))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same key must return the same run")
}

func TestRunLifecycleTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, newTestRun(""))
	require.NoError(t, err)

	ok, err := s.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// Second pickup loses the transition race.
	ok, err = s.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.FinishRun(ctx, run.ID, StatusSucceeded, "PASS", nil))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestCancelRunFlipsOnlyLiveRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, newTestRun(""))
	require.NoError(t, err)

	flipped, err := s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, flipped)

	flipped, err = s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, flipped, "cancel of a terminal run must be a no-op")

	ok, err := s.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, ok, "canceled run must not start")
}

func TestEventOrderingByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, newTestRun(""))
	require.NoError(t, err)

	iter := 1
	for _, kind := range []string{KindRunStart, KindSEOutput, KindTRApply, KindPOResult} {
		_, err := s.AppendEvent(ctx, run.ID, LevelInfo, kind, &iter, map[string]any{"k": kind})
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5) // RUN_CREATED + 4
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].ID, events[i-1].ID)
	}

	tail, err := s.ListEvents(ctx, run.ID, events[2].ID, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
}

func TestArtifactIndexUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, newTestRun(""))
	require.NoError(t, err)

	size := int64(4)
	a := Artifact{RunID: run.ID, Name: "run_summary.json", Path: "/tmp/a", Bytes: &size}
	require.NoError(t, s.AddArtifact(ctx, a))
	a.Path = "/tmp/b"
	require.NoError(t, s.AddArtifact(ctx, a))

	got, err := s.GetArtifact(ctx, run.ID, "run_summary.json")
	require.NoError(t, err)
	require.Equal(t, "/tmp/b", got.Path)

	_, err = s.GetArtifact(ctx, run.ID, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
