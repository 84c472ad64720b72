package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	planogram "github.com/vivaneiona/genkit-planogram"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "planogram.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *planogram.RunConfig {
	return &planogram.RunConfig{
		System:         "retail",
		TargetAccuracy: 0.8,
		MaxIterations:  3,
		MaxBudget:      1.5,
		Stages: planogram.Stages{
			{Name: "structure", PromptTemplate: "Count shelves", CandidateModels: []string{"gemini-2.5-flash"}},
			{Name: "products", PromptTemplate: "List products on {structure_result}", CandidateModels: []string{"gemini-2.5-flash", "gemini-2.5-pro"}},
		},
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planogram.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConfig(ctx, testConfig()))

	got, err := s.LoadConfig(ctx, "retail")
	require.NoError(t, err)
	assert.Equal(t, []string{"structure", "products"}, got.Stages.Names())
	assert.Equal(t, 0.8, got.TargetAccuracy)

	cfg := testConfig()
	cfg.MaxIterations = 5
	require.NoError(t, s.SaveConfig(ctx, cfg))
	got, err = s.LoadConfig(ctx, "retail")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxIterations)

	_, err = s.LoadConfig(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveConfig_RejectsInvalid(t *testing.T) {
	s := openTestStore(t)
	cfg := testConfig()
	cfg.Stages = nil

	err := s.SaveConfig(context.Background(), cfg)
	assert.ErrorIs(t, err, planogram.ErrNoStages)
}

func TestQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	first, err := s.Enqueue(ctx, "retail", "a.jpg")
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, "retail", "b.jpg")
	require.NoError(t, err)

	item, err := s.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, item.ID)
	assert.Equal(t, "a.jpg", item.ImagePath)
	assert.Equal(t, planogram.StatusProcessing, item.Status)

	res := &planogram.RunResult{
		ID:                  "run-1",
		System:              "retail",
		Status:              planogram.StatusCompleted,
		FinalAccuracy:       0.9,
		IterationsCompleted: 1,
		TotalCost:           0.02,
		Stages:              map[string]map[string]any{"structure": {"shelves": 4.0}},
		FinishedAt:          clock,
	}
	require.NoError(t, s.SaveResult(ctx, item.ID, res))

	got, err := s.Result(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, planogram.StatusCompleted, got.Status)
	assert.Equal(t, 4.0, got.Stages["structure"]["shelves"])

	item, err = s.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, item.ID)

	_, err = s.Lease(ctx)
	assert.ErrorIs(t, err, ErrNoWork)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[planogram.StatusCompleted])
	assert.Equal(t, 1, stats[planogram.StatusProcessing])
}

func TestSaveResult_Errors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveResult(ctx, "nope", &planogram.RunResult{Status: planogram.StatusProcessing})
	assert.Error(t, err, "non-terminal status must be rejected")

	err = s.SaveResult(ctx, "nope", &planogram.RunResult{Status: planogram.StatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Result(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
