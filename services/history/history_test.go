package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToModels(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	run := Run{
		ID:         uuid.New(),
		Profile:    "default",
		Outcome:    "failed",
		StartedAt:  started,
		FinishedAt: started.Add(time.Hour),
		Meta:       map[string]any{"machines": 2},
		Machines: []Machine{
			{Cluster: "c1", Name: "a", Outcome: "succeeded", StartedAt: started, FinishedAt: started.Add(time.Minute)},
			{Cluster: "c1", Name: "b", Outcome: "process failed", ExitCode: 3},
		},
	}

	model, outcomes := toModels(run)
	assert.Equal(t, run.ID, model.ID)
	assert.Equal(t, time.UTC, model.StartedAt.Location())
	assert.Equal(t, 2, model.Meta["machines"])
	require.Len(t, outcomes, 2)
	assert.Equal(t, run.ID, outcomes[1].RunID)
	assert.Equal(t, 3, outcomes[1].ExitCode)
	require.NotNil(t, outcomes[0].StartedAt)
	assert.True(t, started.Equal(*outcomes[0].StartedAt))
	assert.Nil(t, outcomes[1].StartedAt)
	assert.Nil(t, outcomes[1].FinishedAt)
}

func TestClosedStore(t *testing.T) {
	var s *Store
	_, err := s.Record(context.Background(), Run{})
	assert.Error(t, err)
	_, err = s.Recent(context.Background(), 5)
	assert.Error(t, err)
	s.Close()

	_, err = Open(context.Background(), "")
	assert.Error(t, err)
}

// TestRecordAndList needs a disposable Postgres database in IUT_TEST_DSN.
func TestRecordAndList(t *testing.T) {
	dsn := os.Getenv("IUT_TEST_DSN")
	if dsn == "" {
		t.Skip("IUT_TEST_DSN not set")
	}
	ctx := context.Background()
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)
	id, err := store.Record(ctx, Run{
		Outcome:    "succeeded",
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
		Machines:   []Machine{{Cluster: "c1", Name: "a", Outcome: "succeeded", Status: "os_end"}},
	})
	require.NoError(t, err)

	entries, err := store.Recent(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, id, entries[0].RunID)
	assert.Equal(t, "os_end", entries[0].Status)
}
