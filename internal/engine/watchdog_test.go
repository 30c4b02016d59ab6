package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
)

func interactiveFamily() Family {
	return Family{
		Name:       "interactive",
		Types:      []domain.JobType{domain.JobTypeEnhancement},
		StallAfter: time.Minute,
		Interval:   time.Minute,
	}
}

func TestSweepHealsLostKickoffDispatch(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	ctx := context.Background()

	// The accepted job's kick-off dispatch is lost in transit.
	h.local.SetDropFilter(func(dispatch.Task) bool { return true })
	job, err := h.eng.CreateEnhancement(ctx, EnhancementRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/raw.png",
		Preset:    "natural",
	})
	require.NoError(t, err)
	h.drain(t)
	require.Equal(t, domain.StatusPending, h.job(t, job.ID).Status, "job sits idle after the lost dispatch")

	// Dispatch recovers; the job is older than the stall threshold.
	h.local.SetDropFilter(nil)
	h.advanceClock(2 * time.Minute)

	n, err := h.eng.Sweep(ctx, interactiveFamily())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	h.drain(t)
	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusComplete, final.Status)
	require.Equal(t, 1, final.RetryCount, "recovery is recorded on the job")
}

func TestSweepSkipsFreshJobs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.local.SetDropFilter(func(dispatch.Task) bool { return true })
	_, err := h.eng.CreateEnhancement(ctx, EnhancementRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/raw.png",
		Preset:    "natural",
	})
	require.NoError(t, err)

	// Still inside the stall window: nothing to do.
	h.advanceClock(30 * time.Second)
	n, err := h.eng.Sweep(ctx, interactiveFamily())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestExhaustedRetryBudgetFailsJob(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	ctx := context.Background()

	h.local.SetDropFilter(func(dispatch.Task) bool { return true })
	job, err := h.eng.CreateEnhancement(ctx, EnhancementRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/raw.png",
		Preset:    "natural",
	})
	require.NoError(t, err)

	// Every recovery dispatch is lost too, so each sweep bumps the counter
	// until the budget runs out.
	for i := 1; i <= 2; i++ {
		h.advanceClock(2 * time.Minute)
		n, err := h.eng.Sweep(ctx, interactiveFamily())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, i, h.job(t, job.ID).RetryCount)
	}

	h.advanceClock(2 * time.Minute)
	n, err := h.eng.Sweep(ctx, interactiveFamily())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "stalled with no progress after 2 recovery attempts")

	// Terminal jobs leave the sweep set for good.
	h.advanceClock(2 * time.Minute)
	n, err = h.eng.Sweep(ctx, interactiveFamily())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRecoveryKindFollowsStatus(t *testing.T) {
	parentID := "parent-1"
	tests := []struct {
		name string
		job  *domain.Job
		want dispatch.Kind
	}{
		{
			name: "polling job goes back to the poller",
			job:  &domain.Job{Type: domain.JobTypeModelGeneration, Status: domain.StatusPolling},
			want: dispatch.KindPoller,
		},
		{
			name: "fan-out parent in processing goes to the aggregator",
			job:  &domain.Job{Type: domain.JobTypeTiledUpscale, Status: domain.StatusProcessing},
			want: dispatch.KindAggregator,
		},
		{
			name: "everything else goes to the worker",
			job:  &domain.Job{Type: domain.JobTypeUpscaleTile, Status: domain.StatusUpscaling, ParentID: &parentID},
			want: dispatch.KindWorker,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, recoveryKind(tc.job))
		})
	}
}

func TestStalledFanOutParentRecoversViaAggregator(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	ctx := context.Background()

	parent, err := h.eng.CreateBatchInpaint(ctx, BatchInpaintRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/scene.png",
		Prompt:    "remove wires",
		Regions:   []domain.RegionSpec{{X: 0, Y: 0, Width: 64, Height: 64}},
	})
	require.NoError(t, err)

	// The child completes but its terminal notification is lost, leaving the
	// parent in processing with a finished child.
	h.local.SetDropFilter(func(task dispatch.Task) bool { return task.Kind == dispatch.KindAggregator })
	h.drain(t)
	require.Equal(t, domain.StatusProcessing, h.job(t, parent.ID).Status)

	h.local.SetDropFilter(nil)
	h.advanceClock(5 * time.Minute)
	batch := Family{
		Name:       "batch",
		Types:      []domain.JobType{domain.JobTypeTiledUpscale, domain.JobTypeBatchInpaint},
		StallAfter: 2 * time.Minute,
		Interval:   time.Minute,
	}
	n, err := h.eng.Sweep(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.drain(t)

	require.Equal(t, domain.StatusComplete, h.job(t, parent.ID).Status)
}

func TestDefaultFamiliesPartitionJobTypes(t *testing.T) {
	families := DefaultFamilies(FamilyThresholds{})
	seen := map[domain.JobType]string{}
	for _, family := range families {
		require.Positive(t, family.StallAfter)
		require.Positive(t, family.Interval)
		for _, typ := range family.Types {
			require.True(t, domain.KnownType(typ), "family %s sweeps unknown type %s", family.Name, typ)
			if owner, dup := seen[typ]; dup {
				t.Fatalf("type %s owned by both %s and %s", typ, owner, family.Name)
			}
			seen[typ] = family.Name
		}
	}
	// Every known type must be swept by exactly one family.
	for _, typ := range []domain.JobType{
		domain.JobTypeModelGeneration,
		domain.JobTypeVTOPipeline,
		domain.JobTypeTiledUpscale,
		domain.JobTypeUpscaleTile,
		domain.JobTypeBatchInpaint,
		domain.JobTypeInpaintRegion,
		domain.JobTypeEnhancement,
	} {
		require.Contains(t, seen, typ)
	}
}
