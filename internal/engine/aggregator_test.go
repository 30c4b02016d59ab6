package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"atelier/internal/dispatch"
	"atelier/internal/domain"
	"atelier/internal/providers/render"
)

func parentRollup(t *testing.T, job *domain.Job) domain.ChildRollup {
	t.Helper()
	p, err := domain.DecodePayload(job.Type, job.Payload)
	require.NoError(t, err)
	switch v := p.(type) {
	case *domain.TiledUpscalePayload:
		return v.Rollup
	case *domain.BatchInpaintPayload:
		return v.Rollup
	default:
		t.Fatalf("job %s has no rollup", job.ID)
		return domain.ChildRollup{}
	}
}

func TestTiledUpscaleFanOutCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	parent, err := h.eng.CreateTiledUpscale(ctx, TiledUpscaleRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/big.png",
		Scale:     2,
		Width:     1024,
		Height:    512,
		TileSize:  512,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, parent.Status)

	children, err := h.repo.ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	h.drain(t)

	final := h.job(t, parent.ID)
	require.Equal(t, domain.StatusComplete, final.Status)
	rollup := parentRollup(t, final)
	require.Equal(t, domain.ChildRollup{Total: 2, Complete: 2}, rollup)

	for _, child := range children {
		got := h.job(t, child.ID)
		require.Equal(t, domain.StatusComplete, got.Status)
	}
}

func TestPartialFailureAboveMinimumStillCompletes(t *testing.T) {
	h := newHarness(t, Config{MinChildSuccess: 1})
	ctx := context.Background()

	// Third submitted task fails at the vendor; the other two complete.
	h.vendor.script("task-3", render.TaskStatus{State: render.StateFailed, Reason: "region rejected"})

	parent, err := h.eng.CreateBatchInpaint(ctx, BatchInpaintRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/scene.png",
		Prompt:    "remove wires",
		Regions: []domain.RegionSpec{
			{X: 0, Y: 0, Width: 64, Height: 64},
			{X: 64, Y: 0, Width: 64, Height: 64},
			{X: 0, Y: 64, Width: 64, Height: 64},
		},
	})
	require.NoError(t, err)

	h.drain(t)

	final := h.job(t, parent.ID)
	require.Equal(t, domain.StatusComplete, final.Status)
	rollup := parentRollup(t, final)
	require.Equal(t, 3, rollup.Total)
	require.Equal(t, 2, rollup.Complete)
	require.Equal(t, 1, rollup.Failed, "the failed child stays visible in the rollup")
}

func TestAllChildrenFailedFailsParent(t *testing.T) {
	h := newHarness(t, Config{MinChildSuccess: 1})
	ctx := context.Background()
	h.vendor.script("task-1", render.TaskStatus{State: render.StateFailed, Reason: "boom"})
	h.vendor.script("task-2", render.TaskStatus{State: render.StateFailed, Reason: "boom"})

	parent, err := h.eng.CreateBatchInpaint(ctx, BatchInpaintRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/scene.png",
		Prompt:    "remove wires",
		Regions: []domain.RegionSpec{
			{X: 0, Y: 0, Width: 64, Height: 64},
			{X: 64, Y: 0, Width: 64, Height: 64},
		},
	})
	require.NoError(t, err)

	h.drain(t)

	final := h.job(t, parent.ID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "2 of 2 children failed")
}

func TestZeroWorkFanOutCompletesImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	parent, err := h.eng.CreateBatchInpaint(context.Background(), BatchInpaintRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/scene.png",
		Prompt:    "remove wires",
		Regions:   nil,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusComplete, parent.Status)
	require.Equal(t, 0, h.vendor.submitCount())
}

func TestReconcileConvergesForAnyChildOrdering(t *testing.T) {
	// Two children succeed and one fails; whichever order those terminal
	// writes land in, reconciling after each one must settle the parent on
	// the same status and rollup.
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1},
		{1, 0, 2}, {1, 2, 0},
		{2, 0, 1}, {2, 1, 0},
	}
	failMsg := "region rejected"

	for _, order := range perms {
		h := newHarness(t, Config{MinChildSuccess: 2})
		ctx := context.Background()

		// Hold the children at pending so the test controls every write.
		h.local.SetDropFilter(func(dispatch.Task) bool { return true })

		parent, err := h.eng.CreateBatchInpaint(ctx, BatchInpaintRequest{
			OwnerID:   "owner-1",
			SourceURL: "https://cdn.example/scene.png",
			Prompt:    "remove wires",
			Regions: []domain.RegionSpec{
				{X: 0, Y: 0, Width: 64, Height: 64},
				{X: 64, Y: 0, Width: 64, Height: 64},
				{X: 0, Y: 64, Width: 64, Height: 64},
			},
		})
		require.NoError(t, err)

		children, err := h.repo.ListChildren(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, children, 3)

		for _, idx := range order {
			if idx == 0 {
				_, err = h.repo.Update(ctx, children[idx].ID, domain.StatusFailed, domain.UpdatePatch{ErrorMessage: &failMsg})
			} else {
				_, err = h.repo.Update(ctx, children[idx].ID, domain.StatusComplete, domain.UpdatePatch{})
			}
			require.NoError(t, err)
			require.NoError(t, h.eng.Reconcile(ctx, parent.ID))
			// An overlapping reconcile of the same state is harmless.
			require.NoError(t, h.eng.Reconcile(ctx, parent.ID))
		}

		final := h.job(t, parent.ID)
		require.Equal(t, domain.StatusComplete, final.Status, "order %v", order)
		require.Equal(t, domain.ChildRollup{Total: 3, Complete: 2, Failed: 1}, parentRollup(t, final), "order %v", order)
	}
}

func TestReconcileRefreshesInProgressParent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// Drop every dispatch so the children stay pending.
	h.local.SetDropFilter(func(dispatch.Task) bool { return true })

	parent, err := h.eng.CreateBatchInpaint(ctx, BatchInpaintRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/scene.png",
		Prompt:    "remove wires",
		Regions: []domain.RegionSpec{
			{X: 0, Y: 0, Width: 64, Height: 64},
			{X: 64, Y: 0, Width: 64, Height: 64},
		},
	})
	require.NoError(t, err)
	before := h.job(t, parent.ID).UpdatedAt

	h.advanceClock(time.Minute)
	require.NoError(t, h.eng.Reconcile(ctx, parent.ID))

	refreshed := h.job(t, parent.ID)
	require.Equal(t, domain.StatusProcessing, refreshed.Status)
	require.True(t, refreshed.UpdatedAt.After(before), "rollup refresh must move updated_at")
	rollup := parentRollup(t, refreshed)
	require.Equal(t, domain.ChildRollup{Total: 2, Pending: 2}, rollup)
}

func TestReconcileIgnoresTerminalAndForeignJobs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.eng.CreateEnhancement(ctx, EnhancementRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/raw.png",
		Preset:    "vivid",
	})
	require.NoError(t, err)
	h.drain(t)

	// Not a fan-out parent: reconcile logs and drops.
	require.NoError(t, h.eng.Reconcile(ctx, job.ID))
	require.NoError(t, h.eng.Reconcile(ctx, "ghost"))
	require.Equal(t, domain.StatusComplete, h.job(t, job.ID).Status)
}
