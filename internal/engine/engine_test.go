package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"atelier/internal/adapter/repo"
	"atelier/internal/dispatch"
	"atelier/internal/domain"
	"atelier/internal/providers/render"
)

// fakeVendor scripts the remote task API. Unscripted tasks complete on the
// first status check with a result URL derived from the task ID.
type fakeVendor struct {
	mu        sync.Mutex
	submits   []render.SubmitRequest
	submitErr error
	statuses  map[string][]render.TaskStatus
	statusErr error
	fetchErr  error
	nextTask  int
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{statuses: make(map[string][]render.TaskStatus)}
}

func (v *fakeVendor) script(taskID string, sts ...render.TaskStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses[taskID] = append(v.statuses[taskID], sts...)
}

func (v *fakeVendor) submitCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.submits)
}

func (v *fakeVendor) Submit(ctx context.Context, req render.SubmitRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.submitErr != nil {
		return "", v.submitErr
	}
	v.submits = append(v.submits, req)
	v.nextTask++
	return fmt.Sprintf("task-%d", v.nextTask), nil
}

func (v *fakeVendor) Status(ctx context.Context, taskID string) (render.TaskStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.statusErr != nil {
		return render.TaskStatus{}, v.statusErr
	}
	if queue := v.statuses[taskID]; len(queue) > 0 {
		st := queue[0]
		v.statuses[taskID] = queue[1:]
		return st, nil
	}
	return render.TaskStatus{State: render.StateCompleted, ResultURL: "result://" + taskID}, nil
}

func (v *fakeVendor) Fetch(ctx context.Context, url string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fetchErr != nil {
		return nil, v.fetchErr
	}
	return []byte("bytes:" + url), nil
}

// stubTool avoids real image decoding so pipelines run on arbitrary bytes.
type stubTool struct{}

func (stubTool) Prepare(ctx context.Context, src []byte) ([]byte, error) {
	return append([]byte("prepared:"), src...), nil
}

func (stubTool) Composite(ctx context.Context, base, overlay []byte) ([]byte, error) {
	return append(append([]byte("composite:"), base...), overlay...), nil
}

func (stubTool) Enhance(ctx context.Context, src []byte, preset string) ([]byte, error) {
	return append([]byte("enhanced:"+preset+":"), src...), nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return key, nil
}

func (s *memStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("no object at %s", key)
	}
	return data, nil
}

// harness wires an engine over in-memory everything with a manual clock.
type harness struct {
	eng    *Engine
	repo   *repo.JobRepositoryMem
	local  *dispatch.Local
	vendor *fakeVendor
	store  *memStore

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		repo:   repo.NewJobRepositoryMem(),
		local:  dispatch.NewLocal(),
		vendor: newFakeVendor(),
		store:  newMemStore(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.repo.SetClock(h.clock)
	h.eng = New(h.repo, h.local, h.vendor, stubTool{}, h.store, zerolog.Nop(), cfg)
	h.local.SetHandler(h.eng.Handle)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advanceClock(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.local.Drain(context.Background()))
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestEnhancementRunsToCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.eng.CreateEnhancement(ctx, EnhancementRequest{
		OwnerID:   "owner-1",
		SourceURL: "https://cdn.example/raw.png",
		Preset:    "portrait",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, job.Status)

	h.drain(t)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusComplete, final.Status)

	p, err := domain.DecodePayload(final.Type, final.Payload)
	require.NoError(t, err)
	key := p.(*domain.EnhancementPayload).ArtifactKey
	require.Equal(t, "jobs/"+job.ID+"/result.png", key)

	data, err := h.store.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "enhanced:portrait:bytes:https://cdn.example/raw.png", string(data))
}

func TestModelGenerationPollsUntilDone(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// Three in-flight reports, then completion.
	h.vendor.script("task-1",
		render.TaskStatus{State: render.StateQueued},
		render.TaskStatus{State: render.StateInProgress},
		render.TaskStatus{State: render.StateInProgress},
	)

	job, err := h.eng.CreateModelGeneration(ctx, ModelGenerationRequest{
		OwnerID: "owner-1",
		Prompt:  "studio portrait, window light",
	})
	require.NoError(t, err)

	h.drain(t)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusComplete, final.Status)
	require.Equal(t, 1, h.vendor.submitCount(), "each stage submits exactly once")

	p, err := domain.DecodePayload(final.Type, final.Payload)
	require.NoError(t, err)
	mg := p.(*domain.ModelGenerationPayload)
	require.Equal(t, "task-1", mg.VendorTaskID)
	require.NotEmpty(t, mg.ArtifactKey)
	_, err = h.store.Read(ctx, mg.ArtifactKey)
	require.NoError(t, err)
}

func TestInFlightPollRefreshesLiveness(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.vendor.script("task-1", render.TaskStatus{State: render.StateInProgress})
	job, err := h.eng.CreateModelGeneration(ctx, ModelGenerationRequest{OwnerID: "o", Prompt: "p"})
	require.NoError(t, err)

	// Run worker stages up to polling, but stop before the poller fires.
	require.NoError(t, h.eng.RunWorker(ctx, job.ID)) // pending -> generating
	require.NoError(t, h.eng.RunWorker(ctx, job.ID)) // generating -> polling
	before := h.job(t, job.ID).UpdatedAt

	h.advanceClock(40 * time.Second)
	require.NoError(t, h.eng.RunPoller(ctx, job.ID))

	after := h.job(t, job.ID).UpdatedAt
	require.True(t, after.After(before), "in-flight report must refresh updated_at")
	require.Equal(t, domain.StatusPolling, h.job(t, job.ID).Status)
}

func TestDuplicateDeliveryIsAbsorbed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.vendor.script("task-1", render.TaskStatus{State: render.StateInProgress})
	job, err := h.eng.CreateModelGeneration(ctx, ModelGenerationRequest{OwnerID: "o", Prompt: "p"})
	require.NoError(t, err)

	require.NoError(t, h.eng.RunWorker(ctx, job.ID))
	require.NoError(t, h.eng.RunWorker(ctx, job.ID))
	require.Equal(t, domain.StatusPolling, h.job(t, job.ID).Status)

	// A redelivered worker task for a job already past its stage no-ops.
	require.NoError(t, h.eng.RunWorker(ctx, job.ID))
	require.NoError(t, h.eng.RunWorker(ctx, job.ID))
	require.Equal(t, 1, h.vendor.submitCount(), "duplicate delivery must not resubmit")
	require.Equal(t, domain.StatusPolling, h.job(t, job.ID).Status)

	// Completion applies exactly once; the second poll sees a terminal job.
	require.NoError(t, h.eng.RunPoller(ctx, job.ID))
	require.NoError(t, h.eng.RunPoller(ctx, job.ID))
	require.NoError(t, h.eng.RunPoller(ctx, job.ID))
	require.Equal(t, domain.StatusComplete, h.job(t, job.ID).Status)
}

func TestVendorSubmitFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.vendor.submitErr = errors.New("402 quota exceeded")

	job, err := h.eng.CreateModelGeneration(context.Background(), ModelGenerationRequest{OwnerID: "o", Prompt: "p"})
	require.NoError(t, err)
	h.drain(t)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "render:")
	require.Contains(t, final.ErrorMessage, "quota exceeded")
}

func TestVendorReportedFailureIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.vendor.script("task-1", render.TaskStatus{State: render.StateFailed, Reason: "nsfw filter"})

	job, err := h.eng.CreateModelGeneration(context.Background(), ModelGenerationRequest{OwnerID: "o", Prompt: "p"})
	require.NoError(t, err)
	h.drain(t)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "nsfw filter")
}

func TestUnparseableVendorStateIsTerminal(t *testing.T) {
	h := newHarness(t, Config{})
	h.vendor.script("task-1", render.TaskStatus{State: "exploded"})

	job, err := h.eng.CreateModelGeneration(context.Background(), ModelGenerationRequest{OwnerID: "o", Prompt: "p"})
	require.NoError(t, err)
	h.drain(t)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "unparseable")
}

func TestVTOPipelineRunsAllStages(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.eng.CreateVTOPipeline(ctx, VTORequest{
		OwnerID:    "owner-1",
		PersonURL:  "https://cdn.example/person.jpg",
		GarmentURL: "https://cdn.example/garment.jpg",
	})
	require.NoError(t, err)

	h.drain(t)

	final := h.job(t, job.ID)
	require.Equal(t, domain.StatusComplete, final.Status)

	p, err := domain.DecodePayload(final.Type, final.Payload)
	require.NoError(t, err)
	vto := p.(*domain.VTOPayload)
	require.NotEmpty(t, vto.PreparedPersonKey)
	require.NotEmpty(t, vto.PreparedGarmentKey)
	require.NotEmpty(t, vto.RenderKey)
	require.NotEmpty(t, vto.ArtifactKey)

	// Compositing layered the vendor render over the prepared person image.
	data, err := h.store.Read(ctx, vto.ArtifactKey)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "composite:prepared:"))
}

func TestMalformedPayloadFailsLoudly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job := &domain.Job{
		ID:      "broken",
		Type:    domain.JobTypeEnhancement,
		Status:  domain.StatusPending,
		OwnerID: "o",
		Payload: []byte(`{"source_url":""}`),
	}
	require.NoError(t, h.repo.Create(ctx, job))

	require.NoError(t, h.eng.RunWorker(ctx, "broken"))
	final := h.job(t, "broken")
	require.Equal(t, domain.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "malformed payload")
}

func TestMissingJobIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.RunWorker(ctx, "ghost"))
	require.NoError(t, h.eng.RunPoller(ctx, "ghost"))
}
