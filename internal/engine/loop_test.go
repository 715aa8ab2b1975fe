package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/kiln/internal/blob"
	"github.com/atelier-ai/kiln/internal/model"
	"github.com/atelier-ai/kiln/internal/provider/judge"
	"github.com/atelier-ai/kiln/internal/provider/optimize"
	"github.com/atelier-ai/kiln/internal/provider/synthesize"
	"github.com/atelier-ai/kiln/internal/storage"
	"github.com/atelier-ai/kiln/internal/testutil"
)

// memStore is an in-memory Store for driving the loop without Postgres.
type memStore struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*model.GenerationRequest
	judges    []model.JudgeAgent
	images    []model.GeneratedImage
	statusLog []model.RequestStatus

	// cancelAfter flips cancel_requested once CurrentIteration reaches it.
	cancelAfter int
}

func newMemStore() *memStore {
	return &memStore{requests: map[uuid.UUID]*model.GenerationRequest{}, cancelAfter: -1}
}

func (m *memStore) add(req model.GenerationRequest) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = model.StatusPending
	m.requests[req.ID] = &req
	return req.ID
}

func (m *memStore) get(id uuid.UUID) model.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.requests[id]
}

func (m *memStore) GetRequestByID(_ context.Context, id uuid.UUID) (model.GenerationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return model.GenerationRequest{}, storage.ErrNotFound
	}
	return *req, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status model.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return storage.ErrNotFound
	}
	req.Status = status
	m.statusLog = append(m.statusLog, status)
	return nil
}

func (m *memStore) InsertImages(_ context.Context, images []model.GeneratedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, images...)
	return nil
}

func (m *memStore) AppendIteration(_ context.Context, requestID uuid.UUID, snap model.IterationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.requests[requestID]
	if req.Status.Terminal() {
		return storage.ErrTerminal
	}
	if snap.IterationNumber != req.CurrentIteration+1 {
		return errors.New("iteration numbering gap")
	}
	req.Iterations = append(req.Iterations, snap)
	req.CurrentIteration = snap.IterationNumber
	if m.cancelAfter >= 0 && req.CurrentIteration >= m.cancelAfter {
		req.CancelRequested = true
	}
	return nil
}

func (m *memStore) AddCosts(_ context.Context, id uuid.UUID, delta model.CostDelta) (model.Costs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.requests[id]
	req.Costs.LLMTokens += delta.LLMTokens
	req.Costs.ImageGenerations += delta.ImageGenerations
	req.Costs.EmbeddingTokens += delta.EmbeddingTokens
	return req.Costs, nil
}

func (m *memStore) FinalizeRequest(_ context.Context, id uuid.UUID, status model.RequestStatus, reason model.CompletionReason, finalImageID *uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := m.requests[id]
	req.Status = status
	req.CompletionReason = &reason
	req.FinalImageID = finalImageID
	if errMsg != "" {
		truncated := model.TruncateError(errMsg)
		req.ErrorMessage = &truncated
	}
	return nil
}

func (m *memStore) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].CancelRequested, nil
}

func (m *memStore) JudgeAgents(_ context.Context, _ uuid.UUID, ids []uuid.UUID) ([]model.JudgeAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JudgeAgent
	for _, j := range m.judges {
		for _, id := range ids {
			if j.ID == id {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

func (m *memStore) ClaimNextPending(_ context.Context) (model.GenerationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.Status == model.StatusPending {
			req.Status = model.StatusOptimizing
			return *req, nil
		}
	}
	return model.GenerationRequest{}, storage.ErrNoPending
}

func (m *memStore) CountPending(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, req := range m.requests {
		if req.Status == model.StatusPending {
			n++
		}
	}
	return n, nil
}

// stubOptimizer returns a deterministic prompt per call.
type stubOptimizer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (o *stubOptimizer) Optimize(_ context.Context, req optimize.Request) (optimize.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return optimize.Result{Usage: model.CostDelta{LLMTokens: 50}}, o.err
	}
	prompt := req.Brief + " (refined)"
	return optimize.Result{Prompt: prompt, Usage: model.CostDelta{LLMTokens: 100}}, nil
}

// stubSynthesizer returns Count tiny candidates per call.
type stubSynthesizer struct {
	err error
}

func (s *stubSynthesizer) Generate(_ context.Context, req synthesize.Request) (synthesize.Result, error) {
	if s.err != nil {
		return synthesize.Result{}, s.err
	}
	images := make([]synthesize.Image, req.Count)
	for i := range images {
		images[i] = synthesize.Image{Bytes: []byte{0x89, byte(i)}, MimeType: "image/png", Width: 1024, Height: 1024}
	}
	return synthesize.Result{Images: images, Usage: model.CostDelta{ImageGenerations: int64(req.Count)}}, nil
}

// scriptedJudge serves one score per iteration from a schedule, same score
// for every (judge, candidate) pair within the iteration.
type scriptedJudge struct {
	mu       sync.Mutex
	schedule []float64
	perIter  int // (judge, candidate) calls per iteration
	calls    int
	err      error
}

func (j *scriptedJudge) Evaluate(_ context.Context, req judge.Request) (judge.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return judge.Result{}, j.err
	}
	iter := j.calls / j.perIter
	j.calls++
	if iter >= len(j.schedule) {
		iter = len(j.schedule) - 1
	}
	return judge.Result{
		Verdict: judge.Verdict{OverallScore: j.schedule[iter], Feedback: "ok"},
		Usage:   model.CostDelta{LLMTokens: 10},
	}, nil
}

type loopFixture struct {
	store *memStore
	opt   *stubOptimizer
	synth *stubSynthesizer
	judge *scriptedJudge
	ctl   *Controller
}

func newLoopFixture(t *testing.T, scores ...float64) *loopFixture {
	t.Helper()
	store := newMemStore()
	jid := uuid.New()
	store.judges = []model.JudgeAgent{{ID: jid, Name: "fidelity", Capabilities: []string{model.CapabilityJudge}, Weight: 1}}
	opt := &stubOptimizer{}
	synth := &stubSynthesizer{}
	jp := &scriptedJudge{schedule: scores, perIter: 2} // 1 judge x 2 candidates
	ctl := NewController(store, blob.NewMemoryStore(), opt, synth, jp, 2, testutil.TestLogger())
	return &loopFixture{store: store, opt: opt, synth: synth, judge: jp, ctl: ctl}
}

func (f *loopFixture) newRequest(threshold float64, maxIterations int) model.GenerationRequest {
	id := f.store.add(model.GenerationRequest{
		OrgID:              uuid.New(),
		Brief:              "a watercolor fox",
		ReferenceImageURLs: []string{"https://example.com/ref.png"},
		JudgeIDs:           []uuid.UUID{f.store.judges[0].ID},
		Threshold:          threshold,
		MaxIterations:      maxIterations,
		ImageParams: model.ImageParams{
			ImagesPerGeneration: 2,
			PlateauWindowSize:   3,
			PlateauThreshold:    0.02,
			AspectRatio:         "1:1",
			Quality:             "standard",
		},
	})
	return f.store.get(id)
}

func TestRun_SucceedsWhenThresholdMet(t *testing.T) {
	f := newLoopFixture(t, 70, 88)
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.CompletionReason)
	assert.Equal(t, model.ReasonSuccess, *final.CompletionReason)
	assert.Equal(t, 2, final.CurrentIteration)
	require.NotNil(t, final.FinalImageID)
	assert.Equal(t, final.Iterations[1].SelectedImageID, final.FinalImageID)
}

func TestRun_StatusProgressionPerIteration(t *testing.T) {
	f := newLoopFixture(t, 90)
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))
	assert.Equal(t, []model.RequestStatus{
		model.StatusOptimizing, model.StatusGenerating, model.StatusEvaluating,
	}, f.store.statusLog)
}

func TestRun_MaxIterationsKeepsBest(t *testing.T) {
	f := newLoopFixture(t, 60, 65, 63)
	req := f.newRequest(85, 3)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, model.ReasonMaxRetriesReached, *final.CompletionReason)
	assert.Equal(t, 3, final.CurrentIteration)
	assert.Equal(t, final.Iterations[1].SelectedImageID, final.FinalImageID)
}

func TestRun_PlateauStopsEarly(t *testing.T) {
	f := newLoopFixture(t, 80, 81, 80.5)
	req := f.newRequest(95, 10)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.ReasonDiminishingReturn, *final.CompletionReason)
	assert.Equal(t, 3, final.CurrentIteration, "should stop well before the budget")
}

func TestRun_IterationNumbersAreDense(t *testing.T) {
	f := newLoopFixture(t, 60, 65, 63)
	req := f.newRequest(85, 3)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	require.Len(t, final.Iterations, 3)
	for i, it := range final.Iterations {
		assert.Equal(t, i+1, it.IterationNumber)
	}
}

func TestRun_AccumulatesCosts(t *testing.T) {
	f := newLoopFixture(t, 60, 88)
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	// Two iterations: optimizer 100 tokens each, plus 2 judge calls x 10
	// tokens per iteration.
	assert.Equal(t, int64(240), final.Costs.LLMTokens)
	assert.Equal(t, int64(4), final.Costs.ImageGenerations)
}

func TestRun_PersistsCandidatesPerIteration(t *testing.T) {
	f := newLoopFixture(t, 90)
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))
	require.Len(t, f.store.images, 2)
	for _, img := range f.store.images {
		assert.Equal(t, req.ID, img.RequestID)
		assert.Equal(t, 1, img.IterationNumber)
		assert.NotEmpty(t, img.URL)
	}
}

func TestRun_CancellationBetweenIterations(t *testing.T) {
	f := newLoopFixture(t, 60, 65, 70)
	f.store.cancelAfter = 1
	req := f.newRequest(85, 10)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Equal(t, model.ReasonCancelled, *final.CompletionReason)
	assert.Equal(t, 1, final.CurrentIteration, "history before the cancel is preserved")
	assert.Nil(t, final.FinalImageID)
}

func TestRun_SynthesisFailureRecordsError(t *testing.T) {
	f := newLoopFixture(t, 90)
	f.synth.err = errors.New("image provider: 503 upstream unavailable")
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, model.ReasonError, *final.CompletionReason)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "503 upstream unavailable")
	assert.Nil(t, final.FinalImageID)
}

func TestRun_ErrorMessageTruncated(t *testing.T) {
	f := newLoopFixture(t, 90)
	f.synth.err = errors.New(strings.Repeat("x", 3000))
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	require.NotNil(t, final.ErrorMessage)
	assert.Len(t, *final.ErrorMessage, model.MaxErrorMessageLen)
}

// A failed attempt leaves no snapshot but its spend is still booked.
func TestRun_PartialUsageChargedOnFailure(t *testing.T) {
	f := newLoopFixture(t, 90)
	f.synth.err = errors.New("boom")
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Empty(t, final.Iterations)
	assert.Equal(t, int64(100), final.Costs.LLMTokens, "optimizer tokens spent before the failure")
}

// First-iteration optimizer failures degrade to the initial prompt instead of
// failing the request; later ones are fatal.
func TestRun_OptimizerFallbackOnFirstIteration(t *testing.T) {
	f := newLoopFixture(t, 90)
	f.opt.err = errors.New("llm timeout")
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.Len(t, final.Iterations, 1)
	assert.Equal(t, req.Brief, final.Iterations[0].OptimizedPrompt)
}

func TestRun_OptimizerFailureFatalAfterFirstIteration(t *testing.T) {
	f := newLoopFixture(t, 60, 65)
	req := f.newRequest(85, 5)

	// Fail the optimizer from the second iteration on.
	f.ctl.optimizer = &failAfterOptimizer{inner: f.opt, failFrom: 2}

	require.NoError(t, f.ctl.Run(context.Background(), req))

	final := f.store.get(req.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, 1, final.CurrentIteration)
}

type failAfterOptimizer struct {
	inner    *stubOptimizer
	mu       sync.Mutex
	calls    int
	failFrom int
}

func (o *failAfterOptimizer) Optimize(ctx context.Context, req optimize.Request) (optimize.Result, error) {
	o.mu.Lock()
	o.calls++
	n := o.calls
	o.mu.Unlock()
	if n >= o.failFrom {
		return optimize.Result{}, errors.New("llm timeout")
	}
	return o.inner.Optimize(ctx, req)
}

func TestRun_FeedbackCarriesSelectedEvaluations(t *testing.T) {
	f := newLoopFixture(t, 60, 88)
	rec := &recordingOptimizer{inner: f.opt}
	f.ctl.optimizer = rec
	req := f.newRequest(85, 5)

	require.NoError(t, f.ctl.Run(context.Background(), req))

	require.Len(t, rec.requests, 2)
	assert.Nil(t, rec.requests[0].Feedback, "first iteration has no feedback")
	require.NotNil(t, rec.requests[1].Feedback)
	assert.InDelta(t, 60, rec.requests[1].Feedback.PreviousScore, 1e-9)
	assert.NotEmpty(t, rec.requests[1].Feedback.PreviousPrompt)
}

// A claimed continuation carries only the parent row; the controller must
// reload history so numbering and feedback resume where the request stopped.
func TestRun_ContinuationResumesWithHistory(t *testing.T) {
	f := newLoopFixture(t, 70, 88)
	rec := &recordingOptimizer{inner: f.opt}
	f.ctl.optimizer = rec
	req := f.newRequest(85, 5)

	f.store.mu.Lock()
	prior := f.store.requests[req.ID]
	imgID := uuid.New()
	prior.Iterations = []model.IterationSnapshot{{
		IterationNumber: 1, OptimizedPrompt: "earlier prompt", SelectedImageID: &imgID, AggregateScore: 55,
	}}
	prior.CurrentIteration = 1
	f.store.mu.Unlock()

	// Hand Run the history-less view a claim would produce.
	claimed := f.store.get(req.ID)
	claimed.Iterations = nil

	require.NoError(t, f.ctl.Run(context.Background(), claimed))

	final := f.store.get(req.ID)
	require.Len(t, final.Iterations, 3)
	assert.Equal(t, 2, final.Iterations[1].IterationNumber)
	require.NotEmpty(t, rec.requests)
	require.NotNil(t, rec.requests[0].Feedback, "resumed run feeds back the prior iteration")
	assert.Equal(t, "earlier prompt", rec.requests[0].Feedback.PreviousPrompt)
}

type recordingOptimizer struct {
	inner    optimize.Provider
	mu       sync.Mutex
	requests []optimize.Request
}

func (o *recordingOptimizer) Optimize(ctx context.Context, req optimize.Request) (optimize.Result, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()
	return o.inner.Optimize(ctx, req)
}
