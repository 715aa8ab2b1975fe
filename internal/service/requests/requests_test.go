package requests

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/kiln/internal/auth"
	"github.com/atelier-ai/kiln/internal/ctxutil"
	"github.com/atelier-ai/kiln/internal/model"
	"github.com/atelier-ai/kiln/internal/storage"
	"github.com/atelier-ai/kiln/internal/testutil"
)

// fakeStore records calls and serves canned judges and requests.
type fakeStore struct {
	judges   map[uuid.UUID]model.JudgeAgent
	created  []model.GenerationRequest
	lastList storage.ListFilter

	continued     *model.GenerationRequest
	continueExtra int
	continueErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{judges: map[uuid.UUID]model.JudgeAgent{}}
}

func (f *fakeStore) addJudge(orgID uuid.UUID, capabilities ...string) uuid.UUID {
	id := uuid.New()
	f.judges[id] = model.JudgeAgent{ID: id, OrgID: orgID, Name: "judge", Capabilities: capabilities, Weight: 1}
	return id
}

func (f *fakeStore) CreateRequest(_ context.Context, req model.GenerationRequest) (model.GenerationRequest, error) {
	req.ID = uuid.New()
	req.Status = model.StatusPending
	f.created = append(f.created, req)
	return req, nil
}

func (f *fakeStore) GetRequest(context.Context, uuid.UUID, uuid.UUID) (model.GenerationRequest, error) {
	return model.GenerationRequest{}, storage.ErrNotFound
}

func (f *fakeStore) ListRequests(_ context.Context, _ uuid.UUID, filter storage.ListFilter) ([]model.GenerationRequest, int, error) {
	f.lastList = filter
	return nil, 0, nil
}

func (f *fakeStore) PendingRequests(context.Context) ([]model.GenerationRequest, error) {
	return nil, nil
}

func (f *fakeStore) GetImage(context.Context, uuid.UUID, uuid.UUID) (model.GeneratedImage, error) {
	return model.GeneratedImage{}, storage.ErrNotFound
}

func (f *fakeStore) ListImages(context.Context, uuid.UUID, uuid.UUID, *int) ([]model.GeneratedImage, error) {
	return nil, nil
}

func (f *fakeStore) JudgeAgents(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]model.JudgeAgent, error) {
	var out []model.JudgeAgent
	for _, id := range ids {
		if j, ok := f.judges[id]; ok && j.OrgID == orgID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) PrepareForContinuation(_ context.Context, _, id uuid.UUID, extra int, _ []uuid.UUID) (model.GenerationRequest, error) {
	if f.continueErr != nil {
		return model.GenerationRequest{}, f.continueErr
	}
	f.continueExtra = extra
	if f.continued != nil {
		return *f.continued, nil
	}
	return model.GenerationRequest{ID: id, Status: model.StatusPending}, nil
}

func (f *fakeStore) RequestCancellation(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

func newService(store Store) *Service {
	return New(store, Defaults{
		MaxIterations:       5,
		ImagesPerGeneration: 2,
		PlateauWindowSize:   3,
		PlateauThreshold:    0.02,
	}, testutil.TestLogger())
}

func validSpec(store *fakeStore, orgID uuid.UUID) CreateSpec {
	return CreateSpec{
		OrgID:              orgID,
		Brief:              "a watercolor fox in morning fog",
		ReferenceImageURLs: []string{"https://example.com/ref.png"},
		JudgeIDs:           []uuid.UUID{store.addJudge(orgID, model.CapabilityJudge)},
		Threshold:          85,
	}
}

func TestCreate_AppliesDefaults(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	req, err := svc.Create(context.Background(), validSpec(store, orgID))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, req.Status)
	assert.Equal(t, 5, req.MaxIterations)
	assert.Equal(t, 2, req.ImageParams.ImagesPerGeneration)
	assert.Equal(t, 3, req.ImageParams.PlateauWindowSize)
	assert.InDelta(t, 0.02, req.ImageParams.PlateauThreshold, 1e-9)
	assert.Equal(t, "1:1", req.ImageParams.AspectRatio)
	assert.Equal(t, 0, req.CurrentIteration)
}

func TestCreate_ExplicitParamsWin(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	spec := validSpec(store, orgID)
	spec.MaxIterations = 9
	spec.ImageParams = model.ImageParams{
		ImagesPerGeneration: 4,
		AspectRatio:         "16:9",
		Quality:             "hd",
		PlateauWindowSize:   5,
		PlateauThreshold:    0.1,
	}

	req, err := svc.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 9, req.MaxIterations)
	assert.Equal(t, 4, req.ImageParams.ImagesPerGeneration)
	assert.Equal(t, "16:9", req.ImageParams.AspectRatio)
}

func TestCreate_MissingFields(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	cases := []struct {
		name   string
		mutate func(*CreateSpec)
		field  string
	}{
		{"missing brief", func(s *CreateSpec) { s.Brief = "" }, "brief"},
		{"missing reference images", func(s *CreateSpec) { s.ReferenceImageURLs = nil }, "reference_image_urls"},
		{"missing judges", func(s *CreateSpec) { s.JudgeIDs = nil }, "judge_ids"},
		{"threshold out of range", func(s *CreateSpec) { s.Threshold = 101 }, "threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec(store, orgID)
			tc.mutate(&spec)
			_, err := svc.Create(context.Background(), spec)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Empty(t, store.created, "nothing should be persisted on validation failure")
}

func TestCreate_RejectsUnknownJudge(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	spec := validSpec(store, orgID)
	spec.JudgeIDs = append(spec.JudgeIDs, uuid.New())

	_, err := svc.Create(context.Background(), spec)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "judge_ids", verr.Field)
}

func TestCreate_RejectsCrossOrgJudge(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	spec := validSpec(store, orgID)
	spec.JudgeIDs = []uuid.UUID{store.addJudge(uuid.New(), model.CapabilityJudge)}

	_, err := svc.Create(context.Background(), spec)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "judge_ids", verr.Field)
}

func TestCreate_RejectsNonJudgeCapableAgent(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	spec := validSpec(store, orgID)
	spec.JudgeIDs = []uuid.UUID{store.addJudge(orgID, "synthesize")}

	_, err := svc.Create(context.Background(), spec)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "not judge-capable")
}

func TestList_MemberScopedToOwnRequests(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)
	userID := uuid.New()
	claims := &auth.Claims{OrgID: uuid.New(), UserID: userID, Role: auth.RoleMember}

	_, _, err := svc.List(context.Background(), claims.OrgID, ListFilter{}, claims)
	require.NoError(t, err)
	require.NotNil(t, store.lastList.CreatedBy)
	assert.Equal(t, userID, *store.lastList.CreatedBy)
}

func TestList_AdminSeesWholeOrg(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)
	claims := &auth.Claims{OrgID: uuid.New(), UserID: uuid.New(), Role: auth.RoleAdmin}

	_, _, err := svc.List(context.Background(), claims.OrgID, ListFilter{}, claims)
	require.NoError(t, err)
	assert.Nil(t, store.lastList.CreatedBy)
}

func TestListForCaller_ReadsClaimsFromContext(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)
	claims := &auth.Claims{OrgID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember}
	ctx := ctxutil.WithClaims(context.Background(), claims)

	_, _, err := svc.ListForCaller(ctx, ListFilter{})
	require.NoError(t, err)
	require.NotNil(t, store.lastList.CreatedBy)
	assert.Equal(t, claims.UserID, *store.lastList.CreatedBy)
}

func TestContinue_ValidatesExtraIterations(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	_, err := svc.Continue(context.Background(), uuid.New(), uuid.New(), 0, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "extra_iterations", verr.Field)
}

func TestContinue_ValidatesReplacementJudges(t *testing.T) {
	store := newFakeStore()
	orgID := uuid.New()
	svc := newService(store)

	_, err := svc.Continue(context.Background(), orgID, uuid.New(), 3, []uuid.UUID{uuid.New()})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "judge_ids", verr.Field)
}

func TestContinue_PassesThroughStateErrors(t *testing.T) {
	store := newFakeStore()
	store.continueErr = storage.ErrNotTerminal
	svc := newService(store)

	_, err := svc.Continue(context.Background(), uuid.New(), uuid.New(), 3, nil)
	assert.ErrorIs(t, err, storage.ErrNotTerminal)
}

func TestContinue_ForwardsExtraIterations(t *testing.T) {
	store := newFakeStore()
	svc := newService(store)

	_, err := svc.Continue(context.Background(), uuid.New(), uuid.New(), 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, store.continueExtra)
}
