package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/providers"
)

// memStore is an in-memory DistributionStore with the same uniqueness
// semantics as the sqlite store.
type memStore struct {
	mu            sync.Mutex
	respondents   map[string]*models.Respondent   // projectID/key
	distributions map[string]*models.Distribution // projectID/key
	audits        []models.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		respondents:   map[string]*models.Respondent{},
		distributions: map[string]*models.Distribution{},
	}
}

func (s *memStore) GetRespondentByKey(projectID, accountKey string) (*models.Respondent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondents[projectID+"/"+accountKey], nil
}

func (s *memStore) InsertRespondent(r *models.Respondent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.ProjectID + "/" + r.Accounts.Key()
	if _, ok := s.respondents[key]; ok {
		return models.NewError(models.ErrorDuplicateKeyRace, "respondent exists")
	}
	s.respondents[key] = r
	return nil
}

func (s *memStore) UpdateRespondentDistribution(respondentID, distributionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.respondents {
		if r.ID == respondentID {
			r.DistributionID = distributionID
			return nil
		}
	}
	return models.NewNotFoundError("respondent not found")
}

func (s *memStore) GetDistributionByKey(projectID, accountKey string) (*models.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distributions[projectID+"/"+accountKey], nil
}

func (s *memStore) InsertDistribution(d *models.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := d.ProjectID + "/" + d.AccountKey
	if _, ok := s.distributions[key]; ok {
		return models.NewError(models.ErrorDuplicateKeyRace, "distribution exists")
	}
	s.distributions[key] = d
	return nil
}

func (s *memStore) AddAudit(entry models.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
}

func (s *memStore) distributionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.distributions)
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

// stubPlatform counts uploads and mints predictable URLs.
type stubPlatform struct {
	mu          sync.Mutex
	upserts     int
	links       int
	lastData    map[string]string
	upsertErr   error
	linkErr     error
	nextContact string
}

func (p *stubPlatform) UpsertContact(ctx context.Context, mailingListID, externalRef string, embeddedData map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upsertErr != nil {
		return "", p.upsertErr
	}
	p.upserts++
	p.lastData = embeddedData
	if p.nextContact != "" {
		return p.nextContact, nil
	}
	return "contact-" + externalRef, nil
}

func (p *stubPlatform) CreateDistributionURL(ctx context.Context, contactID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.linkErr != nil {
		return "", p.linkErr
	}
	p.links++
	return "https://surveys.example/d/" + contactID, nil
}

func (p *stubPlatform) upsertCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upserts
}

func newDistributionFixture(t *testing.T) (*DistributionService, *memStore, *stubPlatform, models.ProjectConfig, models.RespondentIdentity) {
	t.Helper()
	p := newStubProvider("fitbit", []models.DataItem{
		activity("Run", 1, 30),
		activity("Run", 2, 45),
	})
	identity := fitbitIdentity()
	variables := NewVariableService(providers.NewRegistry(p), newStubTokens(identity...), zap.NewNop())
	store := newMemStore()
	platform := &stubPlatform{}
	svc := NewDistributionService(store, platform, variables, zap.NewNop())
	return svc, store, platform, longestActivityConfig(), identity
}

func TestGetOrCreateDistributionFirstTime(t *testing.T) {
	svc, store, platform, cfg, identity := newDistributionFixture(t)

	res, err := svc.GetOrCreateDistribution(context.Background(), cfg, identity)
	require.NoError(t, err)
	assert.Equal(t, StateDistributed, res.State)
	assert.False(t, res.Reused)
	assert.NotEmpty(t, res.Distribution.URL)
	assert.Equal(t, 1, store.distributionCount())
	assert.Equal(t, "45", platform.lastData["dds.fitbit.custom.activities.longest_activity.duration"])

	r, err := store.GetRespondentByKey(cfg.ProjectID, identity.Key())
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, res.Distribution.ID, r.DistributionID)
	assert.Equal(t, []string{"respondent_created", "distribution_created"}, store.auditActions())
}

func TestGetOrCreateDistributionReuse(t *testing.T) {
	svc, store, platform, cfg, identity := newDistributionFixture(t)

	first, err := svc.GetOrCreateDistribution(context.Background(), cfg, identity)
	require.NoError(t, err)

	second, err := svc.GetOrCreateDistribution(context.Background(), cfg, identity)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Distribution.URL, second.Distribution.URL)
	assert.Equal(t, 1, store.distributionCount())
	assert.Equal(t, 1, platform.upsertCount(), "reuse must not re-upload")
	assert.Contains(t, store.auditActions(), "distribution_reused")
}

func TestGetOrCreateDistributionReuseIgnoresAccountOrder(t *testing.T) {
	svc, store, _, cfg, _ := newDistributionFixture(t)

	a := models.ProviderAccount{Provider: "fitbit", UserID: "u1"}
	b := models.ProviderAccount{Provider: "fitbit", UserID: "u2"}
	tokens := newStubTokens(a, b)
	p := newStubProvider("fitbit", []models.DataItem{activity("Run", 1, 30)})
	svc.variables = NewVariableService(providers.NewRegistry(p), tokens, zap.NewNop())

	first, err := svc.GetOrCreateDistribution(context.Background(), cfg, models.RespondentIdentity{a, b})
	require.NoError(t, err)
	second, err := svc.GetOrCreateDistribution(context.Background(), cfg, models.RespondentIdentity{b, a})
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Distribution.ID, second.Distribution.ID)
	assert.Equal(t, 1, store.distributionCount())
}

func TestGetOrCreateDistributionConcurrentFirstContact(t *testing.T) {
	svc, store, platform, cfg, identity := newDistributionFixture(t)

	const n = 8
	results := make([]*DistributionResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetOrCreateDistribution(context.Background(), cfg, identity)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.distributionCount())
	assert.Equal(t, 1, platform.upsertCount())
	var url string
	for i, res := range results {
		require.NoError(t, errs[i])
		if url == "" {
			url = res.Distribution.URL
		}
		assert.Equal(t, url, res.Distribution.URL)
	}
}

func TestGetOrCreateDistributionUploadFailure(t *testing.T) {
	svc, store, platform, cfg, identity := newDistributionFixture(t)
	platform.upsertErr = models.NewUploadFailedError("platform down")

	res, err := svc.GetOrCreateDistribution(context.Background(), cfg, identity)
	assert.True(t, models.HasCode(err, models.ErrorUploadFailed), "got %v", err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, store.distributionCount(), "no half-created distribution on failure")
}

func TestGetOrCreateDistributionLinkFailure(t *testing.T) {
	svc, store, platform, cfg, identity := newDistributionFixture(t)
	platform.linkErr = models.NewUploadFailedError("no link")

	res, err := svc.GetOrCreateDistribution(context.Background(), cfg, identity)
	assert.True(t, models.HasCode(err, models.ErrorUploadFailed), "got %v", err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, store.distributionCount())
}

func TestGetOrCreateDistributionEvaluationFailure(t *testing.T) {
	svc, store, platform, cfg, identity := newDistributionFixture(t)
	p := newStubProvider("fitbit", nil)
	p.fetchErr = models.NewError(models.ErrorTokenExpired, "expired")
	svc.variables = NewVariableService(providers.NewRegistry(p), newStubTokens(identity...), zap.NewNop())

	res, err := svc.GetOrCreateDistribution(context.Background(), cfg, identity)
	assert.True(t, models.HasCode(err, models.ErrorTokenExpired), "got %v", err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, platform.upsertCount(), "failed evaluation must not reach the platform")
	assert.Equal(t, 0, store.distributionCount())
}

func TestGetOrCreateDistributionEmptyIdentity(t *testing.T) {
	svc, _, _, cfg, _ := newDistributionFixture(t)
	_, err := svc.GetOrCreateDistribution(context.Background(), cfg, nil)
	assert.True(t, models.HasCode(err, models.ErrorUnknownRespondent), "got %v", err)
}

// raceStore simulates losing the distribution insert race to a writer
// on another node: the insert fails but the winner's row is readable.
type raceStore struct {
	*memStore
	winner *models.Distribution
}

func (s *raceStore) GetDistributionByKey(projectID, accountKey string) (*models.Distribution, error) {
	if s.winner != nil {
		return s.winner, nil
	}
	return s.memStore.GetDistributionByKey(projectID, accountKey)
}

func (s *raceStore) InsertDistribution(d *models.Distribution) error {
	s.winner = &models.Distribution{
		ID:         "winner",
		ProjectID:  d.ProjectID,
		AccountKey: d.AccountKey,
		ContactID:  d.ContactID,
		URL:        "https://surveys.example/d/winner",
	}
	return models.NewError(models.ErrorDuplicateKeyRace, "lost insert race")
}

func TestGetOrCreateDistributionLostInsertRace(t *testing.T) {
	p := newStubProvider("fitbit", []models.DataItem{activity("Run", 1, 30)})
	identity := fitbitIdentity()
	variables := NewVariableService(providers.NewRegistry(p), newStubTokens(identity...), zap.NewNop())
	store := &raceStore{memStore: newMemStore()}
	svc := NewDistributionService(store, &stubPlatform{}, variables, zap.NewNop())

	res, err := svc.GetOrCreateDistribution(context.Background(), longestActivityConfig(), identity)
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, "winner", res.Distribution.ID)
}

func TestResolveRespondentIdempotent(t *testing.T) {
	svc, _, _, cfg, identity := newDistributionFixture(t)

	first, err := svc.ResolveRespondent(cfg, identity)
	require.NoError(t, err)
	second, err := svc.ResolveRespondent(cfg, identity)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
