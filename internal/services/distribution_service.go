package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
)

// State is the coordinator's position in one distribution cycle.
type State string

const (
	StateNew         State = "new"
	StateFetching    State = "fetching"
	StateEvaluating  State = "evaluating"
	StateUploading   State = "uploading"
	StateDistributed State = "distributed"
	StateFailed      State = "failed"
)

// DistributionStore persists respondents and distributions. Insert
// methods must enforce uniqueness on (project, account key) and return
// a duplicate_key_race engine error when a concurrent writer won.
type DistributionStore interface {
	GetRespondentByKey(projectID, accountKey string) (*models.Respondent, error)
	InsertRespondent(r *models.Respondent) error
	UpdateRespondentDistribution(respondentID, distributionID string) error
	GetDistributionByKey(projectID, accountKey string) (*models.Distribution, error)
	InsertDistribution(d *models.Distribution) error
	AddAudit(entry models.AuditEntry)
}

// SurveyPlatform is the consumed survey-platform capability. Both
// operations are idempotent under retry for the same respondent key.
type SurveyPlatform interface {
	UpsertContact(ctx context.Context, mailingListID, externalRef string, embeddedData map[string]string) (string, error)
	CreateDistributionURL(ctx context.Context, contactID string) (string, error)
}

// DistributionResult reports where a cycle ended and with what.
type DistributionResult struct {
	State        State
	Distribution *models.Distribution
	Reused       bool
	Values       map[string]models.Value
}

// DistributionService coordinates one participant's fetch-evaluate-
// upload cycle and guarantees that the same set of connected accounts
// never produces two distributions.
type DistributionService struct {
	store     DistributionStore
	platform  SurveyPlatform
	variables *VariableService
	now       func() time.Time
	log       *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDistributionService(store DistributionStore, platform SurveyPlatform, variables *VariableService, log *zap.Logger) *DistributionService {
	return &DistributionService{
		store:     store,
		platform:  platform,
		variables: variables,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.Sugar(),
		locks:     map[string]*sync.Mutex{},
	}
}

// lockFor returns the critical-section lock for one canonical account
// key. Two concurrent first-time requests from the same participant
// serialize here instead of racing to create two distributions.
func (s *DistributionService) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// ResolveRespondent returns the respondent aggregating this identity's
// accounts for the project, creating it on first contact.
func (s *DistributionService) ResolveRespondent(cfg models.ProjectConfig, identity models.RespondentIdentity) (*models.Respondent, error) {
	key := identity.Key()
	if key == "" {
		return nil, models.NewError(models.ErrorUnknownRespondent, "cannot resolve respondent identity: no provider accounts")
	}
	lock := s.lockFor(cfg.ProjectID + "/" + key)
	lock.Lock()
	defer lock.Unlock()
	return s.resolveRespondentLocked(cfg, identity, key)
}

func (s *DistributionService) resolveRespondentLocked(cfg models.ProjectConfig, identity models.RespondentIdentity, key string) (*models.Respondent, error) {
	r, err := s.store.GetRespondentByKey(cfg.ProjectID, key)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}
	r = &models.Respondent{
		ID:        uuid.NewString(),
		ProjectID: cfg.ProjectID,
		Accounts:  identity.Canonical(),
		CreatedAt: s.now(),
	}
	if err := s.store.InsertRespondent(r); err != nil {
		if models.HasCode(err, models.ErrorDuplicateKeyRace) {
			return s.store.GetRespondentByKey(cfg.ProjectID, key)
		}
		return nil, err
	}
	s.store.AddAudit(models.AuditEntry{Time: s.now(), Actor: "participant", Action: "respondent_created", Target: r.ID, Note: key})
	return r, nil
}

// GetOrCreateDistribution runs the full cycle for one participant:
// NEW -> FETCHING -> EVALUATING -> UPLOADING -> DISTRIBUTED, reusing an
// existing distribution for the same account set without re-uploading.
func (s *DistributionService) GetOrCreateDistribution(ctx context.Context, cfg models.ProjectConfig, identity models.RespondentIdentity) (*DistributionResult, error) {
	key := identity.Key()
	if key == "" {
		return &DistributionResult{State: StateFailed},
			models.NewError(models.ErrorUnknownRespondent, "cannot resolve respondent identity: no provider accounts")
	}

	lock := s.lockFor(cfg.ProjectID + "/" + key)
	lock.Lock()
	defer lock.Unlock()

	state := StateNew
	fail := func(err error) (*DistributionResult, error) {
		s.log.Errorw("distribution cycle failed",
			"project", cfg.ProjectID, "key", key, "state", state, "error", err)
		return &DistributionResult{State: StateFailed}, err
	}

	respondent, err := s.resolveRespondentLocked(cfg, identity, key)
	if err != nil {
		return fail(err)
	}

	state = StateFetching
	values, err := s.variables.Evaluate(ctx, cfg, identity, respondent.ID)
	if err != nil {
		return fail(err)
	}
	state = StateEvaluating

	// Reuse before upload: the same account set never creates a second
	// distribution.
	existing, err := s.store.GetDistributionByKey(cfg.ProjectID, key)
	if err != nil {
		return fail(err)
	}
	if existing != nil {
		s.store.AddAudit(models.AuditEntry{Time: s.now(), Actor: "participant", Action: "distribution_reused", Target: existing.ID, Note: key})
		return &DistributionResult{State: StateDistributed, Distribution: existing, Reused: true, Values: values}, nil
	}

	state = StateUploading
	contactID, err := s.platform.UpsertContact(ctx, cfg.MailingListID, respondent.ID, FormatEmbedded(values))
	if err != nil {
		return fail(models.NewUploadFailedError("upsert contact: " + err.Error()))
	}
	url, err := s.platform.CreateDistributionURL(ctx, contactID)
	if err != nil {
		return fail(models.NewUploadFailedError("create distribution url: " + err.Error()))
	}

	dist := &models.Distribution{
		ID:         uuid.NewString(),
		ProjectID:  cfg.ProjectID,
		AccountKey: key,
		ContactID:  contactID,
		URL:        url,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertDistribution(dist); err != nil {
		if models.HasCode(err, models.ErrorDuplicateKeyRace) {
			existing, lerr := s.store.GetDistributionByKey(cfg.ProjectID, key)
			if lerr == nil && existing != nil {
				return &DistributionResult{State: StateDistributed, Distribution: existing, Reused: true, Values: values}, nil
			}
		}
		return fail(err)
	}
	if err := s.store.UpdateRespondentDistribution(respondent.ID, dist.ID); err != nil {
		return fail(err)
	}
	s.store.AddAudit(models.AuditEntry{Time: s.now(), Actor: "participant", Action: "distribution_created", Target: dist.ID, Note: key})

	s.log.Infow("distribution created",
		"project", cfg.ProjectID, "respondent", respondent.ID, "distribution", dist.ID)
	return &DistributionResult{State: StateDistributed, Distribution: dist, Values: values}, nil
}
