package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/datadrivensurveys/dds/internal/models"
	"github.com/datadrivensurveys/dds/internal/providers"
)

// SQLiteStore persists respondents, distributions, sealed provider
// tokens and the audit trail. It backs the services' store interfaces.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	log    *zap.SugaredLogger
}

func NewSQLiteStore(db *sql.DB, sealer *Sealer, log *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, sealer: sealer, log: log.Sugar()}, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure,
// which the coordinator treats as losing an insert race.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *SQLiteStore) GetRespondentByKey(projectID, accountKey string) (*models.Respondent, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, account_key, accounts_json, COALESCE(distribution_id, ''), created_at
		 FROM respondents WHERE project_id = ? AND account_key = ?`, projectID, accountKey)
	var r models.Respondent
	var accountsJSON string
	var key string
	if err := row.Scan(&r.ID, &r.ProjectID, &key, &accountsJSON, &r.DistributionID, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(accountsJSON), &r.Accounts); err != nil {
		return nil, fmt.Errorf("decode respondent accounts: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) InsertRespondent(r *models.Respondent) error {
	accountsJSON, err := json.Marshal(r.Accounts)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO respondents (id, project_id, account_key, accounts_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.Accounts.Key(), string(accountsJSON), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.NewError(models.ErrorDuplicateKeyRace, "respondent already exists for account set")
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) UpdateRespondentDistribution(respondentID, distributionID string) error {
	res, err := s.db.Exec(`UPDATE respondents SET distribution_id = ? WHERE id = ?`, distributionID, respondentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewNotFoundError("respondent not found")
	}
	return nil
}

func (s *SQLiteStore) GetDistributionByKey(projectID, accountKey string) (*models.Distribution, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, account_key, contact_id, url, created_at
		 FROM distributions WHERE project_id = ? AND account_key = ?`, projectID, accountKey)
	var d models.Distribution
	if err := row.Scan(&d.ID, &d.ProjectID, &d.AccountKey, &d.ContactID, &d.URL, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) InsertDistribution(d *models.Distribution) error {
	_, err := s.db.Exec(
		`INSERT INTO distributions (id, project_id, account_key, contact_id, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.AccountKey, d.ContactID, d.URL, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.NewError(models.ErrorDuplicateKeyRace, "distribution already exists for account set")
		}
		return err
	}
	return nil
}

// SaveProviderToken seals and upserts the credentials of one connected
// account.
func (s *SQLiteStore) SaveProviderToken(projectID string, account *providers.Account) error {
	return s.SaveProviderCredentials(projectID, account.Provider, account.UserID, &account.Credentials)
}

// SaveProviderCredentials seals and upserts refreshed credentials for
// an already-connected account.
func (s *SQLiteStore) SaveProviderCredentials(projectID, provider, userID string, creds *providers.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO provider_tokens (project_id, provider, provider_user_id, sealed_credentials, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, provider, provider_user_id)
		 DO UPDATE SET sealed_credentials = excluded.sealed_credentials, updated_at = excluded.updated_at`,
		projectID, provider, userID, sealed, time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetProviderToken(projectID, provider, userID string) (*providers.Credentials, error) {
	row := s.db.QueryRow(
		`SELECT sealed_credentials FROM provider_tokens
		 WHERE project_id = ? AND provider = ? AND provider_user_id = ?`,
		projectID, provider, userID)
	var sealed []byte
	if err := row.Scan(&sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open sealed credentials: %w", err)
	}
	var creds providers.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &creds, nil
}

// AddAudit records one audit entry; failures are logged, not surfaced,
// so auditing never fails a participant-facing operation.
func (s *SQLiteStore) AddAudit(entry models.AuditEntry) {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		entry.Time, entry.Actor, entry.Action, entry.Target, entry.Note)
	if err != nil {
		s.log.Errorw("audit insert failed", "action", entry.Action, "error", err)
	}
}
