package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type userModel struct {
	bun.BaseModel `bun:"table:users"`
	ID            string    `bun:"id,pk"`
	DisplayName   string    `bun:"display_name,notnull"`
	PublicKeyPEM  string    `bun:"public_key_pem,type:text,notnull"`
	Roles         string    `bun:"roles,notnull"`
	Revoked       bool      `bun:"revoked,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	RevokedAt     time.Time `bun:"revoked_at,nullzero"`
}

type actionTypeModel struct {
	bun.BaseModel   `bun:"table:action_types"`
	Name            string    `bun:"name,pk"`
	Description     string    `bun:"description,notnull"`
	Operation       int       `bun:"operation,notnull"`
	Threshold       int       `bun:"threshold,notnull"`
	EligibleRole    string    `bun:"eligible_role,notnull"`
	EligibleUsers   string    `bun:"eligible_users,type:text,notnull"`
	DigestAlgorithm string    `bun:"digest_algorithm,notnull"`
	KeyRef          string    `bun:"key_ref,notnull"`
	KeyCurve        string    `bun:"key_curve,notnull"`
	Format          string    `bun:"format,notnull"`
	TTLSeconds      int64     `bun:"ttl_seconds,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

type requestModel struct {
	bun.BaseModel   `bun:"table:signing_requests"`
	ID              string    `bun:"id,pk"`
	ActionType      string    `bun:"action_type,notnull"`
	DigestAlgorithm string    `bun:"digest_algorithm,notnull"`
	Digest          []byte    `bun:"digest"`
	SubjectName     string    `bun:"subject_name,notnull"`
	RequesterID     string    `bun:"requester_id,notnull"`
	Status          int       `bun:"status,notnull"`
	Reason          string    `bun:"reason,type:text,notnull"`
	ExecutionClaim  string    `bun:"execution_claim,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
	ExpiresAt       time.Time `bun:"expires_at,nullzero"`
}

// approvalModel's composite primary key enforces one approval per approver.
type approvalModel struct {
	bun.BaseModel `bun:"table:approvals"`
	RequestID     string    `bun:"request_id,pk"`
	ApproverID    string    `bun:"approver_id,pk"`
	Signature     []byte    `bun:"signature,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type resultModel struct {
	bun.BaseModel `bun:"table:signing_results"`
	RequestID     string    `bun:"request_id,pk"`
	Format        string    `bun:"format,notnull"`
	Raw           []byte    `bun:"raw,notnull"`
	Artifact      []byte    `bun:"artifact,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type attemptModel struct {
	bun.BaseModel `bun:"table:execution_attempts"`
	ID            string    `bun:"id,pk"`
	RequestID     string    `bun:"request_id,notnull"`
	Outcome       int       `bun:"outcome,notnull"`
	Error         string    `bun:"error,type:text,notnull"`
	StartedAt     time.Time `bun:"started_at,notnull"`
	FinishedAt    time.Time `bun:"finished_at,notnull"`
}

// SQLStore persists to sqlite, postgres or mysql through bun.
type SQLStore struct {
	db *bun.DB
}

// OpenSQL opens a database of the given type ("sqlite", "postgres" or
// "mysql") and creates the schema if it does not exist.
func OpenSQL(ctx context.Context, dbType, dsn string) (*SQLStore, error) {
	driverName := dbType
	// The pgx stdlib registers driver name "pgx".
	if dbType == "postgres" {
		driverName = "pgx"
	}
	switch dbType {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	// Each connection to ":memory:" is a separate database.
	if dbType == "sqlite" && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	s := &SQLStore{db: createBunDB(sqlDB, dbType)}
	if err := s.db.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	slog.Info("sql store ready", "type", dbType)
	return s, nil
}

func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	models := []any{
		(*userModel)(nil),
		(*actionTypeModel)(nil),
		(*requestModel)(nil),
		(*approvalModel)(nil),
		(*resultModel)(nil),
		(*attemptModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table %T: %w", m, err)
		}
	}
	return nil
}

// mapDBError maps driver constraint violations to ErrDuplicate. The match
// is string based to keep driver types out of this package.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	le := strings.ToLower(err.Error())
	// MySQL duplicate entry, Postgres unique violation (23505), SQLite unique constraint
	if strings.Contains(le, "duplicate") || strings.Contains(le, "unique") || strings.Contains(le, "23505") || strings.Contains(le, "1062") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *SQLStore) PutUser(ctx context.Context, u *User) error {
	m := &userModel{
		ID:           u.ID,
		DisplayName:  u.DisplayName,
		PublicKeyPEM: u.PublicKeyPEM,
		Roles:        joinList(u.Roles),
		Revoked:      u.Revoked,
		CreatedAt:    u.CreatedAt,
		RevokedAt:    u.RevokedAt,
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return mapDBError(err)
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	m := new(userModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err, "user "+id)
	}
	return m.toUser(), nil
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]*User, error) {
	var ms []userModel
	if err := s.db.NewSelect().Model(&ms).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*User, 0, len(ms))
	for i := range ms {
		out = append(out, ms[i].toUser())
	}
	return out, nil
}

func (s *SQLStore) RevokeUser(ctx context.Context, id string, at time.Time) error {
	if _, err := s.GetUser(ctx, id); err != nil {
		return err
	}
	_, err := s.db.NewUpdate().Model((*userModel)(nil)).
		Set("revoked = ?", true).
		Set("revoked_at = ?", at).
		Where("id = ?", id).
		Where("revoked = ?", false).
		Exec(ctx)
	return err
}

func (s *SQLStore) PutActionType(ctx context.Context, at *ActionType) error {
	m := &actionTypeModel{
		Name:            at.Name,
		Description:     at.Description,
		Operation:       int(at.Operation),
		Threshold:       at.Threshold,
		EligibleRole:    at.EligibleRole,
		EligibleUsers:   joinList(at.EligibleUsers),
		DigestAlgorithm: at.DigestAlgorithm,
		KeyRef:          at.KeyRef,
		KeyCurve:        at.KeyCurve,
		Format:          at.Format,
		TTLSeconds:      int64(at.TTL / time.Second),
		CreatedAt:       at.CreatedAt,
		UpdatedAt:       at.UpdatedAt,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing actionTypeModel
	err = tx.NewSelect().Model(&existing).Where("name = ?", at.Name).Scan(ctx)
	switch {
	case err == nil:
		m.CreatedAt = existing.CreatedAt
		if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return mapDBError(err)
		}
	default:
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetActionType(ctx context.Context, name string) (*ActionType, error) {
	m := new(actionTypeModel)
	if err := s.db.NewSelect().Model(m).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, notFound(err, "action type "+name)
	}
	return m.toActionType(), nil
}

func (s *SQLStore) ListActionTypes(ctx context.Context) ([]*ActionType, error) {
	var ms []actionTypeModel
	if err := s.db.NewSelect().Model(&ms).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*ActionType, 0, len(ms))
	for i := range ms {
		out = append(out, ms[i].toActionType())
	}
	return out, nil
}

func (s *SQLStore) CreateRequest(ctx context.Context, r *SigningRequest) error {
	m := &requestModel{
		ID:              r.ID,
		ActionType:      r.ActionType,
		DigestAlgorithm: r.DigestAlgorithm,
		Digest:          r.Digest,
		SubjectName:     r.SubjectName,
		RequesterID:     r.RequesterID,
		Status:          int(r.Status),
		Reason:          r.Reason,
		ExecutionClaim:  r.ExecutionClaim,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return mapDBError(err)
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (*SigningRequest, error) {
	m := new(requestModel)
	if err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, notFound(err, "request "+id)
	}
	return m.toRequest(), nil
}

func (s *SQLStore) ListRequests(ctx context.Context, f RequestFilter) ([]*SigningRequest, error) {
	var ms []requestModel
	q := s.db.NewSelect().Model(&ms).Order("created_at ASC")
	if f.Status != 0 {
		q = q.Where("status = ?", int(f.Status))
	}
	if f.ActionType != "" {
		q = q.Where("action_type = ?", f.ActionType)
	}
	if f.RequesterID != "" {
		q = q.Where("requester_id = ?", f.RequesterID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*SigningRequest, 0, len(ms))
	for i := range ms {
		out = append(out, ms[i].toRequest())
	}
	return out, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, from, to Status, reason string, at time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("request %s: %s -> %s: %w", id, from, to, ErrConflict)
	}
	res, err := s.db.NewUpdate().Model((*requestModel)(nil)).
		Set("status = ?", int(to)).
		Set("reason = ?", reason).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", int(from)).
		Exec(ctx)
	return s.checkUpdated(ctx, s.db, id, res, err)
}

func (s *SQLStore) ClaimExecution(ctx context.Context, id, claim string, at time.Time) error {
	res, err := s.db.NewUpdate().Model((*requestModel)(nil)).
		Set("execution_claim = ?", claim).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", int(StatusApproved)).
		Where("execution_claim = ?", "").
		Exec(ctx)
	return s.checkUpdated(ctx, s.db, id, res, err)
}

func (s *SQLStore) ReleaseExecution(ctx context.Context, id, claim string) error {
	q := s.db.NewUpdate().Model((*requestModel)(nil)).
		Set("execution_claim = ?", "").
		Where("id = ?", id).
		Where("status = ?", int(StatusApproved)).
		Where("execution_claim <> ?", "")
	if claim != "" {
		q = q.Where("execution_claim = ?", claim)
	}
	res, err := q.Exec(ctx)
	return s.checkUpdated(ctx, s.db, id, res, err)
}

func (s *SQLStore) CompleteExecution(ctx context.Context, r *SigningResult, claim string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NewUpdate().Model((*requestModel)(nil)).
		Set("status = ?", int(StatusExecuted)).
		Set("execution_claim = ?", "").
		Set("updated_at = ?", r.CreatedAt).
		Where("id = ?", r.RequestID).
		Where("status = ?", int(StatusApproved)).
		Where("execution_claim = ?", claim).
		Exec(ctx)
	if err := s.checkUpdated(ctx, tx, r.RequestID, res, err); err != nil {
		return err
	}

	m := &resultModel{
		RequestID: r.RequestID,
		Format:    r.Format,
		Raw:       r.Raw,
		Artifact:  r.Artifact,
		CreatedAt: r.CreatedAt,
	}
	if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
		return mapDBError(err)
	}
	return tx.Commit()
}

func (s *SQLStore) FailExecution(ctx context.Context, id, claim, reason string, at time.Time) error {
	res, err := s.db.NewUpdate().Model((*requestModel)(nil)).
		Set("status = ?", int(StatusRejected)).
		Set("reason = ?", reason).
		Set("execution_claim = ?", "").
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("status = ?", int(StatusApproved)).
		Where("execution_claim = ?", claim).
		Exec(ctx)
	return s.checkUpdated(ctx, s.db, id, res, err)
}

func (s *SQLStore) AddApproval(ctx context.Context, a *Approval) error {
	if _, err := s.GetRequest(ctx, a.RequestID); err != nil {
		return err
	}
	m := &approvalModel{
		RequestID:  a.RequestID,
		ApproverID: a.ApproverID,
		Signature:  a.Signature,
		CreatedAt:  a.CreatedAt,
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return mapDBError(err)
}

func (s *SQLStore) GetApproval(ctx context.Context, requestID, approverID string) (*Approval, error) {
	m := new(approvalModel)
	err := s.db.NewSelect().Model(m).
		Where("request_id = ?", requestID).
		Where("approver_id = ?", approverID).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "approval "+requestID+"/"+approverID)
	}
	return m.toApproval(), nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, requestID string) ([]*Approval, error) {
	var ms []approvalModel
	err := s.db.NewSelect().Model(&ms).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Approval, 0, len(ms))
	for i := range ms {
		out = append(out, ms[i].toApproval())
	}
	return out, nil
}

func (s *SQLStore) GetResult(ctx context.Context, requestID string) (*SigningResult, error) {
	m := new(resultModel)
	if err := s.db.NewSelect().Model(m).Where("request_id = ?", requestID).Scan(ctx); err != nil {
		return nil, notFound(err, "result "+requestID)
	}
	return &SigningResult{
		RequestID: m.RequestID,
		Format:    m.Format,
		Raw:       m.Raw,
		Artifact:  m.Artifact,
		CreatedAt: m.CreatedAt,
	}, nil
}

func (s *SQLStore) RecordAttempt(ctx context.Context, a *ExecutionAttempt) error {
	m := &attemptModel{
		ID:         a.ID,
		RequestID:  a.RequestID,
		Outcome:    int(a.Outcome),
		Error:      a.Error,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return mapDBError(err)
}

func (s *SQLStore) ListAttempts(ctx context.Context, requestID string) ([]*ExecutionAttempt, error) {
	var ms []attemptModel
	err := s.db.NewSelect().Model(&ms).
		Where("request_id = ?", requestID).
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionAttempt, 0, len(ms))
	for _, m := range ms {
		out = append(out, &ExecutionAttempt{
			ID:         m.ID,
			RequestID:  m.RequestID,
			Outcome:    AttemptOutcome(m.Outcome),
			Error:      m.Error,
			StartedAt:  m.StartedAt,
			FinishedAt: m.FinishedAt,
		})
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// checkUpdated turns a conditional update that matched no row into
// ErrNotFound or ErrConflict. idb is the DB or the enclosing transaction.
func (s *SQLStore) checkUpdated(ctx context.Context, idb bun.IDB, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	exists, err := idb.NewSelect().Model((*requestModel)(nil)).Where("id = ?", id).Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("request %s: %w", id, ErrConflict)
}

func (m *userModel) toUser() *User {
	return &User{
		ID:           m.ID,
		DisplayName:  m.DisplayName,
		PublicKeyPEM: m.PublicKeyPEM,
		Roles:        splitList(m.Roles),
		Revoked:      m.Revoked,
		CreatedAt:    m.CreatedAt,
		RevokedAt:    m.RevokedAt,
	}
}

func (m *actionTypeModel) toActionType() *ActionType {
	return &ActionType{
		Name:            m.Name,
		Description:     m.Description,
		Operation:       Operation(m.Operation),
		Threshold:       m.Threshold,
		EligibleRole:    m.EligibleRole,
		EligibleUsers:   splitList(m.EligibleUsers),
		DigestAlgorithm: m.DigestAlgorithm,
		KeyRef:          m.KeyRef,
		KeyCurve:        m.KeyCurve,
		Format:          m.Format,
		TTL:             time.Duration(m.TTLSeconds) * time.Second,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func (m *requestModel) toRequest() *SigningRequest {
	return &SigningRequest{
		ID:              m.ID,
		ActionType:      m.ActionType,
		DigestAlgorithm: m.DigestAlgorithm,
		Digest:          m.Digest,
		SubjectName:     m.SubjectName,
		RequesterID:     m.RequesterID,
		Status:          Status(m.Status),
		Reason:          m.Reason,
		ExecutionClaim:  m.ExecutionClaim,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		ExpiresAt:       m.ExpiresAt,
	}
}

func (m *approvalModel) toApproval() *Approval {
	return &Approval{
		RequestID:  m.RequestID,
		ApproverID: m.ApproverID,
		Signature:  m.Signature,
		CreatedAt:  m.CreatedAt,
	}
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
