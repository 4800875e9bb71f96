package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict is returned when a conditional update finds the record in
	// a state other than the one the caller expected.
	ErrConflict = errors.New("conditional update lost")
)

// Operation is the privileged operation an action type authorizes.
type Operation int

const (
	OperationSign Operation = iota + 1
	OperationGenerateKey
)

func (o Operation) String() string {
	switch o {
	case OperationSign:
		return "SIGN"
	case OperationGenerateKey:
		return "GENERATE_KEY"
	default:
		return "UNKNOWN"
	}
}

// ParseOperation accepts the manifest spelling of an operation.
func ParseOperation(s string) (Operation, bool) {
	switch s {
	case "sign", "SIGN":
		return OperationSign, true
	case "generate-key", "GENERATE_KEY":
		return OperationGenerateKey, true
	default:
		return 0, false
	}
}

// Status is the lifecycle state of a signing request.
type Status int

const (
	StatusPending Status = iota + 1
	StatusApproved
	StatusExecuted
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusApproved:
		return "APPROVED"
	case StatusExecuted:
		return "EXECUTED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus is the case-insensitive inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusPending; st <= StatusExpired; st++ {
		if strings.EqualFold(s, st.String()) {
			return st, true
		}
	}
	return 0, false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusExpired
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected || to == StatusExpired
	case StatusApproved:
		return to == StatusExecuted || to == StatusRejected
	default:
		return false
	}
}

// User is a registered approver or requester.
type User struct {
	ID           string
	DisplayName  string
	PublicKeyPEM string
	Roles        []string
	Revoked      bool
	CreatedAt    time.Time
	RevokedAt    time.Time
}

func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// ActionType defines a privileged operation and its approval policy.
type ActionType struct {
	Name            string
	Description     string
	Operation       Operation
	Threshold       int
	EligibleRole    string
	EligibleUsers   []string
	DigestAlgorithm string
	KeyRef          string
	KeyCurve        string
	Format          string
	TTL             time.Duration
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SigningRequest is a proposal to perform an action type's operation.
type SigningRequest struct {
	ID              string
	ActionType      string
	DigestAlgorithm string
	Digest          []byte
	SubjectName     string
	RequesterID     string
	Status          Status
	Reason          string
	ExecutionClaim  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether a pending request has outlived its TTL at now.
func (r *SigningRequest) Expired(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Approval is one approver's signature over a request.
type Approval struct {
	RequestID  string
	ApproverID string
	Signature  []byte
	CreatedAt  time.Time
}

// SigningResult is the output of a successful device operation.
type SigningResult struct {
	RequestID string
	Format    string
	Raw       []byte
	Artifact  []byte
	CreatedAt time.Time
}

// AttemptOutcome classifies a device invocation.
type AttemptOutcome int

const (
	AttemptSuccess AttemptOutcome = iota + 1
	AttemptTransient
	AttemptRejected
	AttemptAmbiguous
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptSuccess:
		return "SUCCESS"
	case AttemptTransient:
		return "TRANSIENT"
	case AttemptRejected:
		return "REJECTED"
	case AttemptAmbiguous:
		return "AMBIGUOUS"
	default:
		return "UNKNOWN"
	}
}

// ExecutionAttempt records one device invocation for a request.
type ExecutionAttempt struct {
	ID         string
	RequestID  string
	Outcome    AttemptOutcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	Status      Status
	ActionType  string
	RequesterID string
	Limit       int
}

func (f RequestFilter) match(r *SigningRequest) bool {
	if f.Status != 0 && r.Status != f.Status {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	return true
}

// Store persists users, action types, requests, approvals and results.
// Every status change is a conditional update so concurrent callers
// cannot both perform the same transition.
type Store interface {
	PutUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	RevokeUser(ctx context.Context, id string, at time.Time) error

	PutActionType(ctx context.Context, at *ActionType) error
	GetActionType(ctx context.Context, name string) (*ActionType, error)
	ListActionTypes(ctx context.Context) ([]*ActionType, error)

	CreateRequest(ctx context.Context, r *SigningRequest) error
	GetRequest(ctx context.Context, id string) (*SigningRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*SigningRequest, error)
	// Transition moves a request from one status to another and fails with
	// ErrConflict if the stored status is not from.
	Transition(ctx context.Context, id string, from, to Status, reason string, at time.Time) error

	// ClaimExecution marks an approved, unclaimed request as being executed
	// by the holder of claim.
	ClaimExecution(ctx context.Context, id, claim string, at time.Time) error
	ReleaseExecution(ctx context.Context, id, claim string) error
	// CompleteExecution stores the result and moves the claimed request to
	// Executed in a single atomic step.
	CompleteExecution(ctx context.Context, res *SigningResult, claim string) error
	// FailExecution moves the claimed request from Approved to Rejected.
	FailExecution(ctx context.Context, id, claim, reason string, at time.Time) error

	AddApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, requestID, approverID string) (*Approval, error)
	ListApprovals(ctx context.Context, requestID string) ([]*Approval, error)

	GetResult(ctx context.Context, requestID string) (*SigningResult, error)

	RecordAttempt(ctx context.Context, a *ExecutionAttempt) error
	ListAttempts(ctx context.Context, requestID string) ([]*ExecutionAttempt, error)

	Close() error
}
