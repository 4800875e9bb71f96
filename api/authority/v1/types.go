package authorityv1

import "time"

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name,omitempty"`
	PublicKeyPEM string    `json:"public_key_pem"`
	Roles        []string  `json:"roles,omitempty"`
	Revoked      bool      `json:"revoked,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ActionType struct {
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Operation       string    `json:"operation"`
	Threshold       int       `json:"threshold"`
	EligibleRole    string    `json:"eligible_role,omitempty"`
	EligibleUsers   []string  `json:"eligible_users,omitempty"`
	DigestAlgorithm string    `json:"digest_algorithm,omitempty"`
	KeyRef          string    `json:"key_ref"`
	KeyCurve        string    `json:"key_curve"`
	Format          string    `json:"format"`
	TTLSeconds      int64     `json:"ttl_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type SigningRequest struct {
	ID              string    `json:"id"`
	ActionType      string    `json:"action_type"`
	DigestAlgorithm string    `json:"digest_algorithm,omitempty"`
	Digest          []byte    `json:"digest,omitempty"`
	SubjectName     string    `json:"subject_name,omitempty"`
	RequesterID     string    `json:"requester_id"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Executing       bool      `json:"executing,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type Approval struct {
	ApproverID string    `json:"approver_id"`
	Signature  []byte    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}

type ExecutionAttempt struct {
	ID         string    `json:"id"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type CreateRequestRequest struct {
	ActionType  string `json:"action_type"`
	Digest      []byte `json:"digest,omitempty"`
	RequesterID string `json:"requester_id"`
	SubjectName string `json:"subject_name,omitempty"`
}

type CreateRequestResponse struct {
	Request *SigningRequest `json:"request"`
}

type SubmitApprovalRequest struct {
	RequestID  string `json:"request_id"`
	ApproverID string `json:"approver_id"`
	Signature  []byte `json:"signature"`
}

type SubmitApprovalResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Tally     int    `json:"tally"`
	Threshold int    `json:"threshold"`
	Duplicate bool   `json:"duplicate,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type GetRequestRequest struct {
	RequestID string `json:"request_id"`
}

type GetRequestResponse struct {
	Request   *SigningRequest     `json:"request"`
	Approvals []*Approval         `json:"approvals,omitempty"`
	Attempts  []*ExecutionAttempt `json:"attempts,omitempty"`
	Tally     int                 `json:"tally"`
	Threshold int                 `json:"threshold"`
	Counted   []string            `json:"counted,omitempty"`
}

type FetchResultRequest struct {
	RequestID string `json:"request_id"`
}

type FetchResultResponse struct {
	RequestID string    `json:"request_id"`
	Format    string    `json:"format"`
	Artifact  []byte    `json:"artifact"`
	CreatedAt time.Time `json:"created_at"`
}

type RejectRequestRequest struct {
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason,omitempty"`
}

type RejectRequestResponse struct {
	Request *SigningRequest `json:"request"`
}

type RetryRequestRequest struct {
	RequestID string `json:"request_id"`
}

type RetryRequestResponse struct {
	Result *FetchResultResponse `json:"result"`
}

type ListRequestsRequest struct {
	Status      string `json:"status,omitempty"`
	ActionType  string `json:"action_type,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

type ListRequestsResponse struct {
	Requests []*SigningRequest `json:"requests"`
}

type ListUsersRequest struct{}

type ListUsersResponse struct {
	Users []*User `json:"users"`
}

type RegisterUserRequest struct {
	User *User `json:"user"`
}

type RegisterUserResponse struct {
	User *User `json:"user"`
}

type RevokeUserRequest struct {
	UserID string `json:"user_id"`
}

type RevokeUserResponse struct{}

type ListActionTypesRequest struct{}

type ListActionTypesResponse struct {
	ActionTypes []*ActionType `json:"action_types"`
}

type PutActionTypeRequest struct {
	ActionType *ActionType `json:"action_type"`
}

type PutActionTypeResponse struct {
	ActionType *ActionType `json:"action_type"`
}

type ReleaseExecutionRequest struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor,omitempty"`
}

type ReleaseExecutionResponse struct{}

type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	RequestID string            `json:"request_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type QueryAuditRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Limit     int       `json:"limit,omitempty"`
}

type QueryAuditResponse struct {
	Entries []*AuditEntry `json:"entries"`
}

type StreamAuditRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// GetRequestID reports the signing request a call concerns, for log
// correlation in interceptors.
func (r *SubmitApprovalRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}

func (r *GetRequestRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}

func (r *FetchResultRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}

func (r *RejectRequestRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}

func (r *RetryRequestRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}

func (r *ReleaseExecutionRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}

func (r *StreamAuditRequest) GetRequestID() string {
	if r == nil {
		return ""
	}
	return r.RequestID
}
