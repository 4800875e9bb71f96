package server

import (
	"time"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/store"
)

func requestToProto(r *store.SigningRequest) *pb.SigningRequest {
	return &pb.SigningRequest{
		ID:              r.ID,
		ActionType:      r.ActionType,
		DigestAlgorithm: r.DigestAlgorithm,
		Digest:          r.Digest,
		SubjectName:     r.SubjectName,
		RequesterID:     r.RequesterID,
		Status:          r.Status.String(),
		Reason:          r.Reason,
		Executing:       r.ExecutionClaim != "",
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func requestsToProto(list []*store.SigningRequest) []*pb.SigningRequest {
	out := make([]*pb.SigningRequest, 0, len(list))
	for _, r := range list {
		out = append(out, requestToProto(r))
	}
	return out
}

func resultToProto(r *store.SigningResult) *pb.FetchResultResponse {
	return &pb.FetchResultResponse{
		RequestID: r.RequestID,
		Format:    r.Format,
		Artifact:  r.Artifact,
		CreatedAt: r.CreatedAt,
	}
}

func userToProto(u *store.User) *pb.User {
	return &pb.User{
		ID:           u.ID,
		DisplayName:  u.DisplayName,
		PublicKeyPEM: u.PublicKeyPEM,
		Roles:        u.Roles,
		Revoked:      u.Revoked,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromProto(u *pb.User) *store.User {
	return &store.User{
		ID:           u.ID,
		DisplayName:  u.DisplayName,
		PublicKeyPEM: u.PublicKeyPEM,
		Roles:        u.Roles,
	}
}

func actionTypeToProto(at *store.ActionType) *pb.ActionType {
	return &pb.ActionType{
		Name:            at.Name,
		Description:     at.Description,
		Operation:       at.Operation.String(),
		Threshold:       at.Threshold,
		EligibleRole:    at.EligibleRole,
		EligibleUsers:   at.EligibleUsers,
		DigestAlgorithm: at.DigestAlgorithm,
		KeyRef:          at.KeyRef,
		KeyCurve:        at.KeyCurve,
		Format:          at.Format,
		TTLSeconds:      int64(at.TTL / time.Second),
		CreatedAt:       at.CreatedAt,
		UpdatedAt:       at.UpdatedAt,
	}
}

// ActionTypeFromProto converts a wire action type; ok is false for an
// unknown operation.
func ActionTypeFromProto(at *pb.ActionType) (*store.ActionType, bool) {
	operation, ok := store.ParseOperation(at.Operation)
	if !ok {
		return nil, false
	}
	return &store.ActionType{
		Name:            at.Name,
		Description:     at.Description,
		Operation:       operation,
		Threshold:       at.Threshold,
		EligibleRole:    at.EligibleRole,
		EligibleUsers:   at.EligibleUsers,
		DigestAlgorithm: at.DigestAlgorithm,
		KeyRef:          at.KeyRef,
		KeyCurve:        at.KeyCurve,
		Format:          at.Format,
		TTL:             time.Duration(at.TTLSeconds) * time.Second,
	}, true
}
