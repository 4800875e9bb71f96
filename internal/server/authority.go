package server

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/coordinator"
	"github.com/glinharesb/quorum-vault/internal/store"
)

type AuthorityServer struct {
	pb.UnimplementedAuthorityServiceServer
	svc *coordinator.Service
}

func NewAuthorityServer(svc *coordinator.Service) *AuthorityServer {
	return &AuthorityServer{svc: svc}
}

func (s *AuthorityServer) CreateRequest(ctx context.Context, req *pb.CreateRequestRequest) (*pb.CreateRequestResponse, error) {
	r, err := s.svc.CreateRequest(ctx, coordinator.CreateParams{
		ActionType:  req.ActionType,
		Digest:      req.Digest,
		RequesterID: req.RequesterID,
		SubjectName: req.SubjectName,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.CreateRequestResponse{Request: requestToProto(r)}, nil
}

func (s *AuthorityServer) SubmitApproval(ctx context.Context, req *pb.SubmitApprovalRequest) (*pb.SubmitApprovalResponse, error) {
	if req.RequestID == "" || req.ApproverID == "" || len(req.Signature) == 0 {
		return nil, status.Error(codes.InvalidArgument, "request_id, approver_id and signature are required")
	}
	res, err := s.svc.SubmitApproval(ctx, req.RequestID, req.ApproverID, req.Signature)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.SubmitApprovalResponse{
		RequestID: res.RequestID,
		Status:    res.Status.String(),
		Tally:     res.Tally,
		Threshold: res.Threshold,
		Duplicate: res.Duplicate,
		LastError: res.LastError,
	}, nil
}

func (s *AuthorityServer) GetRequest(ctx context.Context, req *pb.GetRequestRequest) (*pb.GetRequestResponse, error) {
	view, err := s.svc.GetRequest(ctx, req.RequestID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &pb.GetRequestResponse{
		Request:   requestToProto(view.Request),
		Tally:     view.Tally,
		Threshold: view.Threshold,
		Counted:   view.Counted,
	}
	for _, a := range view.Approvals {
		resp.Approvals = append(resp.Approvals, &pb.Approval{
			ApproverID: a.ApproverID,
			Signature:  a.Signature,
			CreatedAt:  a.CreatedAt,
		})
	}
	for _, a := range view.Attempts {
		resp.Attempts = append(resp.Attempts, &pb.ExecutionAttempt{
			ID:         a.ID,
			Outcome:    a.Outcome.String(),
			Error:      a.Error,
			StartedAt:  a.StartedAt,
			FinishedAt: a.FinishedAt,
		})
	}
	return resp, nil
}

func (s *AuthorityServer) FetchResult(ctx context.Context, req *pb.FetchResultRequest) (*pb.FetchResultResponse, error) {
	res, err := s.svc.FetchResult(ctx, req.RequestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return resultToProto(res), nil
}

func (s *AuthorityServer) RejectRequest(ctx context.Context, req *pb.RejectRequestRequest) (*pb.RejectRequestResponse, error) {
	r, err := s.svc.RejectRequest(ctx, req.RequestID, req.ActorID, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.RejectRequestResponse{Request: requestToProto(r)}, nil
}

func (s *AuthorityServer) RetryRequest(ctx context.Context, req *pb.RetryRequestRequest) (*pb.RetryRequestResponse, error) {
	res, err := s.svc.RetryExecution(ctx, req.RequestID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.RetryRequestResponse{Result: resultToProto(res)}, nil
}

func (s *AuthorityServer) ListRequests(ctx context.Context, req *pb.ListRequestsRequest) (*pb.ListRequestsResponse, error) {
	f := store.RequestFilter{
		ActionType:  req.ActionType,
		RequesterID: req.RequesterID,
		Limit:       req.Limit,
	}
	if req.Status != "" {
		st, ok := store.ParseStatus(req.Status)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", req.Status)
		}
		f.Status = st
	}
	list, err := s.svc.ListRequests(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.ListRequestsResponse{Requests: requestsToProto(list)}, nil
}
