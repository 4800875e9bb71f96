package server

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/coordinator"
)

type AdminServer struct {
	svc *coordinator.Service
}

func NewAdminServer(svc *coordinator.Service) *AdminServer {
	return &AdminServer{svc: svc}
}

func (s *AdminServer) ListUsers(ctx context.Context, _ *pb.ListUsersRequest) (*pb.ListUsersResponse, error) {
	users, err := s.svc.ListUsers(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &pb.ListUsersResponse{Users: make([]*pb.User, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, userToProto(u))
	}
	return resp, nil
}

func (s *AdminServer) RegisterUser(ctx context.Context, req *pb.RegisterUserRequest) (*pb.RegisterUserResponse, error) {
	if req.User == nil {
		return nil, status.Error(codes.InvalidArgument, "user is required")
	}
	u, err := s.svc.RegisterUser(ctx, userFromProto(req.User))
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.RegisterUserResponse{User: userToProto(u)}, nil
}

func (s *AdminServer) RevokeUser(ctx context.Context, req *pb.RevokeUserRequest) (*pb.RevokeUserResponse, error) {
	if err := s.svc.RevokeUser(ctx, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	return &pb.RevokeUserResponse{}, nil
}

func (s *AdminServer) ListActionTypes(ctx context.Context, _ *pb.ListActionTypesRequest) (*pb.ListActionTypesResponse, error) {
	list, err := s.svc.ListActionTypes(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &pb.ListActionTypesResponse{ActionTypes: make([]*pb.ActionType, 0, len(list))}
	for _, at := range list {
		resp.ActionTypes = append(resp.ActionTypes, actionTypeToProto(at))
	}
	return resp, nil
}

func (s *AdminServer) PutActionType(ctx context.Context, req *pb.PutActionTypeRequest) (*pb.PutActionTypeResponse, error) {
	if req.ActionType == nil {
		return nil, status.Error(codes.InvalidArgument, "action_type is required")
	}
	at, ok := ActionTypeFromProto(req.ActionType)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown operation %q", req.ActionType.Operation)
	}
	stored, err := s.svc.PutActionType(ctx, at)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.PutActionTypeResponse{ActionType: actionTypeToProto(stored)}, nil
}

func (s *AdminServer) ReleaseExecution(ctx context.Context, req *pb.ReleaseExecutionRequest) (*pb.ReleaseExecutionResponse, error) {
	if err := s.svc.ReleaseExecution(ctx, req.RequestID, req.Actor); err != nil {
		return nil, toStatus(err)
	}
	return &pb.ReleaseExecutionResponse{}, nil
}
