package authorityv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	AuthorityServiceName = "quorum.v1.AuthorityService"
	AdminServiceName     = "quorum.v1.AdminService"
	AuditServiceName     = "quorum.v1.AuditService"
)

// unary builds a method handler that decodes Req and calls fn through the
// server's interceptor chain.
func unary[S any, Req any, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// AuthorityService

type AuthorityServiceServer interface {
	CreateRequest(context.Context, *CreateRequestRequest) (*CreateRequestResponse, error)
	SubmitApproval(context.Context, *SubmitApprovalRequest) (*SubmitApprovalResponse, error)
	GetRequest(context.Context, *GetRequestRequest) (*GetRequestResponse, error)
	FetchResult(context.Context, *FetchResultRequest) (*FetchResultResponse, error)
	RejectRequest(context.Context, *RejectRequestRequest) (*RejectRequestResponse, error)
	RetryRequest(context.Context, *RetryRequestRequest) (*RetryRequestResponse, error)
	ListRequests(context.Context, *ListRequestsRequest) (*ListRequestsResponse, error)
}

type UnimplementedAuthorityServiceServer struct{}

func (UnimplementedAuthorityServiceServer) CreateRequest(context.Context, *CreateRequestRequest) (*CreateRequestResponse, error) {
	return nil, unimplemented("CreateRequest")
}
func (UnimplementedAuthorityServiceServer) SubmitApproval(context.Context, *SubmitApprovalRequest) (*SubmitApprovalResponse, error) {
	return nil, unimplemented("SubmitApproval")
}
func (UnimplementedAuthorityServiceServer) GetRequest(context.Context, *GetRequestRequest) (*GetRequestResponse, error) {
	return nil, unimplemented("GetRequest")
}
func (UnimplementedAuthorityServiceServer) FetchResult(context.Context, *FetchResultRequest) (*FetchResultResponse, error) {
	return nil, unimplemented("FetchResult")
}
func (UnimplementedAuthorityServiceServer) RejectRequest(context.Context, *RejectRequestRequest) (*RejectRequestResponse, error) {
	return nil, unimplemented("RejectRequest")
}
func (UnimplementedAuthorityServiceServer) RetryRequest(context.Context, *RetryRequestRequest) (*RetryRequestResponse, error) {
	return nil, unimplemented("RetryRequest")
}
func (UnimplementedAuthorityServiceServer) ListRequests(context.Context, *ListRequestsRequest) (*ListRequestsResponse, error) {
	return nil, unimplemented("ListRequests")
}

var AuthorityService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthorityServiceName,
	HandlerType: (*AuthorityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AuthorityServiceName, "CreateRequest", AuthorityServiceServer.CreateRequest),
		unary(AuthorityServiceName, "SubmitApproval", AuthorityServiceServer.SubmitApproval),
		unary(AuthorityServiceName, "GetRequest", AuthorityServiceServer.GetRequest),
		unary(AuthorityServiceName, "FetchResult", AuthorityServiceServer.FetchResult),
		unary(AuthorityServiceName, "RejectRequest", AuthorityServiceServer.RejectRequest),
		unary(AuthorityServiceName, "RetryRequest", AuthorityServiceServer.RetryRequest),
		unary(AuthorityServiceName, "ListRequests", AuthorityServiceServer.ListRequests),
	},
	Metadata: "quorum/v1/authority.proto",
}

func RegisterAuthorityServiceServer(s grpc.ServiceRegistrar, srv AuthorityServiceServer) {
	s.RegisterService(&AuthorityService_ServiceDesc, srv)
}

type AuthorityServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAuthorityServiceClient(cc grpc.ClientConnInterface) *AuthorityServiceClient {
	return &AuthorityServiceClient{cc: cc}
}

func (c *AuthorityServiceClient) CreateRequest(ctx context.Context, in *CreateRequestRequest, opts ...grpc.CallOption) (*CreateRequestResponse, error) {
	return invoke[CreateRequestResponse](ctx, c.cc, AuthorityServiceName, "CreateRequest", in, opts...)
}

func (c *AuthorityServiceClient) SubmitApproval(ctx context.Context, in *SubmitApprovalRequest, opts ...grpc.CallOption) (*SubmitApprovalResponse, error) {
	return invoke[SubmitApprovalResponse](ctx, c.cc, AuthorityServiceName, "SubmitApproval", in, opts...)
}

func (c *AuthorityServiceClient) GetRequest(ctx context.Context, in *GetRequestRequest, opts ...grpc.CallOption) (*GetRequestResponse, error) {
	return invoke[GetRequestResponse](ctx, c.cc, AuthorityServiceName, "GetRequest", in, opts...)
}

func (c *AuthorityServiceClient) FetchResult(ctx context.Context, in *FetchResultRequest, opts ...grpc.CallOption) (*FetchResultResponse, error) {
	return invoke[FetchResultResponse](ctx, c.cc, AuthorityServiceName, "FetchResult", in, opts...)
}

func (c *AuthorityServiceClient) RejectRequest(ctx context.Context, in *RejectRequestRequest, opts ...grpc.CallOption) (*RejectRequestResponse, error) {
	return invoke[RejectRequestResponse](ctx, c.cc, AuthorityServiceName, "RejectRequest", in, opts...)
}

func (c *AuthorityServiceClient) RetryRequest(ctx context.Context, in *RetryRequestRequest, opts ...grpc.CallOption) (*RetryRequestResponse, error) {
	return invoke[RetryRequestResponse](ctx, c.cc, AuthorityServiceName, "RetryRequest", in, opts...)
}

func (c *AuthorityServiceClient) ListRequests(ctx context.Context, in *ListRequestsRequest, opts ...grpc.CallOption) (*ListRequestsResponse, error) {
	return invoke[ListRequestsResponse](ctx, c.cc, AuthorityServiceName, "ListRequests", in, opts...)
}

// AdminService

type AdminServiceServer interface {
	ListUsers(context.Context, *ListUsersRequest) (*ListUsersResponse, error)
	RegisterUser(context.Context, *RegisterUserRequest) (*RegisterUserResponse, error)
	RevokeUser(context.Context, *RevokeUserRequest) (*RevokeUserResponse, error)
	ListActionTypes(context.Context, *ListActionTypesRequest) (*ListActionTypesResponse, error)
	PutActionType(context.Context, *PutActionTypeRequest) (*PutActionTypeResponse, error)
	ReleaseExecution(context.Context, *ReleaseExecutionRequest) (*ReleaseExecutionResponse, error)
}

var AdminService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "ListUsers", AdminServiceServer.ListUsers),
		unary(AdminServiceName, "RegisterUser", AdminServiceServer.RegisterUser),
		unary(AdminServiceName, "RevokeUser", AdminServiceServer.RevokeUser),
		unary(AdminServiceName, "ListActionTypes", AdminServiceServer.ListActionTypes),
		unary(AdminServiceName, "PutActionType", AdminServiceServer.PutActionType),
		unary(AdminServiceName, "ReleaseExecution", AdminServiceServer.ReleaseExecution),
	},
	Metadata: "quorum/v1/admin.proto",
}

func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv AdminServiceServer) {
	s.RegisterService(&AdminService_ServiceDesc, srv)
}

type AdminServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminServiceClient(cc grpc.ClientConnInterface) *AdminServiceClient {
	return &AdminServiceClient{cc: cc}
}

func (c *AdminServiceClient) ListUsers(ctx context.Context, in *ListUsersRequest, opts ...grpc.CallOption) (*ListUsersResponse, error) {
	return invoke[ListUsersResponse](ctx, c.cc, AdminServiceName, "ListUsers", in, opts...)
}

func (c *AdminServiceClient) RegisterUser(ctx context.Context, in *RegisterUserRequest, opts ...grpc.CallOption) (*RegisterUserResponse, error) {
	return invoke[RegisterUserResponse](ctx, c.cc, AdminServiceName, "RegisterUser", in, opts...)
}

func (c *AdminServiceClient) RevokeUser(ctx context.Context, in *RevokeUserRequest, opts ...grpc.CallOption) (*RevokeUserResponse, error) {
	return invoke[RevokeUserResponse](ctx, c.cc, AdminServiceName, "RevokeUser", in, opts...)
}

func (c *AdminServiceClient) ListActionTypes(ctx context.Context, in *ListActionTypesRequest, opts ...grpc.CallOption) (*ListActionTypesResponse, error) {
	return invoke[ListActionTypesResponse](ctx, c.cc, AdminServiceName, "ListActionTypes", in, opts...)
}

func (c *AdminServiceClient) PutActionType(ctx context.Context, in *PutActionTypeRequest, opts ...grpc.CallOption) (*PutActionTypeResponse, error) {
	return invoke[PutActionTypeResponse](ctx, c.cc, AdminServiceName, "PutActionType", in, opts...)
}

func (c *AdminServiceClient) ReleaseExecution(ctx context.Context, in *ReleaseExecutionRequest, opts ...grpc.CallOption) (*ReleaseExecutionResponse, error) {
	return invoke[ReleaseExecutionResponse](ctx, c.cc, AdminServiceName, "ReleaseExecution", in, opts...)
}

// AuditService

type AuditService_StreamAuditServer = grpc.ServerStreamingServer[AuditEntry]
type AuditService_StreamAuditClient = grpc.ServerStreamingClient[AuditEntry]

type AuditServiceServer interface {
	QueryAudit(context.Context, *QueryAuditRequest) (*QueryAuditResponse, error)
	StreamAudit(*StreamAuditRequest, AuditService_StreamAuditServer) error
}

func streamAuditHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamAuditRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AuditServiceServer).StreamAudit(in, &grpc.GenericServerStream[StreamAuditRequest, AuditEntry]{ServerStream: stream})
}

var AuditService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AuditServiceName,
	HandlerType: (*AuditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AuditServiceName, "QueryAudit", AuditServiceServer.QueryAudit),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamAudit",
		Handler:       streamAuditHandler,
		ServerStreams: true,
	}},
	Metadata: "quorum/v1/audit.proto",
}

func RegisterAuditServiceServer(s grpc.ServiceRegistrar, srv AuditServiceServer) {
	s.RegisterService(&AuditService_ServiceDesc, srv)
}

type AuditServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAuditServiceClient(cc grpc.ClientConnInterface) *AuditServiceClient {
	return &AuditServiceClient{cc: cc}
}

func (c *AuditServiceClient) QueryAudit(ctx context.Context, in *QueryAuditRequest, opts ...grpc.CallOption) (*QueryAuditResponse, error) {
	return invoke[QueryAuditResponse](ctx, c.cc, AuditServiceName, "QueryAudit", in, opts...)
}

func (c *AuditServiceClient) StreamAudit(ctx context.Context, in *StreamAuditRequest, opts ...grpc.CallOption) (AuditService_StreamAuditClient, error) {
	stream, err := c.cc.NewStream(ctx, &AuditService_ServiceDesc.Streams[0], "/"+AuditServiceName+"/StreamAudit", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[StreamAuditRequest, AuditEntry]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
