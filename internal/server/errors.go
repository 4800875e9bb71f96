package server

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/glinharesb/quorum-vault/internal/errs"
)

// toStatus maps a component error to a gRPC status. Internal errors carry
// no detail to the client.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := errs.KindOf(err)
	code := codeFor(kind)
	if code == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Errorf(code, "%s: %v", kind, err)
}

func codeFor(kind errs.Kind) codes.Code {
	switch kind {
	case errs.UnknownRequest, errs.UnknownUser:
		return codes.NotFound
	case errs.RequestNotPending, errs.NotReady, errs.Conflict:
		return codes.FailedPrecondition
	case errs.UnauthorizedApprover:
		return codes.PermissionDenied
	case errs.BadSignature, errs.InvalidPayload, errs.UnsupportedActionType:
		return codes.InvalidArgument
	case errs.DuplicateApproval, errs.AlreadyExists:
		return codes.AlreadyExists
	case errs.DeviceUnreachable, errs.DeviceAuth, errs.StorageUnavailable:
		return codes.Unavailable
	case errs.DeviceRejected, errs.MalformedRawSignature, errs.ExecutionAmbiguous:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
