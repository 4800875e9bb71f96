package server

import (
	"context"

	pb "github.com/glinharesb/quorum-vault/api/authority/v1"
	"github.com/glinharesb/quorum-vault/internal/audit"
)

type AuditServer struct {
	logger *audit.Logger
}

func NewAuditServer(logger *audit.Logger) *AuditServer {
	return &AuditServer{logger: logger}
}

func (s *AuditServer) QueryAudit(ctx context.Context, req *pb.QueryAuditRequest) (*pb.QueryAuditResponse, error) {
	entries := s.logger.Query(audit.Filter{
		RequestID: req.RequestID,
		Operation: req.Operation,
		Actor:     req.Actor,
		Start:     req.Start,
		End:       req.End,
		Limit:     req.Limit,
	})

	pbEntries := make([]*pb.AuditEntry, 0, len(entries))
	for _, e := range entries {
		pbEntries = append(pbEntries, auditEntryToProto(e))
	}

	return &pb.QueryAuditResponse{Entries: pbEntries}, nil
}

func (s *AuditServer) StreamAudit(req *pb.StreamAuditRequest, stream pb.AuditService_StreamAuditServer) error {
	sub := s.logger.Subscribe()
	defer s.logger.Unsubscribe(sub)

	filter := audit.Filter{RequestID: req.RequestID, Operation: req.Operation}
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case entry, ok := <-sub.C:
			if !ok {
				return nil
			}
			if !filter.Match(entry) {
				continue
			}
			if err := stream.Send(auditEntryToProto(entry)); err != nil {
				return err
			}
		}
	}
}

func auditEntryToProto(e audit.Entry) *pb.AuditEntry {
	return &pb.AuditEntry{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Operation: e.Operation,
		RequestID: e.RequestID,
		Actor:     e.Actor,
		Status:    e.Status,
		Metadata:  e.Metadata,
	}
}
