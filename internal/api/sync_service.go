package api

import (
	"context"

	"github.com/matheus3301/nostrdm/internal/messaging"
	"google.golang.org/protobuf/types/known/structpb"
)

// SyncService implements the SyncService gRPC service.
type SyncService struct {
	syncer  *messaging.Syncer
	account *Account
}

// NewSyncService creates a new sync service.
func NewSyncService(syncer *messaging.Syncer, account *Account) *SyncService {
	return &SyncService{syncer: syncer, account: account}
}

func (s *SyncService) GetSyncStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := s.syncer.Status()
	resp := SyncStatusResponse{
		Running:     st.Running,
		IntervalMs:  st.Interval.Milliseconds(),
		EmptyCycles: st.EmptyCycles,
		LastNew:     st.LastNew,
		LastError:   st.LastError,
	}
	if !st.LastCycleAt.IsZero() {
		resp.LastCycleAtUnixMs = st.LastCycleAt.UnixMilli()
	}
	return toStruct(resp)
}

func (s *SyncService) StartSync(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sg, err := s.account.Signer()
	if err != nil {
		return nil, toStatus("start sync", err)
	}
	if !s.syncer.Start(sg) {
		return toStruct(StartSyncResponse{Started: false, Message: "already syncing"})
	}
	return toStruct(StartSyncResponse{Started: true, Message: "sync started"})
}

func (s *SyncService) StopSync(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.syncer.Stop()
	return toStruct(Empty{})
}
