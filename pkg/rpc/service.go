package rpc

import (
	"encoding/json"
	"time"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus"
	"github.com/openebs/mayastor/pkg/nexus/ana"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
)

// NexusService binds the registry to the RPC surface. The configured
// API version selects the error vocabulary: the legacy generation
// reports some well-categorized failures as internal errors and
// tolerates destroying a nexus that does not exist.
type NexusService struct {
	registry *nexus.Registry
	version  nexus.APIVersion
}

func NewNexusService(registry *nexus.Registry, version nexus.APIVersion) *NexusService {
	return &NexusService{registry: registry, version: version}
}

// RegisterAll installs every method on the server.
func (svc *NexusService) RegisterAll(s *Server) {
	s.Handle("nexus_create", svc.CreateNexus)
	s.Handle("nexus_destroy", svc.DestroyNexus)
	s.Handle("nexus_shutdown", svc.ShutdownNexus)
	s.Handle("nexus_list", svc.ListNexus)
	s.Handle("nexus_add_child", svc.AddChild)
	s.Handle("nexus_remove_child", svc.RemoveChild)
	s.Handle("nexus_child_operation", svc.ChildOperation)
	s.Handle("nexus_publish", svc.PublishNexus)
	s.Handle("nexus_unpublish", svc.UnpublishNexus)
	s.Handle("nexus_get_ana_state", svc.GetAnaState)
	s.Handle("nexus_set_ana_state", svc.SetAnaState)
	s.Handle("nexus_start_rebuild", svc.StartRebuild)
	s.Handle("nexus_pause_rebuild", svc.PauseRebuild)
	s.Handle("nexus_resume_rebuild", svc.ResumeRebuild)
	s.Handle("nexus_stop_rebuild", svc.StopRebuild)
	s.Handle("nexus_get_rebuild_state", svc.GetRebuildState)
	s.Handle("nexus_get_rebuild_stats", svc.GetRebuildStats)
	s.Handle("nexus_get_rebuild_history", svc.GetRebuildHistory)
}

// err maps a core error into the wire vocabulary of the configured API
// generation.
func (svc *NexusService) err(err error) *RPCError {
	if err == nil {
		return nil
	}
	code := nexus.MapCode(svc.version, nexus.CodeOf(err))
	return &RPCError{Code: wireCode(code), Message: err.Error()}
}

func decode(params json.RawMessage, v interface{}) *RPCError {
	if len(params) == 0 {
		return &RPCError{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (svc *NexusService) CreateNexus(params json.RawMessage) (interface{}, error) {
	var req CreateNexusReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	resvType, err := parseResvType(req.ResvType)
	if err != nil {
		return nil, svc.err(err)
	}
	n, err := svc.registry.Create(nexus.Options{
		Name:         req.Name,
		UUID:         req.UUID,
		Size:         req.Size,
		MinCntlID:    req.MinCntlID,
		MaxCntlID:    req.MaxCntlID,
		ResvKey:      req.ResvKey,
		PreemptKey:   req.PreemptKey,
		ResvType:     resvType,
		Children:     req.Children,
		NexusInfoKey: req.NexusInfoKey,
	})
	if err != nil {
		return nil, svc.err(err)
	}
	return svc.wireNexus(n), nil
}

func (svc *NexusService) DestroyNexus(params json.RawMessage) (interface{}, error) {
	var req DestroyNexusReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	err := svc.registry.Destroy(req.UUID)
	if err != nil && nexus.CodeOf(err) == nexus.CodeNotFound && !nexus.DestroyMissingIsError(svc.version) {
		err = nil
	}
	if err != nil {
		return nil, svc.err(err)
	}
	return struct{}{}, nil
}

func (svc *NexusService) ShutdownNexus(params json.RawMessage) (interface{}, error) {
	var req ShutdownNexusReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	if err = n.Shutdown(); err != nil {
		return nil, svc.err(err)
	}
	return svc.wireNexus(n), nil
}

func (svc *NexusService) ListNexus(params json.RawMessage) (interface{}, error) {
	var req ListNexusReq
	if len(params) > 0 {
		if rpcErr := decode(params, &req); rpcErr != nil {
			return nil, rpcErr
		}
	}
	resp := ListNexusResp{NexusList: []Nexus{}}
	for _, n := range svc.registry.List(req.Name) {
		resp.NexusList = append(resp.NexusList, svc.wireNexus(n))
	}
	return resp, nil
}

func (svc *NexusService) AddChild(params json.RawMessage) (interface{}, error) {
	var req AddChildReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	if _, err = n.AddChild(req.URI, svc.registry.Resolver(), req.NoRebuild); err != nil {
		return nil, svc.err(err)
	}
	return svc.wireNexus(n), nil
}

func (svc *NexusService) RemoveChild(params json.RawMessage) (interface{}, error) {
	var req RemoveChildReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	if err = n.RemoveChild(req.URI); err != nil {
		return nil, svc.err(err)
	}
	return svc.wireNexus(n), nil
}

func (svc *NexusService) ChildOperation(params json.RawMessage) (interface{}, error) {
	var req ChildOperationReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	action, err := nexus.ParseChildAction(req.Action)
	if err != nil {
		return nil, svc.err(err)
	}
	if err = n.ChildOperation(req.URI, action); err != nil {
		return nil, svc.err(err)
	}
	return svc.wireNexus(n), nil
}

func (svc *NexusService) PublishNexus(params json.RawMessage) (interface{}, error) {
	var req PublishNexusReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	proto, err := nexus.ParseProtocol(req.Protocol)
	if err != nil {
		return nil, svc.err(nexus.WrapErr(nexus.CodeInvalidArgument, err, "publish nexus %s", req.UUID))
	}
	uri, err := n.Publish(nexus.PublishOptions{
		Protocol:     proto,
		Key:          req.Key,
		AllowedHosts: req.AllowedHosts,
	})
	if err != nil {
		return nil, svc.err(err)
	}
	return PublishNexusResp{DeviceURI: uri}, nil
}

func (svc *NexusService) UnpublishNexus(params json.RawMessage) (interface{}, error) {
	var req UnpublishNexusReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	n.Unpublish()
	return struct{}{}, nil
}

func (svc *NexusService) GetAnaState(params json.RawMessage) (interface{}, error) {
	var req GetAnaStateReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	st, err := n.AnaState()
	if err != nil {
		return nil, svc.err(err)
	}
	return GetAnaStateResp{AnaState: st.String()}, nil
}

func (svc *NexusService) SetAnaState(params json.RawMessage) (interface{}, error) {
	var req SetAnaStateReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	st, err := ana.ParseState(req.AnaState)
	if err != nil {
		return nil, svc.err(nexus.WrapErr(nexus.CodeInvalidArgument, err, "set ana state of %s", req.UUID))
	}
	if err = n.SetAnaState(st); err != nil {
		return nil, svc.err(err)
	}
	return struct{}{}, nil
}

func (svc *NexusService) StartRebuild(params json.RawMessage) (interface{}, error) {
	return svc.rebuildOp(params, (*nexus.Nexus).StartRebuild)
}

func (svc *NexusService) PauseRebuild(params json.RawMessage) (interface{}, error) {
	return svc.rebuildOp(params, (*nexus.Nexus).PauseRebuild)
}

func (svc *NexusService) ResumeRebuild(params json.RawMessage) (interface{}, error) {
	return svc.rebuildOp(params, (*nexus.Nexus).ResumeRebuild)
}

func (svc *NexusService) StopRebuild(params json.RawMessage) (interface{}, error) {
	return svc.rebuildOp(params, (*nexus.Nexus).StopRebuild)
}

func (svc *NexusService) rebuildOp(params json.RawMessage, op func(*nexus.Nexus, string) error) (interface{}, error) {
	var req RebuildReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	if err = op(n, req.URI); err != nil {
		return nil, svc.err(err)
	}
	return struct{}{}, nil
}

func (svc *NexusService) GetRebuildState(params json.RawMessage) (interface{}, error) {
	var req RebuildReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	st, err := n.RebuildState(req.URI)
	if err != nil {
		return nil, svc.err(err)
	}
	return RebuildStateResp{State: st.String()}, nil
}

func (svc *NexusService) GetRebuildStats(params json.RawMessage) (interface{}, error) {
	var req RebuildReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	stats, err := n.RebuildStats(req.URI)
	if err != nil {
		return nil, svc.err(err)
	}
	return RebuildStatsResp{
		BlocksTotal:     stats.BlocksTotal,
		BlocksRecovered: stats.BlocksRecovered,
		BlocksRemaining: stats.BlocksRemaining,
		Progress:        stats.Progress,
		SegmentBlocks:   stats.SegmentBlocks,
		BlockSize:       stats.BlockSize,
		StartTime:       stats.StartTime.Format(time.RFC3339Nano),
	}, nil
}

func (svc *NexusService) GetRebuildHistory(params json.RawMessage) (interface{}, error) {
	var req RebuildHistoryReq
	if rpcErr := decode(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := svc.registry.Lookup(req.UUID)
	if err != nil {
		return nil, svc.err(err)
	}
	resp := RebuildHistoryResp{Records: []RebuildHistoryRecord{}}
	for _, r := range n.RebuildHistory() {
		resp.Records = append(resp.Records, wireHistoryRecord(r))
	}
	return resp, nil
}

func (svc *NexusService) wireNexus(n *nexus.Nexus) Nexus {
	out := Nexus{
		Name:      n.Name(),
		UUID:      n.UUID(),
		Size:      n.Size(),
		State:     n.Status().String(),
		DeviceURI: n.DeviceURI(),
		ResvKey:   n.ResvKey(),
		Children:  []Child{},
	}
	if st, err := n.AnaState(); err == nil {
		out.AnaState = st.String()
	}
	for _, c := range n.Children() {
		out.Children = append(out.Children, Child{
			URI:             c.URI(),
			State:           c.State().String(),
			Reason:          c.StateReason().String(),
			RebuildProgress: c.RebuildProgress(),
		})
	}
	return out
}

func wireHistoryRecord(r rebuild.Record) RebuildHistoryRecord {
	return RebuildHistoryRecord{
		ChildURI:        r.ChildURI,
		SrcURI:          r.SrcURI,
		State:           r.State.String(),
		BlocksTotal:     r.BlocksTotal,
		BlocksRecovered: r.BlocksRecovered,
		BlockSize:       r.BlockSize,
		StartTime:       r.StartTime.Format(time.RFC3339Nano),
		EndTime:         r.EndTime.Format(time.RFC3339Nano),
	}
}

func parseResvType(s string) (block.ResvType, error) {
	switch s {
	case "", "write_exclusive_all_registrants":
		return block.ResvWriteExclusiveAllRegs, nil
	case "write_exclusive":
		return block.ResvWriteExclusive, nil
	}
	return block.ResvNone, nexus.Errorf(nexus.CodeInvalidArgument, "unknown reservation type %q", s)
}
