// Package rpc exposes the nexus control surface as JSON-RPC 2.0 over a
// unix domain socket.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/openebs/mayastor/pkg/nexus"
)

const JSONRPCVersion = "2.0"

type RPCRequest struct {
	RPCVersion string          `json:"jsonrpc"`
	Method     string          `json:"method"`
	ID         uint64          `json:"id"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type RPCResponse struct {
	RPCVersion string          `json:"jsonrpc"`
	ID         uint64          `json:"id"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("Code=%d Msg=%s", e.Code, e.Message)
}

// Application error codes, inside the JSON-RPC implementation-defined
// range.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602

	CodeInternal           = -32000
	CodeInvalidArgument    = -32001
	CodeNotFound           = -32002
	CodeAlreadyExists      = -32003
	CodeResourceExhausted  = -32004
	CodeFailedPrecondition = -32005
)

// wireCode maps a nexus error category onto the wire code space.
func wireCode(c nexus.Code) int {
	switch c {
	case nexus.CodeInvalidArgument:
		return CodeInvalidArgument
	case nexus.CodeNotFound:
		return CodeNotFound
	case nexus.CodeAlreadyExists:
		return CodeAlreadyExists
	case nexus.CodeResourceExhausted:
		return CodeResourceExhausted
	case nexus.CodeFailedPrecondition:
		return CodeFailedPrecondition
	}
	return CodeInternal
}

// wireCodeOf categorizes an arbitrary error for the wire.
func wireCodeOf(err error) int {
	return wireCode(nexus.CodeOf(err))
}

// CodeOfWire maps a wire code back onto a nexus error category.
func CodeOfWire(code int) nexus.Code {
	switch code {
	case CodeInvalidArgument, CodeInvalidParams:
		return nexus.CodeInvalidArgument
	case CodeNotFound:
		return nexus.CodeNotFound
	case CodeAlreadyExists:
		return nexus.CodeAlreadyExists
	case CodeResourceExhausted:
		return nexus.CodeResourceExhausted
	case CodeFailedPrecondition:
		return nexus.CodeFailedPrecondition
	}
	return nexus.CodeInternal
}

// Nexus is the wire representation of one nexus.
type Nexus struct {
	Name      string  `json:"name"`
	UUID      string  `json:"uuid"`
	Size      uint64  `json:"size"`
	State     string  `json:"state"`
	DeviceURI string  `json:"device_uri,omitempty"`
	AnaState  string  `json:"ana_state,omitempty"`
	ResvKey   uint64  `json:"resv_key,omitempty"`
	Children  []Child `json:"children"`
}

// Child is the wire representation of one child.
type Child struct {
	URI    string `json:"uri"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	// RebuildProgress in percent, -1 when no rebuild targets the child.
	RebuildProgress int `json:"rebuild_progress"`
}

type CreateNexusReq struct {
	Name         string   `json:"name"`
	UUID         string   `json:"uuid"`
	Size         uint64   `json:"size"`
	MinCntlID    uint16   `json:"min_cntl_id,omitempty"`
	MaxCntlID    uint16   `json:"max_cntl_id,omitempty"`
	ResvKey      uint64   `json:"resv_key,omitempty"`
	PreemptKey   uint64   `json:"preempt_key,omitempty"`
	ResvType     string   `json:"resv_type,omitempty"`
	Children     []string `json:"children"`
	NexusInfoKey string   `json:"nexus_info_key,omitempty"`
}

type DestroyNexusReq struct {
	UUID string `json:"uuid"`
}

type ShutdownNexusReq struct {
	UUID string `json:"uuid"`
}

type ListNexusReq struct {
	// Name filters the listing when non-empty.
	Name string `json:"name,omitempty"`
}

type ListNexusResp struct {
	NexusList []Nexus `json:"nexus_list"`
}

type AddChildReq struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
	// NoRebuild attaches the child without starting a copy.
	NoRebuild bool `json:"norebuild,omitempty"`
}

type RemoveChildReq struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

type ChildOperationReq struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
	// Action is one of "online", "offline", "fault".
	Action string `json:"action"`
}

type PublishNexusReq struct {
	UUID         string   `json:"uuid"`
	Protocol     string   `json:"share,omitempty"`
	Key          string   `json:"key,omitempty"`
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
}

type PublishNexusResp struct {
	DeviceURI string `json:"device_uri"`
}

type UnpublishNexusReq struct {
	UUID string `json:"uuid"`
}

type GetAnaStateReq struct {
	UUID string `json:"uuid"`
}

type GetAnaStateResp struct {
	AnaState string `json:"ana_state"`
}

type SetAnaStateReq struct {
	UUID     string `json:"uuid"`
	AnaState string `json:"ana_state"`
}

// RebuildReq addresses the rebuild targeting one child.
type RebuildReq struct {
	UUID string `json:"uuid"`
	URI  string `json:"uri"`
}

type RebuildStateResp struct {
	State string `json:"state"`
}

type RebuildStatsResp struct {
	BlocksTotal     uint64 `json:"blocks_total"`
	BlocksRecovered uint64 `json:"blocks_recovered"`
	BlocksRemaining uint64 `json:"blocks_remaining"`
	Progress        uint64 `json:"progress"`
	SegmentBlocks   uint64 `json:"segment_blocks"`
	BlockSize       uint64 `json:"block_size"`
	StartTime       string `json:"start_time"`
}

type RebuildHistoryReq struct {
	UUID string `json:"uuid"`
}

type RebuildHistoryRecord struct {
	ChildURI        string `json:"child_uri"`
	SrcURI          string `json:"src_uri"`
	State           string `json:"state"`
	BlocksTotal     uint64 `json:"blocks_total"`
	BlocksRecovered uint64 `json:"blocks_recovered"`
	BlockSize       uint64 `json:"block_size"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
}

type RebuildHistoryResp struct {
	Records []RebuildHistoryRecord `json:"records"`
}
