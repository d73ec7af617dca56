package rpc

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/openebs/mayastor/pkg/nexus"
)

// NexusRPCIface is the typed client surface of the nexus service.
type NexusRPCIface interface {
	Close() (err error)
	CreateNexus(req CreateNexusReq) (n Nexus, err error)
	DestroyNexus(uuid string) (err error)
	ShutdownNexus(uuid string) (n Nexus, err error)
	ListNexus(name string) (list []Nexus, err error)
	AddChild(req AddChildReq) (n Nexus, err error)
	RemoveChild(uuid, uri string) (n Nexus, err error)
	ChildOperation(uuid, uri, action string) (n Nexus, err error)
	PublishNexus(req PublishNexusReq) (deviceURI string, err error)
	UnpublishNexus(uuid string) (err error)
	GetAnaState(uuid string) (state string, err error)
	SetAnaState(uuid, state string) (err error)
	StartRebuild(uuid, uri string) (err error)
	PauseRebuild(uuid, uri string) (err error)
	ResumeRebuild(uuid, uri string) (err error)
	StopRebuild(uuid, uri string) (err error)
	GetRebuildState(uuid, uri string) (state string, err error)
	GetRebuildStats(uuid, uri string) (stats RebuildStatsResp, err error)
	GetRebuildHistory(uuid string) (records []RebuildHistoryRecord, err error)
}

const (
	dialRetries = 10
	dialDelay   = 200 * time.Millisecond
)

// Client talks JSON-RPC to the engine's unix socket. Calls serialize on
// one connection; responses arrive in call order.
type Client struct {
	socketPath string
	lock       sync.Mutex
	conn       net.Conn
	id         uint64
}

var _ NexusRPCIface = &Client{}

// NewClient dials the socket, retrying briefly so callers racing the
// engine startup do not have to.
func NewClient(socketPath string) (cli *Client, err error) {
	cli = &Client{socketPath: socketPath}
	for i := 0; i < dialRetries; i++ {
		cli.conn, err = net.Dial("unix", socketPath)
		if err == nil {
			return cli, nil
		}
		time.Sleep(dialDelay)
	}
	return nil, err
}

func (cli *Client) Close() (err error) {
	if cli.conn != nil {
		err = cli.conn.Close()
	}
	return
}

// Call performs one request/response exchange.
func (cli *Client) Call(method string, params interface{}) (result json.RawMessage, err error) {
	cli.lock.Lock()
	defer cli.lock.Unlock()

	cli.id++
	req := RPCRequest{
		RPCVersion: JSONRPCVersion,
		ID:         cli.id,
		Method:     method,
		Params:     mustMarshal(params),
	}
	if err = json.NewEncoder(cli.conn).Encode(req); err != nil {
		return nil, err
	}

	var resp RPCResponse
	if err = json.NewDecoder(cli.conn).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	bs, _ := json.Marshal(v)
	return bs
}

func call[T any](cli *Client, method string, params interface{}) (out T, err error) {
	bs, err := cli.Call(method, params)
	if err != nil {
		return out, err
	}
	if len(bs) > 0 {
		err = json.Unmarshal(bs, &out)
	}
	return out, err
}

func (cli *Client) CreateNexus(req CreateNexusReq) (Nexus, error) {
	return call[Nexus](cli, "nexus_create", req)
}

func (cli *Client) DestroyNexus(uuid string) error {
	_, err := cli.Call("nexus_destroy", DestroyNexusReq{UUID: uuid})
	return err
}

func (cli *Client) ShutdownNexus(uuid string) (Nexus, error) {
	return call[Nexus](cli, "nexus_shutdown", ShutdownNexusReq{UUID: uuid})
}

func (cli *Client) ListNexus(name string) ([]Nexus, error) {
	resp, err := call[ListNexusResp](cli, "nexus_list", ListNexusReq{Name: name})
	return resp.NexusList, err
}

func (cli *Client) AddChild(req AddChildReq) (Nexus, error) {
	return call[Nexus](cli, "nexus_add_child", req)
}

func (cli *Client) RemoveChild(uuid, uri string) (Nexus, error) {
	return call[Nexus](cli, "nexus_remove_child", RemoveChildReq{UUID: uuid, URI: uri})
}

func (cli *Client) ChildOperation(uuid, uri, action string) (Nexus, error) {
	return call[Nexus](cli, "nexus_child_operation", ChildOperationReq{UUID: uuid, URI: uri, Action: action})
}

func (cli *Client) PublishNexus(req PublishNexusReq) (string, error) {
	resp, err := call[PublishNexusResp](cli, "nexus_publish", req)
	return resp.DeviceURI, err
}

func (cli *Client) UnpublishNexus(uuid string) error {
	_, err := cli.Call("nexus_unpublish", UnpublishNexusReq{UUID: uuid})
	return err
}

func (cli *Client) GetAnaState(uuid string) (string, error) {
	resp, err := call[GetAnaStateResp](cli, "nexus_get_ana_state", GetAnaStateReq{UUID: uuid})
	return resp.AnaState, err
}

func (cli *Client) SetAnaState(uuid, state string) error {
	_, err := cli.Call("nexus_set_ana_state", SetAnaStateReq{UUID: uuid, AnaState: state})
	return err
}

func (cli *Client) StartRebuild(uuid, uri string) error {
	_, err := cli.Call("nexus_start_rebuild", RebuildReq{UUID: uuid, URI: uri})
	return err
}

func (cli *Client) PauseRebuild(uuid, uri string) error {
	_, err := cli.Call("nexus_pause_rebuild", RebuildReq{UUID: uuid, URI: uri})
	return err
}

func (cli *Client) ResumeRebuild(uuid, uri string) error {
	_, err := cli.Call("nexus_resume_rebuild", RebuildReq{UUID: uuid, URI: uri})
	return err
}

func (cli *Client) StopRebuild(uuid, uri string) error {
	_, err := cli.Call("nexus_stop_rebuild", RebuildReq{UUID: uuid, URI: uri})
	return err
}

func (cli *Client) GetRebuildState(uuid, uri string) (string, error) {
	resp, err := call[RebuildStateResp](cli, "nexus_get_rebuild_state", RebuildReq{UUID: uuid, URI: uri})
	return resp.State, err
}

func (cli *Client) GetRebuildStats(uuid, uri string) (RebuildStatsResp, error) {
	return call[RebuildStatsResp](cli, "nexus_get_rebuild_stats", RebuildReq{UUID: uuid, URI: uri})
}

func (cli *Client) GetRebuildHistory(uuid string) ([]RebuildHistoryRecord, error) {
	resp, err := call[RebuildHistoryResp](cli, "nexus_get_rebuild_history", RebuildHistoryReq{UUID: uuid})
	return resp.Records, err
}

// IsCode reports whether err is a wire error of the given category.
func IsCode(err error, c nexus.Code) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return false
	}
	return CodeOfWire(rpcErr.Code) == c
}
