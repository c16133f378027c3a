package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/qemud/internal/driver"
	"github.com/cochaviz/qemud/internal/hostnet"
	"github.com/cochaviz/qemud/internal/qemu"
	"github.com/cochaviz/qemud/internal/virerr"
)

// Client talks to a running daemon. Every call opens its own connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			return fmt.Errorf("daemon request failed")
		}
		return &virerr.Error{Code: virerr.ParseCode(resp.Code), Msg: resp.Error}
	}
	if response != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) call(command, name string, payload, response any) error {
	req := IPCRequest{Command: command, Name: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = raw
	}
	return c.send(req, response)
}

func (c *Client) Domains() ([]driver.DomainRef, error) {
	var refs []driver.DomainRef
	if err := c.call(CommandDomainList, "", nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *Client) Define(xml []byte) (driver.DomainRef, error) {
	var ref driver.DomainRef
	err := c.call(CommandDomainDefine, "", XMLDocument{XML: string(xml)}, &ref)
	return ref, err
}

func (c *Client) Create(xml []byte) (driver.DomainRef, error) {
	var ref driver.DomainRef
	err := c.call(CommandDomainCreate, "", XMLDocument{XML: string(xml)}, &ref)
	return ref, err
}

func (c *Client) Undefine(name string) error {
	return c.call(CommandDomainUndefine, name, nil, nil)
}

func (c *Client) Start(name string) error {
	return c.call(CommandDomainStart, name, nil, nil)
}

func (c *Client) Destroy(name string) error {
	return c.call(CommandDomainDestroy, name, nil, nil)
}

func (c *Client) Shutdown(name string) error {
	return c.call(CommandDomainShutdown, name, nil, nil)
}

func (c *Client) Suspend(name string) error {
	return c.call(CommandDomainSuspend, name, nil, nil)
}

func (c *Client) Resume(name string) error {
	return c.call(CommandDomainResume, name, nil, nil)
}

func (c *Client) Save(name, path string) error {
	return c.call(CommandDomainSave, name, PathRequest{Path: path}, nil)
}

func (c *Client) Restore(path string) (driver.DomainRef, error) {
	var ref driver.DomainRef
	err := c.call(CommandDomainRestore, "", PathRequest{Path: path}, &ref)
	return ref, err
}

func (c *Client) DumpXML(name string) (string, error) {
	var doc XMLDocument
	err := c.call(CommandDomainDumpXML, name, nil, &doc)
	return doc.XML, err
}

func (c *Client) Info(name string) (driver.DomainInfo, error) {
	var info driver.DomainInfo
	err := c.call(CommandDomainInfo, name, nil, &info)
	return info, err
}

// Autostart reports the domain's autostart flag, setting it first when
// enabled is non-nil.
func (c *Client) Autostart(name string, enabled *bool) (bool, error) {
	var status AutostartStatus
	var payload any
	if enabled != nil {
		payload = AutostartRequest{Enabled: enabled}
	}
	err := c.call(CommandDomainAutostart, name, payload, &status)
	return status.Enabled, err
}

func (c *Client) AttachDevice(name string, xml []byte) error {
	return c.call(CommandDomainAttachDevice, name, XMLDocument{XML: string(xml)}, nil)
}

func (c *Client) ChangeMedia(name, target, dir string) (string, error) {
	var result ChangeMediaResult
	err := c.call(CommandDomainChangeMedia, name, ChangeMediaRequest{Target: target, Dir: dir}, &result)
	return result.Image, err
}

func (c *Client) BlockStats(name, device string) (qemu.BlockStats, error) {
	var stats qemu.BlockStats
	err := c.call(CommandDomainBlockStats, name, BlockStatsRequest{Device: device}, &stats)
	return stats, err
}

func (c *Client) InterfaceStats(name, ifname string) (hostnet.IfStats, error) {
	var stats hostnet.IfStats
	err := c.call(CommandDomainIfStats, name, IfStatsRequest{Interface: ifname}, &stats)
	return stats, err
}

func (c *Client) Networks() ([]driver.NetworkRef, error) {
	var refs []driver.NetworkRef
	if err := c.call(CommandNetworkList, "", nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *Client) DefineNetwork(xml []byte) (driver.NetworkRef, error) {
	var ref driver.NetworkRef
	err := c.call(CommandNetworkDefine, "", XMLDocument{XML: string(xml)}, &ref)
	return ref, err
}

func (c *Client) CreateNetwork(xml []byte) (driver.NetworkRef, error) {
	var ref driver.NetworkRef
	err := c.call(CommandNetworkCreate, "", XMLDocument{XML: string(xml)}, &ref)
	return ref, err
}

func (c *Client) UndefineNetwork(name string) error {
	return c.call(CommandNetworkUndefine, name, nil, nil)
}

func (c *Client) StartNetwork(name string) error {
	return c.call(CommandNetworkStart, name, nil, nil)
}

func (c *Client) DestroyNetwork(name string) error {
	return c.call(CommandNetworkDestroy, name, nil, nil)
}

func (c *Client) NetworkXML(name string) (string, error) {
	var doc XMLDocument
	err := c.call(CommandNetworkDumpXML, name, nil, &doc)
	return doc.XML, err
}

func (c *Client) NetworkAutostart(name string, enabled *bool) (bool, error) {
	var status AutostartStatus
	var payload any
	if enabled != nil {
		payload = AutostartRequest{Enabled: enabled}
	}
	err := c.call(CommandNetworkAutostart, name, payload, &status)
	return status.Enabled, err
}

func (c *Client) NetworkBridge(name string) (string, error) {
	var result BridgeResult
	err := c.call(CommandNetworkBridge, name, nil, &result)
	return result.Bridge, err
}
