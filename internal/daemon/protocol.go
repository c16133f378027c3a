package daemon

import "encoding/json"

// DefaultSocketPath is where the daemon listens unless told otherwise.
const DefaultSocketPath = "/var/run/qemud/qemud.sock"

// Commands understood by the daemon. Domain and network commands take the
// object name in IPCRequest.Name; list, define, create and restore do not.
const (
	CommandDomainList         = "domain.list"
	CommandDomainDefine       = "domain.define"
	CommandDomainCreate       = "domain.create"
	CommandDomainUndefine     = "domain.undefine"
	CommandDomainStart        = "domain.start"
	CommandDomainDestroy      = "domain.destroy"
	CommandDomainShutdown     = "domain.shutdown"
	CommandDomainSuspend      = "domain.suspend"
	CommandDomainResume       = "domain.resume"
	CommandDomainSave         = "domain.save"
	CommandDomainRestore      = "domain.restore"
	CommandDomainDumpXML      = "domain.dumpxml"
	CommandDomainInfo         = "domain.info"
	CommandDomainAutostart    = "domain.autostart"
	CommandDomainAttachDevice = "domain.attach-device"
	CommandDomainChangeMedia  = "domain.change-media"
	CommandDomainBlockStats   = "domain.blockstats"
	CommandDomainIfStats      = "domain.ifstats"

	CommandNetworkList      = "network.list"
	CommandNetworkDefine    = "network.define"
	CommandNetworkCreate    = "network.create"
	CommandNetworkUndefine  = "network.undefine"
	CommandNetworkStart     = "network.start"
	CommandNetworkDestroy   = "network.destroy"
	CommandNetworkDumpXML   = "network.dumpxml"
	CommandNetworkAutostart = "network.autostart"
	CommandNetworkBridge    = "network.bridge"
)

// IPCRequest is the single message a client sends per connection.
type IPCRequest struct {
	Command string          `json:"command"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse answers an IPCRequest. Code carries the error class name when
// OK is false.
type IPCResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// XMLDocument carries a domain, network or device definition.
type XMLDocument struct {
	XML string `json:"xml"`
}

// PathRequest names a saved image.
type PathRequest struct {
	Path string `json:"path"`
}

// AutostartRequest queries the autostart flag when Enabled is nil and sets it
// otherwise.
type AutostartRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type AutostartStatus struct {
	Enabled bool `json:"enabled"`
}

// ChangeMediaRequest builds an image from Dir for the CD-ROM drive Target.
type ChangeMediaRequest struct {
	Target string `json:"target"`
	Dir    string `json:"dir"`
}

type ChangeMediaResult struct {
	Image string `json:"image"`
}

type BlockStatsRequest struct {
	Device string `json:"device"`
}

type IfStatsRequest struct {
	Interface string `json:"interface"`
}

type BridgeResult struct {
	Bridge string `json:"bridge"`
}
