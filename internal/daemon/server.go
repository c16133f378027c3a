// Package daemon exposes a driver over a unix control socket. Each
// connection carries one JSON request and one JSON response.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/qemud/internal/driver"
	"github.com/cochaviz/qemud/internal/hostnet"
	"github.com/cochaviz/qemud/internal/logging"
	"github.com/cochaviz/qemud/internal/qemu"
	"github.com/cochaviz/qemud/internal/virerr"
)

const requestReadTimeout = 30 * time.Second

// Driver is the subset of *driver.Driver served over the socket.
type Driver interface {
	Domains() []driver.DomainRef
	Define(xml []byte) (driver.DomainRef, error)
	Create(ctx context.Context, xml []byte) (driver.DomainRef, error)
	Undefine(name string) error
	Start(ctx context.Context, name string) error
	Destroy(name string) error
	ShutdownDomain(name string) error
	Suspend(name string) error
	Resume(name string) error
	Save(name, path string) error
	Restore(ctx context.Context, path string) (driver.DomainRef, error)
	XML(name string) ([]byte, error)
	Info(name string) (driver.DomainInfo, error)
	Autostart(name string) (bool, error)
	SetAutostart(name string, enabled bool) error
	AttachDevice(name string, xml []byte) error
	ChangeMedia(name, target, dir string) (string, error)
	BlockStats(name, device string) (qemu.BlockStats, error)
	InterfaceStats(name, ifname string) (hostnet.IfStats, error)

	Networks() []driver.NetworkRef
	DefineNetwork(xml []byte) (driver.NetworkRef, error)
	CreateNetwork(ctx context.Context, xml []byte) (driver.NetworkRef, error)
	UndefineNetwork(name string) error
	StartNetwork(ctx context.Context, name string) error
	DestroyNetwork(ctx context.Context, name string) error
	NetworkXML(name string) ([]byte, error)
	NetworkAutostart(name string) (bool, error)
	SetNetworkAutostart(name string, enabled bool) error
	NetworkBridgeName(name string) (string, error)
}

type handler func(ctx context.Context, req IPCRequest) (any, error)

// Daemon serves control requests for a driver.
type Daemon struct {
	socketPath string
	driver     Driver
	logger     *slog.Logger
	handlers   map[string]handler
}

// New creates a daemon listening on socketPath once started.
func New(socketPath string, drv Driver, logger *slog.Logger) *Daemon {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	d := &Daemon{
		socketPath: socketPath,
		driver:     drv,
		logger:     logging.Component(logger, "daemon"),
	}
	d.handlers = d.routes()
	return d
}

// Start listens until ctx is cancelled and waits for in-flight requests
// before returning.
func (d *Daemon) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(d.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	defer os.Remove(d.socketPath)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.serve(ctx, conn)
		}()
	}
}

func (d *Daemon) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		d.logger.Warn("malformed request", "error", err)
		d.reply(conn, nil, virerr.Wrap(virerr.InvalidArg, err, "decode request"))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger := d.logger.With("command", req.Command)
	if req.Name != "" {
		logger = logger.With("name", req.Name)
	}
	logger.Debug("handling request")

	data, err := d.dispatch(ctx, req)
	if err != nil {
		logger.Info("request failed", "error", err)
	}
	d.reply(conn, data, err)
}

func (d *Daemon) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	h, ok := d.handlers[req.Command]
	if !ok {
		return nil, virerr.New(virerr.InvalidArg, "unknown command %q", req.Command)
	}
	return h(ctx, req)
}

func (d *Daemon) reply(conn net.Conn, data any, err error) {
	resp := IPCResponse{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = virerr.CodeOf(err).String()
	} else if data != nil {
		raw, merr := json.Marshal(data)
		if merr != nil {
			resp = IPCResponse{Error: fmt.Sprintf("encode response: %v", merr), Code: virerr.InternalError.String()}
		} else {
			resp.Data = raw
		}
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.logger.Warn("unable to write response", "error", err)
	}
}

func requireName(req IPCRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return virerr.New(virerr.InvalidArg, "command %s requires a name", req.Command)
	}
	return nil
}

func decodePayload(req IPCRequest, v any) error {
	if len(req.Payload) == 0 {
		return virerr.New(virerr.InvalidArg, "command %s requires a payload", req.Command)
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return virerr.Wrap(virerr.InvalidArg, err, "decode %s payload", req.Command)
	}
	return nil
}

// named adapts an operation on a named object that returns nothing.
func named(op func(ctx context.Context, name string) error) handler {
	return func(ctx context.Context, req IPCRequest) (any, error) {
		if err := requireName(req); err != nil {
			return nil, err
		}
		return nil, op(ctx, req.Name)
	}
}

// document adapts an operation taking an XML document payload.
func document[T any](op func(ctx context.Context, xml []byte) (T, error)) handler {
	return func(ctx context.Context, req IPCRequest) (any, error) {
		var doc XMLDocument
		if err := decodePayload(req, &doc); err != nil {
			return nil, err
		}
		return op(ctx, []byte(doc.XML))
	}
}

func autostart(get func(string) (bool, error), set func(string, bool) error) handler {
	return func(_ context.Context, req IPCRequest) (any, error) {
		if err := requireName(req); err != nil {
			return nil, err
		}
		var ar AutostartRequest
		if len(req.Payload) > 0 {
			if err := decodePayload(req, &ar); err != nil {
				return nil, err
			}
		}
		if ar.Enabled != nil {
			if err := set(req.Name, *ar.Enabled); err != nil {
				return nil, err
			}
		}
		enabled, err := get(req.Name)
		if err != nil {
			return nil, err
		}
		return AutostartStatus{Enabled: enabled}, nil
	}
}

func (d *Daemon) routes() map[string]handler {
	drv := d.driver
	return map[string]handler{
		CommandDomainList: func(context.Context, IPCRequest) (any, error) {
			return drv.Domains(), nil
		},
		CommandDomainDefine: document(func(_ context.Context, xml []byte) (driver.DomainRef, error) {
			return drv.Define(xml)
		}),
		CommandDomainCreate: document(drv.Create),
		CommandDomainUndefine: named(func(_ context.Context, name string) error {
			return drv.Undefine(name)
		}),
		CommandDomainStart: named(drv.Start),
		CommandDomainDestroy: named(func(_ context.Context, name string) error {
			return drv.Destroy(name)
		}),
		CommandDomainShutdown: named(func(_ context.Context, name string) error {
			return drv.ShutdownDomain(name)
		}),
		CommandDomainSuspend: named(func(_ context.Context, name string) error {
			return drv.Suspend(name)
		}),
		CommandDomainResume: named(func(_ context.Context, name string) error {
			return drv.Resume(name)
		}),
		CommandDomainSave: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			var pr PathRequest
			if err := decodePayload(req, &pr); err != nil {
				return nil, err
			}
			return nil, drv.Save(req.Name, pr.Path)
		},
		CommandDomainRestore: func(ctx context.Context, req IPCRequest) (any, error) {
			var pr PathRequest
			if err := decodePayload(req, &pr); err != nil {
				return nil, err
			}
			return drv.Restore(ctx, pr.Path)
		},
		CommandDomainDumpXML: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			xml, err := drv.XML(req.Name)
			if err != nil {
				return nil, err
			}
			return XMLDocument{XML: string(xml)}, nil
		},
		CommandDomainInfo: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			return drv.Info(req.Name)
		},
		CommandDomainAutostart: autostart(drv.Autostart, drv.SetAutostart),
		CommandDomainAttachDevice: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			var doc XMLDocument
			if err := decodePayload(req, &doc); err != nil {
				return nil, err
			}
			return nil, drv.AttachDevice(req.Name, []byte(doc.XML))
		},
		CommandDomainChangeMedia: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			var cr ChangeMediaRequest
			if err := decodePayload(req, &cr); err != nil {
				return nil, err
			}
			image, err := drv.ChangeMedia(req.Name, cr.Target, cr.Dir)
			if err != nil {
				return nil, err
			}
			return ChangeMediaResult{Image: image}, nil
		},
		CommandDomainBlockStats: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			var br BlockStatsRequest
			if err := decodePayload(req, &br); err != nil {
				return nil, err
			}
			return drv.BlockStats(req.Name, br.Device)
		},
		CommandDomainIfStats: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			var ir IfStatsRequest
			if err := decodePayload(req, &ir); err != nil {
				return nil, err
			}
			return drv.InterfaceStats(req.Name, ir.Interface)
		},

		CommandNetworkList: func(context.Context, IPCRequest) (any, error) {
			return drv.Networks(), nil
		},
		CommandNetworkDefine: document(func(_ context.Context, xml []byte) (driver.NetworkRef, error) {
			return drv.DefineNetwork(xml)
		}),
		CommandNetworkCreate: document(drv.CreateNetwork),
		CommandNetworkUndefine: named(func(_ context.Context, name string) error {
			return drv.UndefineNetwork(name)
		}),
		CommandNetworkStart:   named(drv.StartNetwork),
		CommandNetworkDestroy: named(drv.DestroyNetwork),
		CommandNetworkDumpXML: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			xml, err := drv.NetworkXML(req.Name)
			if err != nil {
				return nil, err
			}
			return XMLDocument{XML: string(xml)}, nil
		},
		CommandNetworkAutostart: autostart(drv.NetworkAutostart, drv.SetNetworkAutostart),
		CommandNetworkBridge: func(_ context.Context, req IPCRequest) (any, error) {
			if err := requireName(req); err != nil {
				return nil, err
			}
			bridge, err := drv.NetworkBridgeName(req.Name)
			if err != nil {
				return nil, err
			}
			return BridgeResult{Bridge: bridge}, nil
		},
	}
}
