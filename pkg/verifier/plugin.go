package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// Handshake guards against launching arbitrary binaries as verifiers. A
// process that does not present the cookie is rejected by go-plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "FORGE_VERIFIER_PLUGIN",
	MagicCookieValue: "forge_verifier_v1",
}

// CheckArgs crosses the plugin boundary. Tool arguments and the result body
// travel as JSON so the wire format stays gob-friendly.
type CheckArgs struct {
	Verifier   string
	ToolName   string
	ArgsJSON   []byte
	ResultJSON []byte
}

// CheckReply is the plugin's verdict.
type CheckReply struct {
	Outcome string
	Message string
}

// Checker is implemented by custom verifier plugins. One plugin binary may
// serve several exported verifiers, dispatching on CheckArgs.Verifier.
type Checker interface {
	Check(args CheckArgs) (CheckReply, error)
}

// Plugin wires Checker over go-plugin's net/rpc protocol.
type Plugin struct {
	Impl Checker
}

func (p *Plugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *Plugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

type rpcServer struct {
	impl Checker
}

func (s *rpcServer) Check(args CheckArgs, reply *CheckReply) error {
	r, err := s.impl.Check(args)
	if err != nil {
		return err
	}
	*reply = r
	return nil
}

type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Check(args CheckArgs) (CheckReply, error) {
	var reply CheckReply
	err := c.client.Call("Plugin.Check", args, &reply)
	return reply, err
}

// Serve is the entry point for verifier plugin binaries:
//
//	func main() { verifier.Serve(myChecker{}) }
func Serve(impl Checker) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"verifier": &Plugin{Impl: impl},
		},
	})
}

// PluginHost launches and caches verifier plugin processes. Binaries must
// live under the configured directory; anything that fails to resolve,
// launch, or handshake becomes a warn stub rather than an error.
type PluginHost struct {
	dir    string // symlink-resolved verifiers directory
	logger hclog.Logger

	mu      sync.Mutex
	clients map[string]*pluginClient // keyed by resolved binary path
}

type pluginClient struct {
	client  *plugin.Client
	checker Checker
	loadErr error
}

// NewPluginHost resolves the verifiers directory. The directory not
// existing yet is fine; every lookup will degrade to a stub until it does.
func NewPluginHost(dir string) *PluginHost {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &PluginHost{
		dir: abs,
		logger: hclog.New(&hclog.LoggerOptions{
			Name:  "forge-verifier",
			Level: hclog.Warn,
		}),
		clients: make(map[string]*pluginClient),
	}
}

// Check runs one custom verifier. The returned outcome is warn whenever the
// plugin could not be used for any reason.
func (h *PluginHost) Check(ctx context.Context, filePath, exportName, toolName string, args map[string]interface{}, result interface{}) (string, string) {
	resolved, err := h.resolve(filePath)
	if err != nil {
		return OutcomeWarn, err.Error()
	}

	pc := h.load(resolved)
	if pc.loadErr != nil {
		return OutcomeWarn, fmt.Sprintf("custom verifier %s unavailable: %v", filePath, pc.loadErr)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return OutcomeWarn, fmt.Sprintf("failed to encode tool args: %v", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return OutcomeWarn, fmt.Sprintf("failed to encode tool result: %v", err)
	}

	reply, err := pc.checker.Check(CheckArgs{
		Verifier:   exportName,
		ToolName:   toolName,
		ArgsJSON:   argsJSON,
		ResultJSON: resultJSON,
	})
	if err != nil {
		return OutcomeWarn, fmt.Sprintf("custom verifier %s failed: %v", exportName, err)
	}

	switch reply.Outcome {
	case OutcomePass, OutcomeWarn, OutcomeBlock:
		return reply.Outcome, reply.Message
	default:
		return OutcomeWarn, fmt.Sprintf("custom verifier %s returned unknown outcome %q", exportName, reply.Outcome)
	}
}

// Preload launches the plugins behind the given verifiers so load failures
// surface at startup rather than mid-request.
func (h *PluginHost) Preload(ctx context.Context, verifiers []Verifier) {
	for _, v := range verifiers {
		if v.Type != TypeCustom {
			continue
		}
		var spec customSpec
		if err := json.Unmarshal(v.Spec, &spec); err != nil || spec.FilePath == "" {
			continue
		}
		resolved, err := h.resolve(spec.FilePath)
		if err != nil {
			h.logger.Warn("custom verifier outside verifiers dir", "verifier", v.Name, "path", spec.FilePath)
			continue
		}
		if pc := h.load(resolved); pc.loadErr != nil {
			h.logger.Warn("custom verifier failed to load", "verifier", v.Name, "error", pc.loadErr)
		}
	}
}

// Close kills every plugin process.
func (h *PluginHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pc := range h.clients {
		if pc.client != nil {
			pc.client.Kill()
		}
	}
	h.clients = make(map[string]*pluginClient)
}

// resolve turns filePath into an absolute, symlink-resolved path and
// enforces containment under the verifiers directory.
func (h *PluginHost) resolve(filePath string) (string, error) {
	path := filePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.dir, path)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("custom verifier path %s could not be resolved: %v", filePath, err)
	}
	if path != h.dir && !strings.HasPrefix(path, h.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("custom verifier path %s is outside the verifiers directory", filePath)
	}
	return path, nil
}

// load starts (or reuses) the plugin process at path. The result, success
// or failure, is cached for the life of the host.
func (h *PluginHost) load(path string) *pluginClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pc, ok := h.clients[path]; ok {
		return pc
	}

	pc := &pluginClient{}
	h.clients[path] = pc

	if _, err := os.Stat(path); err != nil {
		pc.loadErr = fmt.Errorf("verifier binary not found: %v", err)
		return pc
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"verifier": &Plugin{},
		},
		Cmd:              exec.Command(path),
		Logger:           h.logger,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		pc.loadErr = fmt.Errorf("failed to launch: %w", err)
		return pc
	}

	raw, err := rpcClient.Dispense("verifier")
	if err != nil {
		client.Kill()
		pc.loadErr = fmt.Errorf("failed to dispense: %w", err)
		return pc
	}

	checker, ok := raw.(Checker)
	if !ok {
		client.Kill()
		pc.loadErr = fmt.Errorf("plugin does not implement the verifier interface")
		return pc
	}

	pc.client = client
	pc.checker = checker
	return pc
}
