package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/toolforge/forge/pkg/config"
	"github.com/toolforge/forge/pkg/server"
)

// ChatCmd is a terminal client for a running forge server. It posts one
// message (or one resume decision) and prints the SSE event stream.
type ChatCmd struct {
	Message string `arg:"" optional:"" help:"Message to send."`

	URL     string `help:"Server base URL (default: discover via the lock file)."`
	Session string `help:"Session id to continue."`
	Model   string `help:"Model override (server must allow user model select)."`
	Level   string `name:"hitl-level" help:"HITL level override (server must allow user HITL config)."`
	Token   string `help:"Bearer JWT (default: a locally minted trust-mode token)."`
	User    string `help:"Subject claim for the minted token." default:"local"`
	Stream  bool   `help:"Request token-level streaming." default:"true" negatable:""`

	Resume   string `help:"Resume token from a pause event."`
	Decision string `help:"Decision for --resume: approve or deny."`

	LockFile string `name:"lock-file" help:"Lock file path." default:".forge-service.lock"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	baseURL, err := c.baseURL(cli.Config)
	if err != nil {
		return err
	}

	token := c.Token
	if token == "" {
		token = mintTrustToken(c.User)
	}

	path, body, err := c.requestBody()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	// No overall timeout: the stream stays open for the life of the turn.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach forge at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	if sid := resp.Header.Get("X-Session-Id"); sid != "" && c.Session == "" {
		fmt.Printf("session %s\n", sid)
	}
	return printEvents(os.Stdout, resp.Body)
}

// baseURL resolves the server address: explicit flag, then the lock file,
// then the configured sidecar port.
func (c *ChatCmd) baseURL(configPath string) (string, error) {
	if c.URL != "" {
		return strings.TrimRight(c.URL, "/"), nil
	}
	if lf, err := server.ReadLockFile(c.LockFile); err == nil {
		return fmt.Sprintf("http://127.0.0.1:%d", lf.Port), nil
	}
	if cfg, err := config.Load(configPath); err == nil && cfg.Sidecar.Enabled {
		return fmt.Sprintf("http://127.0.0.1:%d", cfg.Sidecar.Port), nil
	}
	return "", fmt.Errorf("no running forge server found (no lock file at %s); pass --url", c.LockFile)
}

func (c *ChatCmd) requestBody() (string, []byte, error) {
	if c.Resume != "" {
		switch c.Decision {
		case "approve", "deny":
		default:
			return "", nil, fmt.Errorf("--resume requires --decision approve or --decision deny")
		}
		body, err := json.Marshal(map[string]string{
			"resume_token": c.Resume,
			"decision":     c.Decision,
		})
		return "/agent-api/chat/resume", body, err
	}

	if strings.TrimSpace(c.Message) == "" {
		return "", nil, fmt.Errorf("message is required (or pass --resume)")
	}
	body, err := json.Marshal(map[string]any{
		"session_id": c.Session,
		"message":    c.Message,
		"model":      c.Model,
		"hitl_level": c.Level,
		"stream":     c.Stream,
	})
	return "/agent-api/chat", body, err
}

// mintTrustToken builds an unsigned JWT a trust-mode server accepts.
func mintTrustToken(sub string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]any{
		"sub": sub,
		"iat": time.Now().Unix(),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return header + "." + payload + ".local"
}

func serverError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("forge returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("forge returned %d", resp.StatusCode)
}

// printEvents renders the SSE stream until the server closes it.
func printEvents(w io.Writer, body io.Reader) error {
	var name, data string
	streaming := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if name == "" {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				payload = map[string]any{}
			}
			streaming = renderEvent(w, name, payload, streaming)
			name, data = "", ""
		}
	}
	if streaming {
		fmt.Fprintln(w)
	}
	return scanner.Err()
}

// renderEvent writes one event. The returned flag tracks whether the
// output sits mid-line from text deltas.
func renderEvent(w io.Writer, name string, data map[string]any, midline bool) bool {
	endLine := func() {
		if midline {
			fmt.Fprintln(w)
		}
	}

	switch name {
	case "text_delta":
		fmt.Fprint(w, stringField(data, "text"))
		return true
	case "text":
		endLine()
		fmt.Fprintln(w, stringField(data, "text"))
	case "tool_call":
		endLine()
		fmt.Fprintf(w, "-> %s %s\n", stringField(data, "tool"), compactJSON(data["args"]))
	case "tool_result":
		endLine()
		fmt.Fprintf(w, "<- %s %s\n", stringField(data, "tool"), compactJSON(data["result"]))
	case "tool_warning":
		endLine()
		fmt.Fprintf(w, "!  %s: %s\n", stringField(data, "verifier"), stringField(data, "message"))
	case "hitl":
		endLine()
		fmt.Fprintf(w, "?  %s\n", stringField(data, "message"))
		fmt.Fprintf(w, "   forge chat --resume %s --decision approve\n", stringField(data, "resumeToken"))
		fmt.Fprintf(w, "   forge chat --resume %s --decision deny\n", stringField(data, "resumeToken"))
	case "done":
		endLine()
		if usage, ok := data["usage"].(map[string]any); ok {
			fmt.Fprintf(w, "   (%v in / %v out tokens)\n", usage["inputTokens"], usage["outputTokens"])
		}
	case "error":
		endLine()
		fmt.Fprintf(w, "error: %s\n", stringField(data, "message"))
	}
	return false
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
