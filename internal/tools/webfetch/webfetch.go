// Package webfetch is the builtin HTTP fetch tool. Every request and every
// redirect hop is vetted by the network guard before a connection is made.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/labels"
	"github.com/haasonsaas/warden/internal/netguard"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/tools"
)

const (
	defaultBodyCap   = 256 * 1024
	maxRedirects     = 5
	requestTimeout   = 30 * time.Second
	defaultUserAgent = "warden/1.0"
)

type params struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

// Tool fetches web pages through the guard.
type Tool struct {
	guard  *netguard.Guard
	client *http.Client
	policy *netguard.ToolPolicy
}

// New creates the tool. The client follows redirects only after the guard
// approves each hop.
func New(guard *netguard.Guard) *Tool {
	t := &Tool{
		guard: guard,
		policy: &netguard.ToolPolicy{
			BlockPrivateIPs:        true,
			BlockMetadataEndpoints: true,
		},
	}
	t.client = &http.Client{
		Timeout: requestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			d := guard.CheckRedirect(req.Context(), req.URL.String(), req.Method, t.policy)
			if !d.Allowed {
				return fmt.Errorf("redirect blocked: %s", d.Reason)
			}
			return nil
		},
	}
	return t
}

// Capability declares the tool. The pipeline runs the guard on the initial
// URL; the tool itself re-checks redirects.
func (t *Tool) Capability() tools.Capability {
	return tools.Capability{
		Name:        "web_fetch",
		Description: "Fetch a web page over HTTP or HTTPS and return its body as text.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "Absolute http(s) URL to fetch"},
				"method": {"type": "string", "enum": ["GET", "HEAD"], "description": "HTTP method (default GET)"}
			},
			"required": ["url"]
		}`),
		Actions:     []string{"get"},
		TargetField: "url",
		Approval: tools.ApprovalPolicy{
			Level:                       "none",
			UnknownHostRequiresApproval: true,
		},
		Network: t.policy,
		Execution: tools.ExecutionPolicy{
			Sandbox:   sandbox.LevelNone,
			OutputCap: defaultBodyCap,
			TimeoutMS: int(requestTimeout / time.Millisecond),
		},
		Labels: tools.LabelPolicy{
			OutputTrust: labels.TrustUntrusted,
			OutputClass: labels.ClassInternal,
		},
		Audit: tools.AuditPolicy{LogArgs: true, LogOutput: true},
	}
}

// Execute performs the request. Transport failures come back as error
// outputs, not Go errors.
func (t *Tool) Execute(ctx context.Context, inv tools.Invocation) (*tools.Output, error) {
	var p params
	if err := json.Unmarshal(inv.Input, &p); err != nil {
		return &tools.Output{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return &tools.Output{Content: fmt.Sprintf("invalid URL: %v", err), IsError: true}, nil
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return &tools.Output{Content: fmt.Sprintf("request failed: %v", err), IsError: true, Method: method}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultBodyCap+1))
	if err != nil {
		return &tools.Output{Content: fmt.Sprintf("read failed: %v", err), IsError: true, Method: method}, nil
	}

	out := fmt.Sprintf("HTTP %d %s\n\n%s", resp.StatusCode, resp.Request.URL, body)
	return &tools.Output{
		Content: out,
		IsError: resp.StatusCode >= 400,
		Method:  method,
	}, nil
}
