package validation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/modelexchange/mxf/pkg/models"
)

// fsTools and netTools name the tool categories stage 3 scrutinizes,
// generalized from a policy.DefaultGroups-style grouping ("group:fs",
// "group:web").
var (
	fsTools  = map[string]bool{"read": true, "write": true, "edit": true, "exec": true}
	netTools = map[string]bool{"websearch": true, "webfetch": true, "browser": true}
)

// SecurityChecker consults path/protocol policy for tools that touch the
// filesystem or network.
type SecurityChecker interface {
	Check(toolName string, input map[string]any) []models.Finding
}

// DefaultSecurityChecker implements a path allow-list with symlink
// rejection for filesystem tools, and a protocol allow-list for network
// tools, grounded on an internal/tools/policy-style group model.
type DefaultSecurityChecker struct {
	AllowedPathPrefixes []string
	AllowedProtocols    []string
}

// NewDefaultSecurityChecker builds a checker with sensible defaults: the
// current working directory for paths, and https/http for network tools.
func NewDefaultSecurityChecker(allowedPathPrefixes ...string) *DefaultSecurityChecker {
	if len(allowedPathPrefixes) == 0 {
		if wd, err := os.Getwd(); err == nil {
			allowedPathPrefixes = []string{wd}
		}
	}
	return &DefaultSecurityChecker{
		AllowedPathPrefixes: allowedPathPrefixes,
		AllowedProtocols:    []string{"https://", "http://"},
	}
}

func (c *DefaultSecurityChecker) Check(toolName string, input map[string]any) []models.Finding {
	var findings []models.Finding

	if fsTools[toolName] {
		findings = append(findings, c.checkPath(input)...)
	}
	if netTools[toolName] {
		findings = append(findings, c.checkProtocol(input)...)
	}
	return findings
}

func (c *DefaultSecurityChecker) checkPath(input map[string]any) []models.Finding {
	raw, ok := input["path"].(string)
	if !ok || raw == "" {
		return nil
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return []models.Finding{{Kind: models.FindingSecurity, Severity: models.SeverityHigh, Message: "path could not be resolved: " + raw}}
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil && resolved != abs {
		if !c.withinAllowed(resolved) {
			return []models.Finding{{Kind: models.FindingSecurity, Severity: models.SeverityHigh, Message: "path resolves through a symlink outside the allowed roots: " + raw}}
		}
	}

	if !c.withinAllowed(abs) {
		return []models.Finding{{Kind: models.FindingSecurity, Severity: models.SeverityHigh, Message: "path outside allowed roots: " + raw}}
	}
	return nil
}

func (c *DefaultSecurityChecker) withinAllowed(path string) bool {
	if len(c.AllowedPathPrefixes) == 0 {
		return true
	}
	for _, prefix := range c.AllowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *DefaultSecurityChecker) checkProtocol(input map[string]any) []models.Finding {
	raw, ok := input["url"].(string)
	if !ok || raw == "" {
		return nil
	}
	for _, proto := range c.AllowedProtocols {
		if strings.HasPrefix(raw, proto) {
			return nil
		}
	}
	return []models.Finding{{Kind: models.FindingSecurity, Severity: models.SeverityHigh, Message: "url uses a disallowed protocol: " + raw}}
}
