package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrCommandBlocked is the error kind for shell commands matching a
// guardrail pattern.
type ErrCommandBlocked struct {
	Pattern string
}

func (e *ErrCommandBlocked) Error() string {
	return fmt.Sprintf("command blocked by guardrail: %s", e.Pattern)
}

// builtinDenyPatterns are always enforced and cannot be removed by
// configuration.
var builtinDenyPatterns = []string{
	// pipe-to-shell downloads
	`\bcurl\b[^|]*\|\s*(ba|z|da|k)?sh\b`,
	`\bwget\b[^|]*\|\s*(ba|z|da|k)?sh\b`,
	// fork bomb
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;:`,
	// privilege escalation
	`(^|[;&|]\s*)sudo\b`,
	`(^|[;&|]\s*)su\b`,
	// recursive root deletion
	`\brm\s+(-[a-zA-Z]+\s+)*-?[rf]*\s*/\s*($|[;&|])`,
	`\brm\s+-rf\s+/\b`,
	`\brm\s+-rf?\s+[/~]`,
	// disk destruction
	`\bmkfs(\.[a-z0-9]+)?\b`,
	`\bdd\b.*\bof=/dev/`,
	`\bfdisk\b`,
	// redirection to device files
	`>\s*/dev/(sd|hd|nvme|disk)`,
	// machine control
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
}

// CommandGuard inspects shell commands before they reach the sandbox.
type CommandGuard struct {
	deny []*regexp.Regexp
}

// NewCommandGuard compiles the built-in patterns plus configured additions.
// Invalid extra patterns are skipped; built-ins always apply.
func NewCommandGuard(extra []string) *CommandGuard {
	patterns := make([]*regexp.Regexp, 0, len(builtinDenyPatterns)+len(extra))
	for _, p := range builtinDenyPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}
	return &CommandGuard{deny: patterns}
}

// Check returns an ErrCommandBlocked if the command matches any guardrail.
func (g *CommandGuard) Check(command string) error {
	for _, re := range g.deny {
		if re.MatchString(command) {
			return &ErrCommandBlocked{Pattern: re.String()}
		}
	}
	return nil
}
