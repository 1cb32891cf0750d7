package policy

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
)

// Enforcer evaluates actions against a session's policy spec and records
// violations. Blocked actions must be refused by the caller; warn-level
// violations permit the action but leave a record.
type Enforcer struct {
	spec    Spec
	rules   *Ruleset
	logger  *logger.Logger
	mu      sync.Mutex
	history []Violation
	stats   map[ViolationType]int
}

// NewEnforcer creates an enforcer for one session.
func NewEnforcer(spec Spec, rules *Ruleset, log *logger.Logger) (*Enforcer, error) {
	if rules == nil {
		rules = DefaultRuleset()
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Enforcer{
		spec:   spec,
		rules:  rules,
		logger: log.WithFields(zap.String("component", "policy-enforcer")),
		stats:  make(map[ViolationType]int),
	}, nil
}

// Spec returns the policy spec this enforcer evaluates against.
func (e *Enforcer) Spec() Spec {
	return e.spec
}

// CheckCommand decides whether a shell command may run.
func (e *Enforcer) CheckCommand(command string) Decision {
	var violations []Violation
	lower := strings.ToLower(command)

	for _, literal := range e.rules.BlockedCommandLiterals {
		if literalMatches(lower, strings.ToLower(literal)) {
			violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
				fmt.Sprintf("blocked literal: %s", literal), command))
		}
	}

	for i, re := range e.rules.commandRegexps {
		if re.MatchString(command) {
			violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
				fmt.Sprintf("dangerous pattern: %s", e.rules.DangerousCommandPatterns[i]), command))
		}
	}

	for _, segment := range pipelineSegments(command) {
		token := firstToken(segment)
		if token == "" {
			continue
		}
		for _, denied := range e.spec.ShellDenylist {
			if commandMatches(token, denied) {
				violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
					fmt.Sprintf("denylisted command: %s", denied), command))
			}
		}
	}

	if len(e.spec.ShellAllowlist) > 0 && len(violations) == 0 {
		token := firstToken(command)
		allowed := false
		for _, entry := range e.spec.ShellAllowlist {
			if entry == "*" || commandMatches(token, entry) {
				allowed = true
				break
			}
		}
		if !allowed {
			violations = append(violations, e.record(ViolationShellCommand, SeverityBlock,
				"command not in allowlist", command))
		}
	}

	return Decision{Allowed: !hasBlocking(violations), Violations: violations}
}

// CheckPath decides whether a filesystem operation on path may proceed.
func (e *Enforcer) CheckPath(p string, op string) Decision {
	var violations []Violation

	if strings.Contains(p, "..") {
		violations = append(violations, e.record(ViolationFilesystemPath, SeverityBlock,
			"directory traversal", fmt.Sprintf("%s %s", op, p)))
	}

	cleaned := filepath.ToSlash(path.Clean(filepath.ToSlash(p)))
	for i, re := range e.rules.pathRegexps {
		if re.MatchString(cleaned) {
			violations = append(violations, e.record(ViolationFilesystemPath, SeverityBlock,
				fmt.Sprintf("sensitive path: %s", e.rules.SensitivePathPatterns[i]),
				fmt.Sprintf("%s %s", op, p)))
		}
	}

	return Decision{Allowed: !hasBlocking(violations), Violations: violations}
}

// RedactSecrets masks credential-shaped substrings in text. Each match keeps
// its first four characters; the remainder is replaced with '*'. One
// warn-level violation is recorded per call when anything matched.
func (e *Enforcer) RedactSecrets(text string) RedactionResult {
	redacted := text
	found := 0

	for _, re := range e.rules.secretRegexps {
		redacted = re.ReplaceAllStringFunc(redacted, func(match string) string {
			found++
			return maskSecret(match)
		})
	}

	if found > 0 {
		e.record(ViolationSecretDetected, SeverityWarn,
			fmt.Sprintf("%d secrets redacted", found), "")
		e.logger.Warn("redacted secrets from session output", zap.Int("count", found))
	}

	return RedactionResult{Redacted: redacted, SecretsFound: found}
}

// CheckNetworkEgress decides whether the session may reach a URL.
func (e *Enforcer) CheckNetworkEgress(rawURL string) Decision {
	if e.spec.NetworkMode == NetworkOpen {
		return Decision{Allowed: true}
	}

	host, err := egressHost(rawURL)
	if err != nil {
		v := e.record(ViolationNetworkEgress, SeverityBlock, "unparseable url", rawURL)
		return Decision{Allowed: false, Violations: []Violation{v}}
	}

	for _, allowed := range e.rules.RestrictedEgressHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return Decision{Allowed: true}
		}
	}

	v := e.record(ViolationNetworkEgress, SeverityBlock, "host not in egress allowlist", rawURL)
	return Decision{Allowed: false, Violations: []Violation{v}}
}

// RequiresApproval reports whether the action category is approval-gated.
func (e *Enforcer) RequiresApproval(action ApprovalCategory) bool {
	for _, cat := range e.spec.RequiresApprovalFor {
		if cat == action {
			return true
		}
	}
	return false
}

// GetViolationStats returns violation counts by type.
func (e *Enforcer) GetViolationStats() map[ViolationType]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[ViolationType]int, len(e.stats))
	for k, v := range e.stats {
		out[k] = v
	}
	return out
}

// Violations returns a copy of the recorded violation history.
func (e *Enforcer) Violations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Violation, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Enforcer) record(vt ViolationType, severity Severity, rule, target string) Violation {
	v := Violation{
		Type:       vt,
		Severity:   severity,
		Rule:       rule,
		Target:     target,
		OccurredAt: time.Now().UTC(),
	}
	e.mu.Lock()
	e.history = append(e.history, v)
	e.stats[vt]++
	e.mu.Unlock()
	return v
}

func hasBlocking(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// literalMatches reports whether a blocked literal occurs in the command.
// Literals ending in "/" target the filesystem root: the slash must not be
// followed by a path component, so "rm -rf /" does not match "rm -rf /tmp".
func literalMatches(command, literal string) bool {
	if !strings.HasSuffix(literal, "/") {
		return strings.Contains(command, literal)
	}
	for idx := strings.Index(command, literal); idx >= 0; {
		end := idx + len(literal)
		if end >= len(command) || command[end] == ' ' || command[end] == ';' || command[end] == '&' {
			return true
		}
		next := strings.Index(command[idx+1:], literal)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

// maskSecret keeps the first four characters and masks the rest.
func maskSecret(match string) string {
	if len(match) <= 4 {
		return strings.Repeat("*", len(match))
	}
	return match[:4] + strings.Repeat("*", len(match)-4)
}

// pipelineSegments splits a command line on pipes so denylisted commands
// are caught even when they appear mid-pipeline.
func pipelineSegments(command string) []string {
	parts := strings.Split(command, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// firstToken returns the first whitespace-delimited token of a command.
func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// commandMatches compares a command token against a policy entry.
// The base name of the token also counts, so "/usr/bin/git" matches "git".
func commandMatches(token, entry string) bool {
	if token == entry {
		return true
	}
	return filepath.Base(token) == entry
}

// egressHost extracts the hostname from a URL, tolerating scheme-less input.
func egressHost(rawURL string) (string, error) {
	candidate := rawURL
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return host, nil
}
