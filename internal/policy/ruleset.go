package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Ruleset holds the pattern data the enforcer evaluates against.
// Rules are data, not code: deployments can override the defaults
// with a YAML file via policy.rulesFile.
type Ruleset struct {
	// BlockedCommandLiterals are matched case-insensitively as substrings;
	// a literal ending in "/" does not match when a path component follows.
	BlockedCommandLiterals []string `yaml:"blockedCommandLiterals"`
	// DangerousCommandPatterns are regular expressions matched against the
	// whole command line.
	DangerousCommandPatterns []string `yaml:"dangerousCommandPatterns"`
	// SensitivePathPatterns guard filesystem access. A single `*` segment
	// matches exactly one path component.
	SensitivePathPatterns []string `yaml:"sensitivePathPatterns"`
	// SecretPatterns drive redaction. Matches keep their first four
	// characters; the remainder is masked.
	SecretPatterns []string `yaml:"secretPatterns"`
	// RestrictedEgressHosts are the hosts reachable in restricted network
	// mode (exact match or any subdomain).
	RestrictedEgressHosts []string `yaml:"restrictedEgressHosts"`

	compileOnce    sync.Once
	compileErr     error
	commandRegexps []*regexp.Regexp
	secretRegexps  []*regexp.Regexp
	pathRegexps    []*regexp.Regexp
}

// DefaultRuleset returns the built-in rule pack.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		BlockedCommandLiterals: []string{
			"rm -rf /",
			"dd if=/dev/zero",
			"mkfs",
			":(){ :|:& };:",
			"chmod -r 777 /",
			"> /dev/sda",
			"curl|sh",
			"wget|bash",
		},
		DangerousCommandPatterns: []string{
			// rm -rf pointed at a system root rather than scratch space
			`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*\s+/(etc|usr|var|home|root|boot|bin|sbin|lib|opt|srv)\b`,
			`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*\s+/\s*$`,
			// redirects into system config or binaries
			`>\s*/(etc|usr)/`,
			`(?i)\bchmod\s+(-r\s+)?777\b`,
			// remote script piped straight into a shell
			`(?i)\b(curl|wget)\b[^|;]*\|\s*(ba|z)?sh\b`,
			`(?i)\beval\s*\(`,
			// command substitution that invokes rm
			"\\$\\([^)]*\\brm\\b[^)]*\\)",
			"`[^`]*\\brm\\b[^`]*`",
		},
		SensitivePathPatterns: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/etc/sudoers",
			"/root",
			"/home/*/.ssh",
			"/home/*/.gnupg",
			"/var/log",
			"/sys",
			"/proc",
		},
		SecretPatterns: []string{
			// GitHub tokens: ghp_/gho_/ghu_/ghs_/ghr_ + 36 chars
			`gh[pousr]_[A-Za-z0-9]{36}`,
			// AWS access key id
			`AKIA[0-9A-Z]{16}`,
			// AWS secret access key assignment
			`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*[A-Za-z0-9/+=]{30,}`,
			// Generic key=value credentials with non-trivial values
			`(?i)\b(?:token|secret|password)=[^\s"']{8,}`,
			// Generic API keys
			`(?i)api[_-]?key["'=:\s]+[A-Za-z0-9_\-]{16,}`,
			// Bearer JWTs
			`Bearer\s+[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`,
			// PEM private key blocks
			`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
		},
		RestrictedEgressHosts: []string{
			"github.com",
			"gitlab.com",
			"bitbucket.org",
			"npmjs.org",
			"pypi.org",
			"registry.npmjs.org",
		},
	}
}

// LoadRulesetFile reads a YAML rule pack from disk. Fields left empty in the
// file fall back to the built-in defaults.
func LoadRulesetFile(path string) (*Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset file: %w", err)
	}

	rs := &Ruleset{}
	if err := yaml.Unmarshal(raw, rs); err != nil {
		return nil, fmt.Errorf("parse ruleset file: %w", err)
	}

	defaults := DefaultRuleset()
	if len(rs.BlockedCommandLiterals) == 0 {
		rs.BlockedCommandLiterals = defaults.BlockedCommandLiterals
	}
	if len(rs.DangerousCommandPatterns) == 0 {
		rs.DangerousCommandPatterns = defaults.DangerousCommandPatterns
	}
	if len(rs.SensitivePathPatterns) == 0 {
		rs.SensitivePathPatterns = defaults.SensitivePathPatterns
	}
	if len(rs.SecretPatterns) == 0 {
		rs.SecretPatterns = defaults.SecretPatterns
	}
	if len(rs.RestrictedEgressHosts) == 0 {
		rs.RestrictedEgressHosts = defaults.RestrictedEgressHosts
	}

	return rs, nil
}

// compile prepares the regular expressions, once per ruleset (rulesets are
// shared across the sessions of a runner). Invalid patterns are rejected so
// a bad rule pack fails loudly at startup rather than silently not matching.
func (rs *Ruleset) compile() error {
	rs.compileOnce.Do(func() {
		rs.compileErr = rs.compileAll()
	})
	return rs.compileErr
}

func (rs *Ruleset) compileAll() error {
	rs.commandRegexps = make([]*regexp.Regexp, 0, len(rs.DangerousCommandPatterns))
	for _, p := range rs.DangerousCommandPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid command pattern %q: %w", p, err)
		}
		rs.commandRegexps = append(rs.commandRegexps, re)
	}

	rs.secretRegexps = make([]*regexp.Regexp, 0, len(rs.SecretPatterns))
	for _, p := range rs.SecretPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid secret pattern %q: %w", p, err)
		}
		rs.secretRegexps = append(rs.secretRegexps, re)
	}

	rs.pathRegexps = make([]*regexp.Regexp, 0, len(rs.SensitivePathPatterns))
	for _, p := range rs.SensitivePathPatterns {
		re, err := compilePathPattern(p)
		if err != nil {
			return fmt.Errorf("invalid path pattern %q: %w", p, err)
		}
		rs.pathRegexps = append(rs.pathRegexps, re)
	}

	return nil
}

// compilePathPattern converts a sensitive path pattern to a regexp.
// `*` matches a single path component. A pattern matches the path itself
// and everything beneath it.
func compilePathPattern(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^/]+`)
	return regexp.Compile("^" + escaped + "(/.*)?$")
}
