package provider

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// DetectOption is a detection strategy. Returns (found, detail, err).
type DetectOption func(ctx context.Context) (bool, string, error)

// WithCommand checks if a command is in PATH (exec.LookPath).
func WithCommand(name string) DetectOption {
	return func(ctx context.Context) (bool, string, error) {
		path, err := exec.LookPath(name)
		if err != nil {
			return false, "", nil
		}
		return true, path, nil
	}
}

// WithCommandOutput runs a command and extracts the first regex group from
// its stdout (typically a version string).
func WithCommandOutput(pattern string, name string, args ...string) DetectOption {
	return func(ctx context.Context) (bool, string, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		out, err := cmd.Output()
		if err != nil {
			return false, "", nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, "", err
		}
		match := re.FindSubmatch(out)
		if match == nil {
			return false, "", nil
		}
		if len(match) > 1 {
			return true, strings.TrimSpace(string(match[1])), nil
		}
		return true, strings.TrimSpace(string(match[0])), nil
	}
}

// WithFileExists checks if any of the given paths exist (supports ~ expansion).
func WithFileExists(paths ...string) DetectOption {
	return func(ctx context.Context) (bool, string, error) {
		for _, p := range paths {
			expanded := expandHomePath(p)
			if expanded == "" {
				continue
			}
			if _, err := os.Stat(expanded); err == nil {
				return true, expanded, nil
			}
		}
		return false, "", nil
	}
}

// detect runs options in order and returns the first match's detail.
func detect(ctx context.Context, opts ...DetectOption) (bool, string, error) {
	for _, opt := range opts {
		found, detail, err := opt(ctx)
		if err != nil {
			return false, "", err
		}
		if found {
			return true, detail, nil
		}
	}
	return false, "", nil
}

// expandHomePath expands ~ to the user's home directory.
func expandHomePath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(filepath.FromSlash(path))
}
