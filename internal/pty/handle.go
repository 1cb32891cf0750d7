// Package pty spawns provider processes under a pseudo-terminal, streams
// combined stdout/stderr chunks to subscribers, and surfaces process exit.
package pty

import "io"

// Handle abstracts PTY operations across Unix and Windows.
// On Unix, this wraps creack/pty (*os.File).
// On Windows, this wraps Windows ConPTY.
type Handle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
