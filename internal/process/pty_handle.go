package process

import "io"

// PtyHandle abstracts the pseudo-terminal across platforms: creack/pty
// on Unix, ConPTY on Windows.
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the terminal window size.
	Resize(cols, rows uint16) error
}
