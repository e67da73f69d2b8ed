package process

import (
	"strings"

	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
)

// scanPTY renders raw terminal output through a vt10x emulator and
// emits rows as plain text whenever they change. Interactive CLIs
// repaint the screen constantly; diffing rendered rows against the last
// snapshot keeps the event stream to actual content changes.
func (l *Launcher) scanPTY(sessionID string, ptmx PtyHandle, log *logger.Logger) {
	term := vt10x.New(vt10x.WithSize(ptyCols, ptyRows))
	last := make([]string, ptyRows)

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			if _, werr := term.Write(buf[:n]); werr != nil {
				log.Debug("vt10x write failed", zap.Error(werr))
			}
			for row := 0; row < ptyRows; row++ {
				line := renderRow(term, row)
				if line == last[row] {
					continue
				}
				last[row] = line
				if strings.TrimSpace(line) == "" {
					continue
				}
				l.emit(events.ProcessStdout, sessionID, map[string]any{
					"stream": "stdout",
					"line":   strings.TrimRight(line, " "),
				})
			}
		}
		if err != nil {
			log.Debug("pty read ended", zap.Error(err))
			return
		}
	}
}

func renderRow(term vt10x.Terminal, row int) string {
	chars := make([]rune, 0, ptyCols)
	for col := 0; col < ptyCols; col++ {
		g := term.Cell(col, row)
		if g.Char == 0 {
			chars = append(chars, ' ')
		} else {
			chars = append(chars, g.Char)
		}
	}
	return string(chars)
}
