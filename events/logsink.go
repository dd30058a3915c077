package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

// LogSink writes one human-readable line per event to w, used by
// cmd/mrklfetch. Byte-valued fields (byte_begin, byte_end, size) are
// rendered with humanize.Bytes; output is colorized only when w looks
// like a terminal, matching the teacher's own reliance on
// mattn/go-isatty + mgutz/ansi for CLI polish rather than a logging
// framework.
type LogSink struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewLogSink wraps w. When isFD is true, fd is consulted via isatty to
// decide whether to colorize; pass isFD false (e.g. for a file sink)
// to always disable color.
func NewLogSink(w io.Writer, fd uintptr, isFD bool) *LogSink {
	color := isFD && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	return &LogSink{w: w, color: color}
}

func (s *LogSink) paint(style, text string) string {
	if !s.color {
		return text
	}
	return ansi.Color(text, style)
}

func (s *LogSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	style := "default"
	switch e.Kind {
	case ChunkVfyFail:
		style = "red"
	case ChunkVfyOK, AutoBufferOn:
		style = "green"
	case ChunkVfyRetry, ReadAhead:
		style = "yellow"
	}

	fmt.Fprintf(s.w, "%s %s\n", s.paint(style, e.Kind.String()), formatFields(e.Fields))
}

func formatFields(fields map[string]any) string {
	out := ""
	for _, k := range []string{"leaf_index", "from_leaf", "to_leaf", "attempt", "consecutive_count", "threshold", "byte_begin", "byte_end", "size", "elapsed_ms", "reference_hash_hex", "computed_hash_hex"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if k == "byte_begin" || k == "byte_end" || k == "size" {
			if n, ok := toUint64(v); ok {
				out += fmt.Sprintf("%s=%s ", k, humanize.Bytes(n))
				continue
			}
		}
		out += fmt.Sprintf("%s=%v ", k, v)
	}
	return out
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}
