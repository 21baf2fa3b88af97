package gopher

import (
	"io"
	"strings"
)

// StreamWriter emits a menu incrementally: header lines go out at once,
// body chunks are re-tagged as info lines as soon as a full line is
// available, and Close flushes the remainder, the footer and the terminator.
type StreamWriter struct {
	w       io.Writer
	host    string
	port    int
	pending strings.Builder
	closed  bool
}

// NewStreamWriter writes header immediately and returns a writer for the body.
func NewStreamWriter(w io.Writer, header *Menu) (*StreamWriter, error) {
	s := &StreamWriter{w: w, host: header.Host, port: header.Port}
	if err := s.writeItems(header.Items()); err != nil {
		return nil, err
	}
	return s, nil
}

// WriteChunk appends text from the upstream generator. Complete lines are
// written out; a trailing partial line waits for the next chunk.
func (s *StreamWriter) WriteChunk(chunk string) error {
	s.pending.WriteString(chunk)
	buf := s.pending.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil
	}
	complete, rest := buf[:idx], buf[idx+1:]
	s.pending.Reset()
	s.pending.WriteString(rest)
	return s.writeInfo(complete)
}

// Close writes any partial line, the footer items and the terminator.
func (s *StreamWriter) Close(footer *Menu) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pending.Len() > 0 {
		if err := s.writeInfo(s.pending.String()); err != nil {
			return err
		}
		s.pending.Reset()
	}
	if footer != nil {
		if err := s.writeItems(footer.Items()); err != nil {
			return err
		}
	}
	_, err := io.WriteString(s.w, Terminator)
	return err
}

func (s *StreamWriter) writeInfo(text string) error {
	m := NewMenu(s.host, s.port).Info(text)
	return s.writeItems(m.Items())
}

func (s *StreamWriter) writeItems(items []Item) error {
	if len(items) == 0 {
		return nil
	}
	var b strings.Builder
	for _, it := range items {
		it.appendTo(&b)
	}
	_, err := io.WriteString(s.w, b.String())
	return err
}
