package gemini

import (
	"io"
	"strings"
)

// StreamWriter writes a 20 header immediately and then escapes body text
// line by line as chunks arrive.
type StreamWriter struct {
	w       io.Writer
	pending strings.Builder
	closed  bool
}

// NewStreamWriter writes the success header and prefix (already-built
// gemtext, unescaped) and returns a writer for the streamed body.
func NewStreamWriter(w io.Writer, prefix []byte) (*StreamWriter, error) {
	if err := WriteHeader(w, StatusSuccess, MIMEGemtext); err != nil {
		return nil, err
	}
	if len(prefix) > 0 {
		if _, err := w.Write(prefix); err != nil {
			return nil, err
		}
	}
	return &StreamWriter{w: w}, nil
}

// WriteChunk buffers text until a full line is available.
func (s *StreamWriter) WriteChunk(chunk string) error {
	s.pending.WriteString(chunk)
	buf := s.pending.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil
	}
	complete, rest := buf[:idx+1], buf[idx+1:]
	s.pending.Reset()
	s.pending.WriteString(rest)
	_, err := io.WriteString(s.w, Escape(complete))
	return err
}

// Close flushes the partial line and writes suffix verbatim.
func (s *StreamWriter) Close(suffix []byte) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pending.Len() > 0 {
		if _, err := io.WriteString(s.w, Escape(s.pending.String())+"\n"); err != nil {
			return err
		}
		s.pending.Reset()
	}
	if len(suffix) > 0 {
		_, err := s.w.Write(suffix)
		return err
	}
	return nil
}
