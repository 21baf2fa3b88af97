// Package gemini implements the Gemini request line, response header and
// gemtext framing.
package gemini

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Status codes used by this server.
const (
	StatusInput            = 10
	StatusSuccess          = 20
	StatusRedirect         = 30
	StatusCGIError         = 42
	StatusSlowDown         = 44
	StatusPermanentFailure = 50
	StatusNotFound         = 51
	StatusBadRequest       = 59
)

// MaxRequestLen bounds the request URL in bytes.
const MaxRequestLen = 1024

const (
	MIMEGemtext = "text/gemini; charset=utf-8"
	MIMEPlain   = "text/plain; charset=utf-8"
)

var (
	// ErrRequestTooLong is returned when the request exceeds MaxRequestLen bytes.
	ErrRequestTooLong = errors.New("gemini: request too long")
	// ErrMalformedRequest is returned for anything that is not an absolute
	// gemini URL or a bare path.
	ErrMalformedRequest = errors.New("gemini: malformed request")
)

// Request is a parsed request line.
type Request struct {
	Host  string
	Path  string
	Query string // URL-decoded
	Raw   string
}

// ReadRequest reads and parses one CRLF-terminated request line.
func ReadRequest(r io.Reader) (Request, error) {
	br := bufio.NewReaderSize(r, MaxRequestLen+2)
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			if errors.Is(err, io.EOF) {
				return Request{}, ErrMalformedRequest
			}
			return Request{}, err
		}
		if b == '\n' {
			break
		}
		if len(buf) >= MaxRequestLen+1 {
			return Request{}, ErrRequestTooLong
		}
		buf = append(buf, b)
	}
	line := strings.TrimSuffix(string(buf), "\r")
	if len(line) > MaxRequestLen {
		return Request{}, ErrRequestTooLong
	}
	return ParseRequest(line)
}

// ParseRequest accepts "gemini://host/path?query" or "/path?query".
func ParseRequest(line string) (Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Request{}, ErrMalformedRequest
	}
	u, err := url.Parse(line)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	switch {
	case u.Scheme == "" && strings.HasPrefix(line, "/"):
	case strings.EqualFold(u.Scheme, "gemini") && u.Host != "":
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}
	if u.User != nil || u.Fragment != "" {
		return Request{}, fmt.Errorf("%w: userinfo or fragment present", ErrMalformedRequest)
	}
	query, err := url.PathUnescape(u.RawQuery)
	if err != nil {
		return Request{}, fmt.Errorf("%w: bad query escape", ErrMalformedRequest)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return Request{Host: u.Hostname(), Path: path, Query: query, Raw: line}, nil
}

// Header renders a response header line.
func Header(status int, meta string) []byte {
	meta = strings.NewReplacer("\r", "", "\n", " ").Replace(meta)
	return []byte(fmt.Sprintf("%d %s\r\n", status, meta))
}

// WriteHeader writes a response header line.
func WriteHeader(w io.Writer, status int, meta string) error {
	_, err := w.Write(Header(status, meta))
	return err
}

// Success renders a 20 response with body.
func Success(mime string, body []byte) []byte {
	out := Header(StatusSuccess, mime)
	return append(out, body...)
}

// SlowDown renders a 44 response. Retry seconds are rounded up and at least 1.
func SlowDown(retrySeconds int) []byte {
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	return Header(StatusSlowDown, fmt.Sprint(retrySeconds))
}

// Escape neutralizes gemtext line syntax in user-supplied text by prefixing
// a space to lines that would otherwise be parsed as links, headings, list
// items, quotes or preformat toggles.
func Escape(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if needsEscape(line) {
			lines[i] = " " + line
		}
	}
	return strings.Join(lines, "\n")
}

func needsEscape(line string) bool {
	for _, p := range []string{"=>", "#", "*", ">", "```"} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Doc builds a gemtext document.
type Doc struct {
	b strings.Builder
}

// Heading adds a level 1-3 heading.
func (d *Doc) Heading(level int, text string) *Doc {
	level = min(max(level, 1), 3)
	d.b.WriteString(strings.Repeat("#", level))
	d.b.WriteByte(' ')
	d.b.WriteString(oneLine(text))
	d.b.WriteByte('\n')
	return d
}

// Text adds escaped paragraph text.
func (d *Doc) Text(text string) *Doc {
	d.b.WriteString(Escape(text))
	d.b.WriteByte('\n')
	return d
}

// Textf is Text with formatting.
func (d *Doc) Textf(format string, args ...any) *Doc {
	return d.Text(fmt.Sprintf(format, args...))
}

// Blank adds an empty line.
func (d *Doc) Blank() *Doc {
	d.b.WriteByte('\n')
	return d
}

// Link adds a "=> url label" line.
func (d *Doc) Link(target, label string) *Doc {
	d.b.WriteString("=> ")
	d.b.WriteString(strings.ReplaceAll(oneLine(target), " ", "%20"))
	if label != "" {
		d.b.WriteByte(' ')
		d.b.WriteString(oneLine(label))
	}
	d.b.WriteByte('\n')
	return d
}

// Item adds a list item.
func (d *Doc) Item(text string) *Doc {
	d.b.WriteString("* ")
	d.b.WriteString(oneLine(text))
	d.b.WriteByte('\n')
	return d
}

// Preformatted adds a fenced block. Fence lines inside body are escaped.
func (d *Doc) Preformatted(alt, body string) *Doc {
	d.b.WriteString("```")
	d.b.WriteString(oneLine(alt))
	d.b.WriteByte('\n')
	for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
		if strings.HasPrefix(line, "```") {
			line = " " + line
		}
		d.b.WriteString(line)
		d.b.WriteByte('\n')
	}
	d.b.WriteString("```\n")
	return d
}

// Bytes returns the document body.
func (d *Doc) Bytes() []byte { return []byte(d.b.String()) }

func oneLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(s)
}
