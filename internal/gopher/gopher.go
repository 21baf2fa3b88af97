// Package gopher implements the RFC 1436 wire format: request reading, menu
// and text framing, incremental (streamed) menus and menu parsing.
package gopher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Item types used by this server.
const (
	TypeText   byte = '0'
	TypeMenu   byte = '1'
	TypeError  byte = '3'
	TypeSearch byte = '7'
	TypeBinary byte = '9'
	TypeGIF    byte = 'g'
	TypeHTML   byte = 'h'
	TypeInfo   byte = 'i'
	TypeImage  byte = 'I'
)

// MaxSelectorLen bounds a request line.
const MaxSelectorLen = 1024

// Terminator ends every menu and text response.
const Terminator = ".\r\n"

var (
	// ErrSelectorTooLong is returned when no line ending arrives within MaxSelectorLen bytes.
	ErrSelectorTooLong = errors.New("gopher: selector too long")
	// ErrEmptyRequest is returned when the client closes before sending anything.
	ErrEmptyRequest = errors.New("gopher: empty request")
)

// Selectable reports whether t names a followable item.
func Selectable(t byte) bool {
	switch t {
	case TypeText, TypeMenu, TypeSearch, TypeHTML, TypeBinary, TypeImage, TypeGIF:
		return true
	}
	return false
}

// ReadRequest reads one selector line terminated by CRLF, LF or EOF. The
// returned selector is trimmed of surrounding whitespace except interior tabs.
func ReadRequest(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(r, MaxSelectorLen+2)
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return "", ErrEmptyRequest
				}
				break
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(buf) >= MaxSelectorLen {
			return "", ErrSelectorTooLong
		}
		buf = append(buf, b)
	}
	return strings.Trim(string(buf), " \r\n"), nil
}

// SplitQuery separates a type-7 search string from the selector. Gopher
// clients send "selector\tquery"; space and "?" separators are accepted too
// for hand-typed requests against the given prefix.
func SplitQuery(selector, prefix string) (query string, ok bool) {
	if selector == prefix {
		return "", true
	}
	if !strings.HasPrefix(selector, prefix) {
		return "", false
	}
	rest := selector[len(prefix):]
	switch rest[0] {
	case '\t', ' ', '?':
		return rest[1:], true
	}
	return "", false
}

// Escape strips characters that would break menu framing.
func Escape(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\r', '\n':
			return -1
		}
		return r
	}, text)
}

// Item is one menu line.
type Item struct {
	Type     byte
	Text     string
	Selector string
	Host     string
	Port     int
}

// String renders the item as a wire line including CRLF.
func (it Item) String() string {
	var b strings.Builder
	it.appendTo(&b)
	return b.String()
}

func (it Item) appendTo(b *strings.Builder) {
	b.WriteByte(it.Type)
	b.WriteString(Escape(it.Text))
	b.WriteByte('\t')
	b.WriteString(Escape(it.Selector))
	b.WriteByte('\t')
	b.WriteString(Escape(it.Host))
	b.WriteByte('\t')
	b.WriteString(strconv.Itoa(it.Port))
	b.WriteString("\r\n")
}

// Menu accumulates items for one response. Selectable items get the menu's
// host and port unless they set their own.
type Menu struct {
	Host  string
	Port  int
	items []Item
}

// NewMenu creates a Menu that links back to host:port.
func NewMenu(host string, port int) *Menu {
	return &Menu{Host: host, Port: port}
}

// Info adds a non-selectable line. Multi-line text becomes several info lines.
func (m *Menu) Info(text string) *Menu {
	for _, line := range splitLines(text) {
		m.items = append(m.items, Item{Type: TypeInfo, Text: line, Selector: "", Host: m.Host, Port: m.Port})
	}
	return m
}

// Infof is Info with formatting.
func (m *Menu) Infof(format string, args ...any) *Menu {
	return m.Info(fmt.Sprintf(format, args...))
}

// Blank adds an empty info line.
func (m *Menu) Blank() *Menu {
	m.items = append(m.items, Item{Type: TypeInfo, Host: m.Host, Port: m.Port})
	return m
}

// Link adds a selectable local item.
func (m *Menu) Link(t byte, text, selector string) *Menu {
	m.items = append(m.items, Item{Type: t, Text: text, Selector: selector, Host: m.Host, Port: m.Port})
	return m
}

// Error adds a type-3 line.
func (m *Menu) Error(text string) *Menu {
	m.items = append(m.items, Item{Type: TypeError, Text: text, Host: m.Host, Port: m.Port})
	return m
}

// Add appends an item as-is, e.g. a remote link.
func (m *Menu) Add(it Item) *Menu {
	m.items = append(m.items, it)
	return m
}

// Items returns the accumulated items.
func (m *Menu) Items() []Item { return m.items }

// Bytes renders the menu followed by the terminator.
func (m *Menu) Bytes() []byte {
	var b strings.Builder
	for _, it := range m.items {
		it.appendTo(&b)
	}
	b.WriteString(Terminator)
	return []byte(b.String())
}

// ErrorResponse renders a single type-3 line plus terminator.
func ErrorResponse(text, host string, port int) []byte {
	return NewMenu(host, port).Error(text).Bytes()
}

// TextResponse frames a type-0 document: CRLF line endings, lines that
// start with "." doubled, then the terminator.
func TextResponse(body string) []byte {
	var b strings.Builder
	for _, line := range splitLines(body) {
		if strings.HasPrefix(line, ".") {
			b.WriteByte('.')
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(Terminator)
	return []byte(b.String())
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
