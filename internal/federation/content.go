package federation

import (
	"strings"
	"time"

	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
)

// Entry is one selectable item published by a peer.
type Entry struct {
	Type     byte      `json:"type"`
	Text     string    `json:"text"`
	Selector string    `json:"selector"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Date     time.Time `json:"date,omitempty"` // zero when undated
	Peer     string    `json:"peer"`
}

// Dated reports whether a date was inferred from the text.
func (e Entry) Dated() bool { return !e.Date.IsZero() }

// peerContent is a wholesale snapshot of one peer's feed.
type peerContent struct {
	entries    []Entry
	capturedAt time.Time
}

// feedTypes are the item types kept from peer feeds and search results.
var feedTypes = map[byte]bool{
	gopher.TypeText:   true,
	gopher.TypeMenu:   true,
	gopher.TypeSearch: true,
	gopher.TypeHTML:   true,
	gopher.TypeBinary: true,
	gopher.TypeImage:  true,
	gopher.TypeGIF:    true,
}

// parseEntries turns a peer menu into entries, dropping non-selectable
// lines. Items with an empty host are treated as local to the peer.
func parseEntries(body []byte, peerHost string, peerPort int) []Entry {
	items := gopher.ParseMenu(body)
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		if !feedTypes[it.Type] {
			continue
		}
		e := Entry{
			Type:     it.Type,
			Text:     it.Text,
			Selector: it.Selector,
			Host:     it.Host,
			Port:     it.Port,
			Date:     inferDate(it.Text),
			Peer:     peerHost,
		}
		if e.Host == "" {
			e.Host, e.Port = peerHost, peerPort
		}
		out = append(out, e)
	}
	return out
}

// inferDate extracts a leading YYYY-MM-DD from text.
func inferDate(text string) time.Time {
	text = strings.TrimSpace(text)
	if len(text) < 10 {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, text[:10])
	if err != nil {
		return time.Time{}
	}
	return t
}
