package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/ai"
	"github.com/EntropyParadigm/pure-gopher/internal/blocklist"
	"github.com/EntropyParadigm/pure-gopher/internal/content"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/ratelimit"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

// Route paths shared by both protocols.
const (
	PathHome             = "/"
	PathAbout            = "/about"
	PathAsk              = "/ask"
	PathFederation       = "/federation"
	PathFederationSearch = "/federation/search"
	PathFederationPeers  = "/federation/peers"
	PathFederationFeed   = federation.FeedSelector
	PathSearch           = federation.SearchSelector
	PathServerStats      = "/server-stats"
)

const (
	feedLimit       = 50
	searchLimit     = 50
	maxPromptLen    = 1000
	defaultAISystem = "You are answering a question typed into a Gopher or Gemini client. " +
		"Reply in plain text without markdown, wrapped at 70 columns."
)

// Federation is the read side of the federation service used by routes.
type Federation interface {
	Enabled() bool
	AggregatedFeed(limit int) []federation.Entry
	FederatedSearch(ctx context.Context, query string, limit int) []federation.Entry
	ListPeers() []model.Peer
}

// ServerStats is the snapshot rendered at /server-stats.
type ServerStats struct {
	Uptime    time.Duration
	Admission admission.Stats
	RateLimit ratelimit.Stats
	Blocklist blocklist.Stats
	Peers     map[string]int
}

// Site holds what route handlers read from. Nil collaborators degrade to
// an error line for the routes that need them.
type Site struct {
	Name       string
	Content    content.Store
	AI         ai.Backend
	AISystem   string
	Federation Federation
	Stats      func() ServerStats
	// Report receives abusive requests by source. It is never called for
	// onion requests.
	Report func(source string, kind reputation.EventKind)
}

func (s *Site) name() string {
	if s.Name == "" {
		return "pure-gopher"
	}
	return s.Name
}

func (s *Site) aiSystem() string {
	if s.AISystem == "" {
		return defaultAISystem
	}
	return s.AISystem
}

func (s *Site) federationOn() bool {
	return s.Federation != nil && s.Federation.Enabled()
}

func (s *Site) stats() ServerStats {
	if s.Stats == nil {
		return ServerStats{}
	}
	return s.Stats()
}

// failure classifies a handler error for the protocol error line.
type failure int

const (
	failNotFound failure = iota
	failUnavailable
	failInternal
)

func classify(err error) (failure, string) {
	switch {
	case errors.Is(err, content.ErrNotFound):
		return failNotFound, "Not found"
	case errors.Is(err, ai.ErrUnavailable):
		return failUnavailable, "AI backend unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return failUnavailable, "Upstream timed out"
	default:
		return failInternal, "Internal error"
	}
}

func logHandlerError(req *Request, route string, err error) {
	if errors.Is(err, content.ErrNotFound) {
		return
	}
	log.Warn("handler failed", "conn_id", req.ConnID, "protocol", req.Protocol, "route", route, "err", err)
}

// prompt returns the query cut to maxPromptLen runes. Oversized prompts are
// reported as spam.
func (s *Site) prompt(req *Request) string {
	r := []rune(req.Query)
	if len(r) <= maxPromptLen {
		return req.Query
	}
	s.report(req, reputation.EventSpam)
	return string(r[:maxPromptLen])
}

func (s *Site) report(req *Request, kind reputation.EventKind) {
	if s.Report == nil || req.Onion || req.Source == "" {
		return
	}
	s.Report(req.Source, kind)
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d)
	}
	return d.String()
}

func peerLine(p model.Peer) string {
	line := fmt.Sprintf("%-10s %s:%d", p.Status, p.Host, p.Port)
	if p.Status == federation.StatusHealthy {
		line += fmt.Sprintf(" (%dms)", p.LatencyMs)
	}
	if p.Name != "" && p.Name != p.Host {
		line += " " + p.Name
	}
	return line
}
