package router

import (
	"context"
	"fmt"
	"io"

	"github.com/EntropyParadigm/pure-gopher/internal/ai"
	"github.com/EntropyParadigm/pure-gopher/internal/buildinfo"
	"github.com/EntropyParadigm/pure-gopher/internal/content"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
)

// GopherRoutes builds the Gopher route table for site.
func GopherRoutes(site *Site) *Router {
	g := gopherSite{site}
	return New().
		Handle(Exact(PathHome), g.home).
		Handle(Exact(PathAbout), g.about).
		Handle(Prefix(PathAsk), g.ask).
		Handle(Exact(PathFederation), g.federationFeed).
		Handle(Prefix(PathFederationSearch), g.federationSearch).
		Handle(Exact(PathFederationPeers), g.federationPeers).
		Handle(Exact(PathFederationFeed), g.localFeed).
		Handle(Prefix(PathSearch), g.search).
		Handle(Exact(PathServerStats), g.serverStats).
		Handle(CatchAll(), g.content)
}

type gopherSite struct{ *Site }

func menuFor(req *Request) *gopher.Menu {
	return gopher.NewMenu(req.Host, req.Port)
}

func gopherError(req *Request, route string, err error) Response {
	logHandlerError(req, route, err)
	_, text := classify(err)
	return Buffered{Body: gopher.ErrorResponse(text, req.Host, req.Port)}
}

func (g gopherSite) home(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	m := menuFor(req).
		Infof("Welcome to %s", g.name()).
		Blank().
		Link(gopher.TypeMenu, "About this server", PathAbout).
		Link(gopher.TypeSearch, "Ask the AI", PathAsk).
		Link(gopher.TypeSearch, "Search this server", PathSearch)
	if g.federationOn() {
		m.Blank().
			Info("Federation").
			Link(gopher.TypeMenu, "Aggregated feed", PathFederation).
			Link(gopher.TypeSearch, "Search all peers", PathFederationSearch).
			Link(gopher.TypeMenu, "Peers", PathFederationPeers)
	}
	m.Link(gopher.TypeMenu, "Server stats", PathServerStats)

	if g.Content != nil {
		if listing, err := g.Content.List(ctx, "/"); err == nil && len(listing.Children) > 0 {
			m.Blank().Info("Content")
			for _, n := range listing.Children {
				m.Link(n.GopherType(), n.Name, n.Selector)
			}
		}
	}
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) about(_ context.Context, _ io.Writer, req *Request) (Response, error) {
	m := menuFor(req).
		Infof("%s", g.name()).
		Blank().
		Info("A Gopher and Gemini server with rate limiting, blocklists,").
		Info("reputation scoring and federation with other instances.").
		Blank().
		Infof("Version: %s", buildinfo.Version).
		Infof("Commit:  %s", buildinfo.GitCommit).
		Infof("Built:   %s", buildinfo.BuildTime)
	if req.Onion {
		m.Info("You are connected through the onion service.")
	}
	m.Blank().Link(gopher.TypeMenu, "Home", PathHome)
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) ask(ctx context.Context, w io.Writer, req *Request) (Response, error) {
	if req.Query == "" {
		m := menuFor(req).
			Info("Ask a question. Your client will prompt for the text.").
			Link(gopher.TypeSearch, "Ask the AI", PathAsk)
		return Buffered{Body: m.Bytes()}, nil
	}
	if g.AI == nil {
		return gopherError(req, PathAsk, fmt.Errorf("ask: %w", ai.ErrUnavailable)), nil
	}
	prompt := g.prompt(req)

	header := menuFor(req).Infof("Q: %s", prompt).Blank()
	sw, err := gopher.NewStreamWriter(w, header)
	if err != nil {
		return nil, err
	}
	var writeErr error
	_, genErr := g.AI.GenerateStream(ctx, prompt, g.aiSystem(), func(chunk string) error {
		writeErr = sw.WriteChunk(chunk)
		return writeErr
	})
	if writeErr != nil {
		return nil, writeErr
	}
	footer := menuFor(req).Blank()
	if genErr != nil {
		logHandlerError(req, PathAsk, genErr)
		_, text := classify(genErr)
		footer.Error(text)
	}
	footer.Link(gopher.TypeSearch, "Ask another question", PathAsk)
	return Streamed{}, sw.Close(footer)
}

func (g gopherSite) federationFeed(_ context.Context, _ io.Writer, req *Request) (Response, error) {
	if !g.federationOn() {
		return Buffered{Body: gopher.ErrorResponse("Federation is disabled", req.Host, req.Port)}, nil
	}
	entries := g.Federation.AggregatedFeed(feedLimit)
	m := menuFor(req).Info("Aggregated feed from federated peers").Blank()
	if len(entries) == 0 {
		m.Info("Nothing yet. Peers are synced periodically.")
	}
	addEntries(m, entries)
	m.Blank().Link(gopher.TypeSearch, "Search all peers", PathFederationSearch)
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) federationSearch(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	if !g.federationOn() {
		return Buffered{Body: gopher.ErrorResponse("Federation is disabled", req.Host, req.Port)}, nil
	}
	if req.Query == "" {
		m := menuFor(req).Link(gopher.TypeSearch, "Search all peers", PathFederationSearch)
		return Buffered{Body: m.Bytes()}, nil
	}
	results := g.Federation.FederatedSearch(ctx, req.Query, searchLimit)
	m := menuFor(req).Infof("Results for %q across peers: %d", req.Query, len(results)).Blank()
	addEntries(m, results)
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) federationPeers(_ context.Context, _ io.Writer, req *Request) (Response, error) {
	if !g.federationOn() {
		return Buffered{Body: gopher.ErrorResponse("Federation is disabled", req.Host, req.Port)}, nil
	}
	peers := g.Federation.ListPeers()
	m := menuFor(req).Infof("Peers: %d", len(peers)).Blank()
	for _, p := range peers {
		m.Add(gopher.Item{Type: gopher.TypeMenu, Text: peerLine(p), Selector: "", Host: p.Host, Port: p.Port})
	}
	return Buffered{Body: m.Bytes()}, nil
}

// localFeed publishes this server's recent documents for peers to sync.
// Each text starts with the modification date so peers can order entries.
func (g gopherSite) localFeed(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	m := menuFor(req)
	if g.Content != nil {
		nodes, err := g.Content.Recent(ctx, feedLimit)
		if err != nil {
			return gopherError(req, PathFederationFeed, err), nil
		}
		for _, n := range nodes {
			m.Link(n.GopherType(), n.ModTime.UTC().Format("2006-01-02")+" "+n.Name, n.Selector)
		}
	}
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) search(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	if req.Query == "" {
		m := menuFor(req).Link(gopher.TypeSearch, "Search this server", PathSearch)
		return Buffered{Body: m.Bytes()}, nil
	}
	m := menuFor(req)
	if g.Content != nil {
		nodes, err := g.Content.Search(ctx, req.Query, searchLimit)
		if err != nil {
			return gopherError(req, PathSearch, err), nil
		}
		for _, n := range nodes {
			m.Link(n.GopherType(), n.Name, n.Selector)
		}
	}
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) serverStats(_ context.Context, _ io.Writer, req *Request) (Response, error) {
	st := g.stats()
	m := menuFor(req).
		Infof("%s server stats", g.name()).
		Blank().
		Infof("Uptime:        %s", formatUptime(st.Uptime)).
		Infof("Admitted:      %d", st.Admission.Admitted).
		Infof("Banned:        %d", st.Admission.Banned).
		Infof("Blocklisted:   %d", st.Admission.Blocklisted).
		Infof("Rate limited:  %d", st.Admission.RateLimited)
	if st.RateLimit.Enabled {
		m.Infof("Rate limit:    %d per %ds, %d sources tracked", st.RateLimit.Limit, st.RateLimit.WindowMs/1000, st.RateLimit.TrackedSources)
	}
	if st.Blocklist.Enabled {
		m.Infof("Blocklist:     %d addresses, %d networks", st.Blocklist.IPCount, st.Blocklist.CIDRCount)
	}
	if g.federationOn() {
		m.Infof("Peers:         %d healthy, %d unhealthy, %d dead",
			st.Peers[federation.StatusHealthy], st.Peers[federation.StatusUnhealthy], st.Peers[federation.StatusDead])
	}
	return Buffered{Body: m.Bytes()}, nil
}

func (g gopherSite) content(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	if g.Content == nil {
		return gopherError(req, "content", content.ErrNotFound), nil
	}
	sel, ok := content.CleanSelector(req.Path)
	if !ok {
		return Buffered{Body: gopher.ErrorResponse("Bad selector", req.Host, req.Port)}, nil
	}
	node, err := g.Content.Stat(ctx, sel)
	if err != nil {
		return gopherError(req, "content", err), nil
	}
	if node.Dir {
		listing, err := g.Content.List(ctx, sel)
		if err != nil {
			return gopherError(req, "content", err), nil
		}
		return Buffered{Body: gopherListing(req, listing)}, nil
	}
	doc, err := g.Content.Get(ctx, sel)
	if err != nil {
		return gopherError(req, "content", err), nil
	}
	if node.GopherType() == gopher.TypeText {
		return Buffered{Body: gopher.TextResponse(string(doc.Body))}, nil
	}
	return Buffered{Body: doc.Body}, nil
}

// gopherListing renders a directory. A gophermap replaces the generated
// listing; its items without a host point back at this server.
func gopherListing(req *Request, l content.Listing) []byte {
	m := menuFor(req)
	if len(l.Gophermap) > 0 {
		for _, it := range l.Gophermap {
			switch {
			case it.Host == "":
				it.Host, it.Port = req.Host, req.Port
			case it.Port == 0:
				it.Port = 70
			}
			m.Add(it)
		}
		return m.Bytes()
	}
	m.Infof("Index of %s", l.Selector).Blank()
	for _, n := range l.Children {
		m.Link(n.GopherType(), n.Name, n.Selector)
	}
	return m.Bytes()
}

func addEntries(m *gopher.Menu, entries []federation.Entry) {
	for _, e := range entries {
		m.Add(gopher.Item{
			Type:     e.Type,
			Text:     gopher.Escape(e.Text) + " [" + e.Peer + "]",
			Selector: e.Selector,
			Host:     e.Host,
			Port:     e.Port,
		})
	}
}
