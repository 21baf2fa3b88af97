package router

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/EntropyParadigm/pure-gopher/internal/ai"
	"github.com/EntropyParadigm/pure-gopher/internal/buildinfo"
	"github.com/EntropyParadigm/pure-gopher/internal/content"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/gemini"
)

// GeminiRoutes builds the Gemini route table for site.
func GeminiRoutes(site *Site) *Router {
	g := geminiSite{site}
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

type geminiSite struct{ *Site }

func gemtext(d *gemini.Doc) Response {
	return Buffered{Body: gemini.Success(gemini.MIMEGemtext, d.Bytes())}
}

func geminiStatus(status int, meta string) Response {
	return Buffered{Body: gemini.Header(status, meta)}
}

func geminiError(req *Request, route string, err error) Response {
	logHandlerError(req, route, err)
	kind, text := classify(err)
	switch kind {
	case failNotFound:
		return geminiStatus(gemini.StatusNotFound, text)
	case failUnavailable:
		return geminiStatus(gemini.StatusCGIError, text)
	default:
		return geminiStatus(gemini.StatusPermanentFailure, text)
	}
}

func federationDisabled() Response {
	return geminiStatus(gemini.StatusNotFound, "Federation is disabled")
}

// gopherURL links a federated entry back to the peer that published it.
func gopherURL(e federation.Entry) string {
	u := url.URL{Scheme: "gopher", Host: e.Host + ":" + strconv.Itoa(e.Port), Path: "/" + string(e.Type) + e.Selector}
	return u.String()
}

func (g geminiSite) home(ctx context.Context, _ io.Writer, _ *Request) (Response, error) {
	d := new(gemini.Doc).
		Heading(1, g.name()).
		Blank().
		Link(PathAbout, "About this server").
		Link(PathAsk, "Ask the AI").
		Link(PathSearch, "Search this server")
	if g.federationOn() {
		d.Blank().
			Heading(2, "Federation").
			Link(PathFederation, "Aggregated feed").
			Link(PathFederationSearch, "Search all peers").
			Link(PathFederationPeers, "Peers")
	}
	d.Link(PathServerStats, "Server stats")

	if g.Content != nil {
		if listing, err := g.Content.List(ctx, "/"); err == nil && len(listing.Children) > 0 {
			d.Blank().Heading(2, "Content")
			for _, n := range listing.Children {
				d.Link(n.Selector, n.Name)
			}
		}
	}
	return gemtext(d), nil
}

func (g geminiSite) about(_ context.Context, _ io.Writer, req *Request) (Response, error) {
	d := new(gemini.Doc).
		Heading(1, g.name()).
		Text("A Gopher and Gemini server with rate limiting, blocklists, reputation scoring and federation with other instances.").
		Blank().
		Item("Version: " + buildinfo.Version).
		Item("Commit: " + buildinfo.GitCommit).
		Item("Built: " + buildinfo.BuildTime)
	if req.Onion {
		d.Blank().Text("You are connected through the onion service.")
	}
	d.Blank().Link(PathHome, "Home")
	return gemtext(d), nil
}

func (g geminiSite) ask(ctx context.Context, w io.Writer, req *Request) (Response, error) {
	if req.Query == "" {
		return geminiStatus(gemini.StatusInput, "Ask a question"), nil
	}
	if g.AI == nil {
		return geminiError(req, PathAsk, fmt.Errorf("ask: %w", ai.ErrUnavailable)), nil
	}
	prompt := g.prompt(req)

	prefix := new(gemini.Doc).Heading(1, "Answer").Blank().Text("Q: " + prompt).Blank().Bytes()
	sw, err := gemini.NewStreamWriter(w, prefix)
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
	suffix := new(gemini.Doc).Blank()
	if genErr != nil {
		logHandlerError(req, PathAsk, genErr)
		_, text := classify(genErr)
		suffix.Textf("[%s]", text)
	}
	suffix.Link(PathAsk, "Ask another question")
	return Streamed{}, sw.Close(suffix.Bytes())
}

func (g geminiSite) federationFeed(_ context.Context, _ io.Writer, _ *Request) (Response, error) {
	if !g.federationOn() {
		return federationDisabled(), nil
	}
	entries := g.Federation.AggregatedFeed(feedLimit)
	d := new(gemini.Doc).Heading(1, "Aggregated feed").Blank()
	if len(entries) == 0 {
		d.Text("Nothing yet. Peers are synced periodically.")
	}
	for _, e := range entries {
		d.Link(gopherURL(e), e.Text+" ["+e.Peer+"]")
	}
	d.Blank().Link(PathFederationSearch, "Search all peers")
	return gemtext(d), nil
}

func (g geminiSite) federationSearch(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	if !g.federationOn() {
		return federationDisabled(), nil
	}
	if req.Query == "" {
		return geminiStatus(gemini.StatusInput, "Search all peers"), nil
	}
	results := g.Federation.FederatedSearch(ctx, req.Query, searchLimit)
	d := new(gemini.Doc).
		Heading(1, "Federated search").
		Textf("Results for %q: %d", req.Query, len(results)).
		Blank()
	for _, e := range results {
		d.Link(gopherURL(e), e.Text+" ["+e.Peer+"]")
	}
	return gemtext(d), nil
}

func (g geminiSite) federationPeers(_ context.Context, _ io.Writer, _ *Request) (Response, error) {
	if !g.federationOn() {
		return federationDisabled(), nil
	}
	peers := g.Federation.ListPeers()
	d := new(gemini.Doc).Heading(1, "Peers").Blank()
	for _, p := range peers {
		d.Link(fmt.Sprintf("gopher://%s:%d/", p.Host, p.Port), peerLine(p))
	}
	return gemtext(d), nil
}

func (g geminiSite) localFeed(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	d := new(gemini.Doc).Heading(1, "Recent").Blank()
	if g.Content != nil {
		nodes, err := g.Content.Recent(ctx, feedLimit)
		if err != nil {
			return geminiError(req, PathFederationFeed, err), nil
		}
		for _, n := range nodes {
			d.Link(n.Selector, n.ModTime.UTC().Format("2006-01-02")+" "+n.Name)
		}
	}
	return gemtext(d), nil
}

func (g geminiSite) search(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	if req.Query == "" {
		return geminiStatus(gemini.StatusInput, "Search this server"), nil
	}
	d := new(gemini.Doc).Heading(1, "Search").Textf("Results for %q", req.Query).Blank()
	if g.Content != nil {
		nodes, err := g.Content.Search(ctx, req.Query, searchLimit)
		if err != nil {
			return geminiError(req, PathSearch, err), nil
		}
		for _, n := range nodes {
			d.Link(n.Selector, n.Name)
		}
	}
	return gemtext(d), nil
}

func (g geminiSite) serverStats(_ context.Context, _ io.Writer, _ *Request) (Response, error) {
	st := g.stats()
	d := new(gemini.Doc).
		Heading(1, g.name()+" server stats").
		Blank().
		Item("Uptime: " + formatUptime(st.Uptime)).
		Item(fmt.Sprintf("Admitted: %d", st.Admission.Admitted)).
		Item(fmt.Sprintf("Banned: %d", st.Admission.Banned)).
		Item(fmt.Sprintf("Blocklisted: %d", st.Admission.Blocklisted)).
		Item(fmt.Sprintf("Rate limited: %d", st.Admission.RateLimited))
	if st.RateLimit.Enabled {
		d.Item(fmt.Sprintf("Rate limit: %d per %ds, %d sources tracked", st.RateLimit.Limit, st.RateLimit.WindowMs/1000, st.RateLimit.TrackedSources))
	}
	if st.Blocklist.Enabled {
		d.Item(fmt.Sprintf("Blocklist: %d addresses, %d networks", st.Blocklist.IPCount, st.Blocklist.CIDRCount))
	}
	if g.federationOn() {
		d.Item(fmt.Sprintf("Peers: %d healthy, %d unhealthy, %d dead",
			st.Peers[federation.StatusHealthy], st.Peers[federation.StatusUnhealthy], st.Peers[federation.StatusDead]))
	}
	return gemtext(d), nil
}

func (g geminiSite) content(ctx context.Context, _ io.Writer, req *Request) (Response, error) {
	if g.Content == nil {
		return geminiError(req, "content", content.ErrNotFound), nil
	}
	sel, ok := content.CleanSelector(req.Path)
	if !ok {
		return geminiStatus(gemini.StatusBadRequest, "Bad path"), nil
	}
	node, err := g.Content.Stat(ctx, sel)
	if err != nil {
		return geminiError(req, "content", err), nil
	}
	if node.Dir {
		listing, err := g.Content.List(ctx, sel)
		if err != nil {
			return geminiError(req, "content", err), nil
		}
		if len(listing.Index) > 0 {
			return Buffered{Body: gemini.Success(gemini.MIMEGemtext, listing.Index)}, nil
		}
		d := new(gemini.Doc).Heading(1, "Index of "+listing.Selector).Blank()
		for _, n := range listing.Children {
			d.Link(n.Selector, n.Name)
		}
		return gemtext(d), nil
	}
	doc, err := g.Content.Get(ctx, sel)
	if err != nil {
		return geminiError(req, "content", err), nil
	}
	return Buffered{Body: gemini.Success(node.MIME(), doc.Body)}, nil
}
