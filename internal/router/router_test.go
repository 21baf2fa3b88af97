package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/ai"
	"github.com/EntropyParadigm/pure-gopher/internal/content"
	"github.com/EntropyParadigm/pure-gopher/internal/federation"
	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
	"github.com/EntropyParadigm/pure-gopher/internal/model"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
)

type fakeAI struct {
	chunks []string
	err    error
}

func (f fakeAI) Generate(ctx context.Context, prompt, system string) (string, error) {
	return f.GenerateStream(ctx, prompt, system, func(string) error { return nil })
}

func (f fakeAI) GenerateStream(_ context.Context, _, _ string, onChunk func(string) error) (string, error) {
	var all strings.Builder
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return all.String(), err
		}
		all.WriteString(c)
	}
	return all.String(), f.err
}

type fakeFederation struct {
	enabled  bool
	feed     []federation.Entry
	peers    []model.Peer
	searched []string
}

func (f *fakeFederation) Enabled() bool { return f.enabled }

func (f *fakeFederation) AggregatedFeed(limit int) []federation.Entry { return f.feed }

func (f *fakeFederation) FederatedSearch(_ context.Context, query string, _ int) []federation.Entry {
	f.searched = append(f.searched, query)
	return f.feed
}

func (f *fakeFederation) ListPeers() []model.Peer { return f.peers }

func newTestSite(t *testing.T) (*Site, *fakeFederation) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"about.txt":       "About.\n.hidden dot line\n",
		"phlog/first.txt": "First post about gophers\n",
		"phlog/gophermap": "My phlog\n0First post\tfirst.txt\n1Remote\t/\tother.example\n",
		"docs/index.gmi":  "# Docs\n",
		"docs/a.txt":      "a",
		"pic.png":         "\x89PNG",
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	old := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "about.txt"), old, old))

	store, err := content.OpenFS(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fed := &fakeFederation{
		enabled: true,
		feed: []federation.Entry{
			{Type: gopher.TypeText, Text: "2026-05-01 Peer post", Selector: "/p.txt", Host: "peer.example", Port: 70, Peer: "peer.example"},
		},
		peers: []model.Peer{{Host: "peer.example", Port: 70, Status: federation.StatusHealthy, LatencyMs: 12}},
	}
	site := &Site{
		Name:       "test burrow",
		Content:    store,
		AI:         fakeAI{chunks: []string{"Gophers are ", "rodents.\nThey dig", "."}},
		Federation: fed,
		Stats: func() ServerStats {
			return ServerStats{Uptime: 90 * time.Minute, Admission: admission.Stats{Admitted: 7, RateLimited: 2}}
		},
	}
	return site, fed
}

func serve(t *testing.T, r *Router, req *Request) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, r.Serve(context.Background(), &buf, req))
	return buf.String()
}

func gopherReq(selector string) *Request {
	return &Request{Protocol: ProtocolGopher, Path: selector, Host: "burrow.example", Port: 70}
}

func geminiReq(path, query string) *Request {
	return &Request{Protocol: ProtocolGemini, Path: path, Query: query, Host: "burrow.example", Port: 1965}
}

// assertWellFormedMenu checks the terminator and the field count of every
// line.
func assertWellFormedMenu(t *testing.T, body string) {
	t.Helper()
	require.True(t, strings.HasSuffix(body, "\r\n.\r\n") || body == ".\r\n", "missing terminator: %q", body)
	assert.Equal(t, 1, strings.Count(body, "\r\n.\r\n")+boolInt(strings.HasPrefix(body, ".\r\n")), "terminator must appear once")
	lines := strings.Split(strings.TrimSuffix(body, ".\r\n"), "\r\n")
	for _, line := range lines[:len(lines)-1] {
		assert.Len(t, strings.Split(line, "\t"), 4, "line %q", line)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestMatchers(t *testing.T) {
	assert.True(t, Exact("/")(gopherReq("")))
	assert.True(t, Exact("/")(gopherReq("/")))
	assert.False(t, Exact("/about")(gopherReq("/about/x")))

	for _, sel := range []string{"/ask\twhat is gopher", "/ask what is gopher", "/ask?what%20is%20gopher"} {
		req := gopherReq(sel)
		require.True(t, Prefix("/ask")(req), sel)
		assert.Equal(t, "/ask", req.Path)
		assert.Equal(t, "what is gopher", req.Query, sel)
	}
	assert.False(t, Prefix("/ask")(gopherReq("/asking")))

	req := geminiReq("/ask", "hi")
	assert.True(t, Prefix("/ask")(req))
	assert.Equal(t, "hi", req.Query)
	assert.False(t, Prefix("/ask")(geminiReq("/ask/more", "")))

	assert.True(t, CatchAll()(gopherReq("/anything")))
}

func TestRouter_FirstMatchWinsAndNoRoute(t *testing.T) {
	var hits []string
	h := func(name string) Handler {
		return func(context.Context, io.Writer, *Request) (Response, error) {
			hits = append(hits, name)
			return Buffered{Body: []byte(name)}, nil
		}
	}
	r := New().Handle(Exact("/a"), h("first")).Handle(Exact("/a"), h("second"))

	assert.Equal(t, "first", serve(t, r, gopherReq("/a")))
	assert.Equal(t, []string{"first"}, hits)
	assert.ErrorIs(t, r.Serve(context.Background(), io.Discard, gopherReq("/b")), ErrNoRoute)
}

func TestRouter_StreamedIsNotRewritten(t *testing.T) {
	r := New().Handle(CatchAll(), func(_ context.Context, w io.Writer, _ *Request) (Response, error) {
		_, err := io.WriteString(w, "streamed")
		return Streamed{}, err
	})
	assert.Equal(t, "streamed", serve(t, r, gopherReq("/")))
}

func TestRouter_HandlerErrorPropagates(t *testing.T) {
	boom := errors.New("broken pipe")
	r := New().Handle(CatchAll(), func(context.Context, io.Writer, *Request) (Response, error) {
		return nil, boom
	})
	assert.ErrorIs(t, r.Serve(context.Background(), io.Discard, gopherReq("/")), boom)
}

func TestGopher_HomeMenu(t *testing.T) {
	site, _ := newTestSite(t)
	body := serve(t, GopherRoutes(site), gopherReq(""))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "iWelcome to test burrow\t\tburrow.example\t70\r\n")
	assert.Contains(t, body, "7Ask the AI\t/ask\tburrow.example\t70\r\n")
	assert.Contains(t, body, "1Aggregated feed\t/federation\tburrow.example\t70\r\n")
	assert.Contains(t, body, "1phlog\t/phlog\tburrow.example\t70\r\n")
	assert.Contains(t, body, "0about.txt\t/about.txt\tburrow.example\t70\r\n")
}

func TestGopher_HomeWithoutFederation(t *testing.T) {
	site, fed := newTestSite(t)
	fed.enabled = false
	body := serve(t, GopherRoutes(site), gopherReq("/"))
	assert.NotContains(t, body, "/federation")

	body = serve(t, GopherRoutes(site), gopherReq("/federation"))
	assert.True(t, strings.HasPrefix(body, "3Federation is disabled\t"))
	assertWellFormedMenu(t, body)
}

func TestGopher_AskStreamsAnswer(t *testing.T) {
	site, _ := newTestSite(t)
	body := serve(t, GopherRoutes(site), gopherReq("/ask\twhat are gophers?"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "iQ: what are gophers?\t")
	assert.Contains(t, body, "iGophers are rodents.\t")
	assert.Contains(t, body, "iThey dig.\t")
	assert.Contains(t, body, "7Ask another question\t/ask\t")
	assert.NotContains(t, body, "\r\n3")
}

func TestGopher_AskPromptsWithoutQuery(t *testing.T) {
	site, _ := newTestSite(t)
	body := serve(t, GopherRoutes(site), gopherReq("/ask"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "7Ask the AI\t/ask\t")
}

func TestGopher_AskBackendFailureAfterPartialAnswer(t *testing.T) {
	site, _ := newTestSite(t)
	site.AI = fakeAI{chunks: []string{"partial\n"}, err: ai.ErrUnavailable}
	body := serve(t, GopherRoutes(site), gopherReq("/ask q"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "ipartial\t")
	assert.Contains(t, body, "3AI backend unavailable\t")
}

func TestAsk_OversizedPromptIsReported(t *testing.T) {
	site, _ := newTestSite(t)
	var reports []string
	site.Report = func(source string, kind reputation.EventKind) {
		reports = append(reports, source+" "+string(kind))
	}
	long := strings.Repeat("é", maxPromptLen+1)

	req := geminiReq("/ask", long)
	req.Source = "198.51.100.8"
	body := serve(t, GeminiRoutes(site), req)
	assert.Contains(t, body, "Q: "+strings.Repeat("é", maxPromptLen)+"\n")
	assert.NotContains(t, body, strings.Repeat("é", maxPromptLen+1))

	short := gopherReq("/ask\twhat are gophers?")
	short.Source = "198.51.100.8"
	serve(t, GopherRoutes(site), short)

	onion := gopherReq("/ask\t" + long)
	onion.Source = "127.0.0.1"
	onion.Onion = true
	serve(t, GopherRoutes(site), onion)

	assert.Equal(t, []string{"198.51.100.8 spam"}, reports)
}

func TestGopher_FederationRoutes(t *testing.T) {
	site, fed := newTestSite(t)
	r := GopherRoutes(site)

	body := serve(t, r, gopherReq("/federation"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "02026-05-01 Peer post [peer.example]\t/p.txt\tpeer.example\t70\r\n")

	body = serve(t, r, gopherReq("/federation/search\tGophers"))
	assertWellFormedMenu(t, body)
	assert.Equal(t, []string{"Gophers"}, fed.searched)

	body = serve(t, r, gopherReq("/federation/search"))
	assert.Contains(t, body, "7Search all peers\t/federation/search\t")

	body = serve(t, r, gopherReq("/federation/peers"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "peer.example:70 (12ms)")
}

func TestGopher_LocalFeedPublishesDates(t *testing.T) {
	site, _ := newTestSite(t)
	body := serve(t, GopherRoutes(site), gopherReq(PathFederationFeed))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "02026-01-02 about.txt\t/about.txt\tburrow.example\t70\r\n")

	// What we publish must survive the parser peers use.
	items := gopher.ParseMenu([]byte(body))
	require.NotEmpty(t, items)
	for _, it := range items {
		assert.Regexp(t, `^\d{4}-\d{2}-\d{2} `, it.Text)
	}
}

func TestGopher_LocalSearch(t *testing.T) {
	site, _ := newTestSite(t)
	body := serve(t, GopherRoutes(site), gopherReq("/search\tgophers"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "0first.txt\t/phlog/first.txt\t")
}

func TestGopher_Content(t *testing.T) {
	site, _ := newTestSite(t)
	r := GopherRoutes(site)

	body := serve(t, r, gopherReq("/about.txt"))
	assert.Equal(t, "About.\r\n..hidden dot line\r\n.\r\n", body)

	body = serve(t, r, gopherReq("/phlog"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "iMy phlog\t\tburrow.example\t70\r\n")
	assert.Contains(t, body, "0First post\t/phlog/first.txt\tburrow.example\t70\r\n")
	assert.Contains(t, body, "1Remote\t/\tother.example\t70\r\n")

	body = serve(t, r, gopherReq("/docs"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "0a.txt\t/docs/a.txt\t")

	assert.Equal(t, "\x89PNG", serve(t, r, gopherReq("/pic.png")))

	body = serve(t, r, gopherReq("/missing.txt"))
	assert.True(t, strings.HasPrefix(body, "3Not found\t"))

	body = serve(t, r, gopherReq("/../../etc/passwd"))
	assert.True(t, strings.HasPrefix(body, "3Not found\t"))
}

func TestGopher_ServerStats(t *testing.T) {
	site, _ := newTestSite(t)
	body := serve(t, GopherRoutes(site), gopherReq("/server-stats"))
	assertWellFormedMenu(t, body)
	assert.Contains(t, body, "iUptime:        1h30m0s\t")
	assert.Contains(t, body, "iRate limited:  2\t")
}

func TestGemini_InputPrompts(t *testing.T) {
	site, _ := newTestSite(t)
	r := GeminiRoutes(site)
	assert.Equal(t, "10 Ask a question\r\n", serve(t, r, geminiReq("/ask", "")))
	assert.Equal(t, "10 Search all peers\r\n", serve(t, r, geminiReq("/federation/search", "")))
	assert.Equal(t, "10 Search this server\r\n", serve(t, r, geminiReq("/search", "")))
}

func TestGemini_AskStreamsEscapedAnswer(t *testing.T) {
	site, _ := newTestSite(t)
	site.AI = fakeAI{chunks: []string{"=> not a link\n", "# not a heading"}}
	body := serve(t, GeminiRoutes(site), geminiReq("/ask", "hi"))
	assert.True(t, strings.HasPrefix(body, "20 text/gemini; charset=utf-8\r\n# Answer\n"))
	assert.Contains(t, body, "\n => not a link\n # not a heading\n")
	assert.Contains(t, body, "=> /ask Ask another question\n")
}

func TestGemini_AskUnavailable(t *testing.T) {
	site, _ := newTestSite(t)
	site.AI = nil
	assert.Equal(t, "42 AI backend unavailable\r\n", serve(t, GeminiRoutes(site), geminiReq("/ask", "hi")))
}

func TestGemini_Content(t *testing.T) {
	site, _ := newTestSite(t)
	r := GeminiRoutes(site)

	assert.Equal(t, "20 text/plain; charset=utf-8\r\nAbout.\n.hidden dot line\n", serve(t, r, geminiReq("/about.txt", "")))
	assert.Equal(t, "20 text/gemini; charset=utf-8\r\n# Docs\n", serve(t, r, geminiReq("/docs", "")))
	assert.Equal(t, "51 Not found\r\n", serve(t, r, geminiReq("/nope", "")))

	body := serve(t, r, geminiReq("/phlog", ""))
	assert.Contains(t, body, "=> /phlog/first.txt first.txt\n")
}

func TestGemini_FederationFeedLinksToPeers(t *testing.T) {
	site, fed := newTestSite(t)
	r := GeminiRoutes(site)
	body := serve(t, r, geminiReq("/federation", ""))
	assert.Contains(t, body, "=> gopher://peer.example:70/0/p.txt 2026-05-01 Peer post [peer.example]\n")

	fed.enabled = false
	assert.Equal(t, "51 Federation is disabled\r\n", serve(t, r, geminiReq("/federation", "")))
}
