package gopher

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/about\r\n", "/about"},
		{"/about\n", "/about"},
		{"/ask\twhat is gopher?\r\nignored", "/ask\twhat is gopher?"},
		{"\r\n", ""},
		{"/no-newline", "/no-newline"},
	}
	for _, c := range cases {
		got, err := ReadRequest(strings.NewReader(c.in))
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestReadRequest_Bounds(t *testing.T) {
	_, err := ReadRequest(strings.NewReader(strings.Repeat("a", MaxSelectorLen+1) + "\r\n"))
	assert.ErrorIs(t, err, ErrSelectorTooLong)

	_, err = ReadRequest(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyRequest)

	got, err := ReadRequest(strings.NewReader(strings.Repeat("b", MaxSelectorLen) + "\r\n"))
	require.NoError(t, err)
	assert.Len(t, got, MaxSelectorLen)
}

func TestSplitQuery(t *testing.T) {
	for _, c := range []struct {
		sel, query string
		ok         bool
	}{
		{"/ask", "", true},
		{"/ask\thello world", "hello world", true},
		{"/ask hello", "hello", true},
		{"/ask?hello%20there", "hello%20there", true},
		{"/asking", "", false},
		{"/other", "", false},
	} {
		q, ok := SplitQuery(c.sel, "/ask")
		assert.Equal(t, c.ok, ok, c.sel)
		assert.Equal(t, c.query, q, c.sel)
	}
}

func TestMenu_FramingInvariants(t *testing.T) {
	m := NewMenu("gopher.example.org", 70).
		Info("Welcome\nto the burrow").
		Link(TypeMenu, "Phlog", "/phlog").
		Link(TypeSearch, "Search\tthis", "/search").
		Error("oops\r\n").
		Blank()

	out := string(m.Bytes())
	require.True(t, strings.HasSuffix(out, "\r\n.\r\n"))
	assert.Equal(t, 1, strings.Count(out, Terminator))

	lines := strings.Split(strings.TrimSuffix(out, Terminator), "\r\n")
	lines = lines[:len(lines)-1]
	require.Len(t, lines, 6)
	for _, line := range lines {
		assert.Len(t, strings.Split(line, "\t"), 4, line)
	}
	assert.Equal(t, "iWelcome\t\tgopher.example.org\t70", lines[0])
	assert.Equal(t, "1Phlog\t/phlog\tgopher.example.org\t70", lines[2])
	assert.Equal(t, "7Searchthis\t/search\tgopher.example.org\t70", lines[3])
	assert.Equal(t, "3oops\t\tgopher.example.org\t70", lines[4])
}

func TestTextResponse_DotGuard(t *testing.T) {
	out := string(TextResponse("line one\n.\n..two\nend\n"))
	assert.Equal(t, "line one\r\n..\r\n...two\r\nend\r\n.\r\n", out)
}

func TestStreamWriter(t *testing.T) {
	var buf bytes.Buffer
	header := NewMenu("h", 70).Info("Answer:")
	sw, err := NewStreamWriter(&buf, header)
	require.NoError(t, err)
	assert.Equal(t, "iAnswer:\t\th\t70\r\n", buf.String())

	require.NoError(t, sw.WriteChunk("Gopher is "))
	assert.Equal(t, "iAnswer:\t\th\t70\r\n", buf.String(), "partial line must wait")

	require.NoError(t, sw.WriteChunk("a protocol.\nIt has\ttabs"))
	require.NoError(t, sw.WriteChunk(" too."))
	require.NoError(t, sw.Close(NewMenu("h", 70).Link(TypeMenu, "Home", "/")))
	require.NoError(t, sw.Close(nil))

	want := "iAnswer:\t\th\t70\r\n" +
		"iGopher is a protocol.\t\th\t70\r\n" +
		"iIt hastabs too.\t\th\t70\r\n" +
		"1Home\t/\th\t70\r\n" +
		".\r\n"
	assert.Equal(t, want, buf.String())
}

func TestParseMenu(t *testing.T) {
	body := []byte("iWelcome\t\tpeer.example\t70\r\n" +
		"02026-01-15 First post\t/phlog/first.txt\tpeer.example\t70\r\n" +
		"1Broken line\t/x\r\n" +
		"hWebsite\tURL:https://example.org\tpeer.example\tseventy\r\n" +
		"7Search\t/search\tpeer.example\t7070\r\n" +
		".\r\n" +
		"0After terminator\t/x\tpeer.example\t70\r\n")
	items := ParseMenu(body)
	require.Len(t, items, 3)
	assert.Equal(t, TypeInfo, items[0].Type)
	assert.Equal(t, Item{Type: TypeText, Text: "2026-01-15 First post", Selector: "/phlog/first.txt", Host: "peer.example", Port: 70}, items[1])
	assert.Equal(t, 7070, items[2].Port)
}

func TestSelectable(t *testing.T) {
	for _, c := range []byte("0179hIg") {
		assert.True(t, Selectable(c), string(c))
	}
	for _, c := range []byte("i3+") {
		assert.False(t, Selectable(c), string(c))
	}
}
