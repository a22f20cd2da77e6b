package splitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `# Runbook

Intro paragraph before any sections.

## Database failover

Step one of the failover. Step two of the failover.

## Cache warmup

Warm the cache after failover.
`

func TestMarkdownSectionsCarryHeadings(t *testing.T) {
	inner, err := New(200, 20)
	require.NoError(t, err)
	m := NewMarkdown(inner)

	pieces := m.Split(sampleDoc)
	require.NotEmpty(t, pieces)

	byTitle := map[string]Piece{}
	for _, p := range pieces {
		byTitle[p.Title] = p
	}

	fo, ok := byTitle["Database failover"]
	require.True(t, ok, "missing failover section")
	require.Equal(t, 2, fo.Level)
	require.Contains(t, fo.Content, "Step one of the failover.")

	cw, ok := byTitle["Cache warmup"]
	require.True(t, ok)
	require.Equal(t, 2, cw.Level)
}

func TestMarkdownOversizedSectionIsResplit(t *testing.T) {
	inner, err := New(40, 8)
	require.NoError(t, err)
	m := NewMarkdown(inner)

	long := strings.Repeat("A step in a very long procedure. ", 8)
	text := "# Long section\n\n" + long
	pieces := m.Split(text)
	require.Greater(t, len(pieces), 1)

	for _, p := range pieces {
		require.LessOrEqual(t, RuneLength(p.Content), 40)
		require.Equal(t, "Long section", p.Title)
		require.Equal(t, 1, p.Level)
	}
}

func TestMarkdownIndicesAndOffsets(t *testing.T) {
	inner, err := New(200, 20)
	require.NoError(t, err)
	m := NewMarkdown(inner)

	pieces := m.Split(sampleDoc)
	for i, p := range pieces {
		require.Equal(t, i, p.Index)
		require.Equal(t, sampleDoc[p.Start:p.End], p.Content)
	}
}

func TestMarkdownPlainTextFallsThrough(t *testing.T) {
	inner, err := New(100, 10)
	require.NoError(t, err)
	m := NewMarkdown(inner)

	pieces := m.Split("no headings at all, just text")
	require.Len(t, pieces, 1)
	require.Equal(t, "", pieces[0].Title)
}

func TestParseHeading(t *testing.T) {
	cases := []struct {
		line  string
		title string
		level int
		ok    bool
	}{
		{"# Title", "Title", 1, true},
		{"### Deep title", "Deep title", 3, true},
		{"####### too deep", "", 0, false},
		{"#no space", "", 0, false},
		{"plain line", "", 0, false},
		{"##", "", 2, true},
	}
	for _, tc := range cases {
		title, level, ok := parseHeading(tc.line)
		if ok != tc.ok {
			t.Errorf("parseHeading(%q) ok = %v, want %v", tc.line, ok, tc.ok)
			continue
		}
		if ok && (title != tc.title || level != tc.level) {
			t.Errorf("parseHeading(%q) = (%q, %d), want (%q, %d)",
				tc.line, title, level, tc.title, tc.level)
		}
	}
}
