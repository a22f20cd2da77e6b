package splitter

import (
	"strings"
)

// MarkdownSplitter splits heading-delimited text into labeled sections
// first, then hands any section still over chunk_size to the recursive
// splitter. Heading title and level travel with every sub-piece.
type MarkdownSplitter struct {
	inner *Splitter
}

func NewMarkdown(inner *Splitter) *MarkdownSplitter {
	return &MarkdownSplitter{inner: inner}
}

type section struct {
	title   string
	level   int
	content string
}

func (m *MarkdownSplitter) Split(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sections := splitSections(text)
	if len(sections) == 0 {
		return m.inner.Split(text)
	}

	type unit struct {
		content string
		title   string
		level   int
	}
	var units []unit
	for _, sec := range sections {
		if m.inner.length(sec.content) <= m.inner.chunkSize {
			units = append(units, unit{sec.content, sec.title, sec.level})
			continue
		}
		subs := m.inner.split(sec.content, m.inner.separators)
		subs = m.inner.mergeSmall(subs)
		for _, sub := range subs {
			units = append(units, unit{sub, sec.title, sec.level})
		}
	}

	contents := make([]string, len(units))
	for i, u := range units {
		contents[i] = u.content
	}
	pieces := m.inner.locate(text, contents)
	for i := range pieces {
		pieces[i].Title = units[i].title
		pieces[i].Level = units[i].level
	}
	return pieces
}

// splitSections walks the lines and opens a new section at every ATX
// heading (# through ######). Text before the first heading becomes an
// untitled level-0 section.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	cur := section{}
	var buf []string

	flush := func() {
		content := strings.TrimRight(strings.Join(buf, "\n"), "\n")
		if strings.TrimSpace(content) != "" {
			cur.content = content
			sections = append(sections, cur)
		}
		buf = nil
	}

	for _, line := range lines {
		if title, level, ok := parseHeading(line); ok {
			flush()
			cur = section{title: title, level: level}
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}

func parseHeading(line string) (string, int, bool) {
	trimmed := strings.TrimLeft(line, "#")
	level := len(line) - len(trimmed)
	if level < 1 || level > 6 {
		return "", 0, false
	}
	if trimmed != "" && !strings.HasPrefix(trimmed, " ") {
		return "", 0, false
	}
	return strings.TrimSpace(trimmed), level, true
}
