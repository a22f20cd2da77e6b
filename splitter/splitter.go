// Package splitter turns extracted document text into bounded,
// position-addressable pieces suitable for embedding and indexing.
package splitter

import (
	"log/slog"
	"strings"

	"opskb/types"
)

// DefaultSeparators is ordered coarse to fine. The trailing empty string
// means character-level fixed windows.
var DefaultSeparators = []string{
	"\n\n", "\n", "。", ".", "！", "!", "？", "?", "；", ";", " ", "",
}

// Piece is a chunk candidate: content plus its reconstructed offsets in
// the source text. Offsets are byte positions, so text[Start:End] == Content
// whenever the piece was located exactly.
type Piece struct {
	Content string
	Index   int
	Start   int
	End     int
	Title   string
	Level   int
}

type Splitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
	length       LengthFn
	atomsFn      func(string) []string
	logger       *slog.Logger
}

type Option func(*Splitter)

func WithSeparators(seps []string) Option {
	return func(s *Splitter) { s.separators = seps }
}

// WithLengthUnit swaps both the length function and the matching atom
// function used by the fixed-window fallback, so windows are measured in
// the same unit chunks are.
func WithLengthUnit(length LengthFn, atoms func(string) []string) Option {
	return func(s *Splitter) {
		s.length = length
		s.atomsFn = atoms
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Splitter) { s.logger = l }
}

// New builds a recursive splitter. chunkOverlap must be strictly less
// than chunkSize; anything else is a configuration error, not a runtime
// fallback.
func New(chunkSize, chunkOverlap int, opts ...Option) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, &types.ConfigurationError{Field: "chunk_size", Reason: "must be positive"}
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, &types.ConfigurationError{
			Field:  "chunk_overlap",
			Reason: "must be non-negative and strictly less than chunk_size",
		}
	}
	s := &Splitter{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   DefaultSeparators,
		length:       RuneLength,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Split produces the ordered piece sequence for text. Empty text yields
// no pieces. Re-splitting the same text with the same configuration
// always yields the same sequence.
func (s *Splitter) Split(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	units := s.split(text, s.separators)
	units = s.mergeSmall(units)
	return s.locate(text, units)
}

func (s *Splitter) split(text string, seps []string) []string {
	if s.length(text) <= s.chunkSize {
		return []string{text}
	}

	// First separator that actually occurs wins; the empty separator is
	// the fixed-window fallback.
	sep := ""
	var rest []string
	for i, sp := range seps {
		if sp == "" {
			break
		}
		if strings.Contains(text, sp) {
			sep = sp
			rest = seps[i+1:]
			break
		}
	}
	if sep == "" {
		return s.windows(text)
	}

	parts := strings.SplitAfter(text, sep)
	var out []string
	var fitting []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		if s.length(part) <= s.chunkSize {
			fitting = append(fitting, part)
			continue
		}
		// An oversized part breaks the accumulation run: flush what we
		// have, then recurse into the part with the finer separators.
		if len(fitting) > 0 {
			out = append(out, s.accumulate(fitting)...)
			fitting = nil
		}
		out = append(out, s.split(part, rest)...)
	}
	if len(fitting) > 0 {
		out = append(out, s.accumulate(fitting)...)
	}
	return out
}

// accumulate greedily packs consecutive parts into buffers of at most
// chunkSize, carrying up to chunkOverlap of trailing parts into the next
// buffer so adjacent pieces share context.
func (s *Splitter) accumulate(parts []string) []string {
	var out []string
	var buf []string
	bufLen := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		out = append(out, strings.Join(buf, ""))
	}

	for _, part := range parts {
		l := s.length(part)
		if bufLen+l > s.chunkSize && bufLen > 0 {
			flush()
			// Keep the overlap tail for the next buffer.
			for bufLen > s.chunkOverlap || (bufLen+l > s.chunkSize && bufLen > 0) {
				bufLen -= s.length(buf[0])
				buf = buf[1:]
			}
		}
		buf = append(buf, part)
		bufLen += l
	}
	flush()
	return out
}

// windows is the last-resort fixed-length split for atoms that exhausted
// every separator: width chunkSize, step chunkSize-chunkOverlap.
func (s *Splitter) windows(text string) []string {
	units := s.atoms(text)
	step := s.chunkSize - s.chunkOverlap
	var out []string
	for start := 0; start < len(units); start += step {
		end := start + s.chunkSize
		if end > len(units) {
			end = len(units)
		}
		out = append(out, strings.Join(units[start:end], ""))
		if end == len(units) {
			break
		}
	}
	return out
}

// atoms splits text into the smallest length units the splitter counts:
// runes by default, decoded token spans in token mode.
func (s *Splitter) atoms(text string) []string {
	if s.atomsFn != nil {
		return s.atomsFn(text)
	}
	runes := []rune(text)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

// mergeSmall folds units shorter than chunkSize/4 into a neighbor, as
// long as the merged unit stays within chunkSize.
func (s *Splitter) mergeSmall(units []string) []string {
	if len(units) < 2 {
		return units
	}
	minLen := s.chunkSize / 4
	var out []string
	for _, u := range units {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if (s.length(u) < minLen || s.length(prev) < minLen) &&
				s.length(prev)+s.length(u) <= s.chunkSize {
				out[len(out)-1] = prev + u
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

// locate reconstructs each unit's offsets in the source text using a
// monotonic search cursor. A unit that cannot be found exactly (the
// splitter normalized whitespace) falls back to the cursor position and
// is logged rather than silently treated as correct.
func (s *Splitter) locate(text string, units []string) []Piece {
	pieces := make([]Piece, 0, len(units))
	cursor := 0
	for i, u := range units {
		start := strings.Index(text[cursor:], u)
		if start >= 0 {
			start += cursor
		} else {
			start = strings.Index(text, u)
		}
		if start < 0 {
			s.logger.Warn("could not locate piece in source text",
				"index", i, "prefix", prefix(u, 20))
			start = cursor
		}
		end := start + len(u)
		pieces = append(pieces, Piece{
			Content: u,
			Index:   i,
			Start:   start,
			End:     end,
		})
		// Next search starts past this piece's start so overlapping
		// pieces still resolve monotonically.
		cursor = start + 1
	}
	return pieces
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
