package splitter

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// LengthFn measures text in the splitter's configured unit.
type LengthFn func(string) int

// RuneLength is the default unit: one rune, one unit.
func RuneLength(s string) int {
	return utf8.RuneCountInString(s)
}

// TokenUnit returns length and atom functions backed by the cl100k_base
// encoding, so chunk_size is measured in model tokens. Contiguous token
// spans decode back to exact substrings of the input, which keeps offset
// reconstruction exact in the window fallback.
func TokenUnit() (LengthFn, func(string) []string, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, nil, err
	}

	length := func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
	atoms := func(s string) []string {
		ids := enc.Encode(s, nil, nil)
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = enc.Decode([]int{id})
		}
		return out
	}
	return length, atoms, nil
}
