// Package tokenutil counts tokens for model-usage accounting. It lazily
// initializes the cl100k_base encoding on first use and falls back to a
// character heuristic when tiktoken is unavailable (offline builds).
package tokenutil

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns the cl100k_base token count for text, or the
// EstimateFast heuristic when the encoding could not be loaded.
func CountTokens(text string) int {
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, word count) — a cheap approximation for
// paths where tiktoken overhead is unacceptable.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
