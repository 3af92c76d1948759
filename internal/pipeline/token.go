package pipeline

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

var (
	tkm     *tiktoken.Tiktoken
	tkmOnce sync.Once
)

func getTokenizer() *tiktoken.Tiktoken {
	tkmOnce.Do(func() {
		var err error
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("failed to load tiktoken encoding, falling back to heuristic")
		}
	})
	return tkm
}

// EstimateTokens estimates the token count of a string. Uses tiktoken when
// the encoding is available, otherwise a 1:4 character heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	tokenizer := getTokenizer()
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}

	// Rule of thumb: 1 token ~= 4 characters for English text.
	return len(text) / 4
}

// trimToBudget drops trailing lines until text fits the token budget. Context
// blocks put the most important material first, so tail-trimming loses the
// least.
func trimToBudget(text string, budget int) string {
	if EstimateTokens(text) <= budget {
		return text
	}

	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if EstimateTokens(candidate) <= budget {
			return candidate + "\n[... trimmed to fit context budget]"
		}
	}
	return lines[0]
}
