package service

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter measures text in model tokens
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates tokens from word and character counts. It
// overestimates slightly, which keeps budgets safe.
type HeuristicCounter struct{}

// Count returns the larger of the word-based and character-based estimates
func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	byWords := math.Ceil(float64(len(strings.Fields(text))) * 1.33)
	byChars := math.Ceil(float64(utf8.RuneCountInString(text)) / 4)
	return int(math.Max(byWords, byChars))
}

// TiktokenCounter counts with a BPE encoding
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// Count returns the exact token count under the encoding
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns a tiktoken counter for encoding, or the heuristic
// counter when encoding is empty or cannot be loaded
func NewTokenCounter(encoding string, logger *zap.Logger) TokenCounter {
	if encoding == "" {
		return HeuristicCounter{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("Tokenizer unavailable, using estimator",
			zap.String("encoding", encoding),
			zap.Error(err),
		)
		return HeuristicCounter{}
	}
	return &TiktokenCounter{enc: enc}
}
