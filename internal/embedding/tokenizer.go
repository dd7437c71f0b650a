package embedding

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer cuts text to a token budget. Truncation keeps a prefix and is
// deterministic for a given input and budget.
type Tokenizer interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// BPETokenizer counts cl100k_base tokens with tiktoken.
type BPETokenizer struct {
	enc *tiktoken.Tiktoken
}

var (
	bpeOnce sync.Once
	bpeTok  *BPETokenizer
	bpeErr  error
)

// NewBPETokenizer loads the cl100k_base encoding once per process.
func NewBPETokenizer() (*BPETokenizer, error) {
	bpeOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			bpeErr = err
			return
		}
		bpeTok = &BPETokenizer{enc: enc}
	})
	return bpeTok, bpeErr
}

// Count returns the number of BPE tokens in text.
func (t *BPETokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate keeps the first maxTokens tokens of text.
func (t *BPETokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens < 1 {
		return text
	}
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return t.enc.Decode(ids[:maxTokens])
}

// RunesPerToken is the ratio ApproxTokenizer assumes.
const RunesPerToken = 4

// ApproxTokenizer estimates one token per RunesPerToken runes. It is used
// when the BPE table cannot be loaded.
type ApproxTokenizer struct{}

// Count estimates the token count of text, rounding up.
func (ApproxTokenizer) Count(text string) int {
	n := len([]rune(text))
	return (n + RunesPerToken - 1) / RunesPerToken
}

// Truncate keeps the first maxTokens*RunesPerToken runes of text.
func (ApproxTokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens < 1 {
		return text
	}
	runes := []rune(text)
	limit := maxTokens * RunesPerToken
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
