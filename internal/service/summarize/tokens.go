package summarize

import (
	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TokenCounter counts model tokens in a text.
type TokenCounter interface {
	Count(text string) int
}

// TikTokenCounter counts with the BPE encoding used by OpenAI chat models.
type TikTokenCounter struct {
	tke *tiktoken.Tiktoken
}

// NewTokenCounter returns a tiktoken counter, or an estimating counter when
// the encoding cannot be loaded.
func NewTokenCounter() (TokenCounter, error) {
	tke, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return ApproxCounter{}, err
	}
	return &TikTokenCounter{tke: tke}, nil
}

func (c *TikTokenCounter) Count(text string) int {
	return len(c.tke.Encode(text, nil, nil))
}

// ApproxCounter assumes four bytes per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}
