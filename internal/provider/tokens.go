package provider

import (
	"github.com/pkoukk/tiktoken-go"
)

// estimateTokens counts tokens with the model's encoding when a provider
// reports no usage. It falls back to cl100k_base, then to a chars/4 guess.
func estimateTokens(model string, texts ...string) int64 {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	var total int64
	for _, t := range texts {
		if t == "" {
			continue
		}
		if err != nil {
			total += int64((len(t) + 3) / 4)
			continue
		}
		total += int64(len(enc.Encode(t, nil, nil)))
	}
	return total
}
