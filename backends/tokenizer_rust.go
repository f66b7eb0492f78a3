//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{
		Runtime:          "RUST",
		RustTokenizer:    &RustTokenizer{Tokenizer: tk},
		TokenizerTimings: &Timings{},
		UnknownToken:     "[UNK]",
		MaxAllowedTokens: model.Config.MaxPositionEmbeddings,
		Destroy: func() error {
			return tk.Close()
		},
	}
	return nil
}

func encodeRust(tk *Tokenizer, text string, addSpecialTokens bool) []uint32 {
	output := tk.RustTokenizer.Tokenizer.EncodeWithOptions(text, addSpecialTokens)
	return output.IDs
}
