package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/aspert/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{
		Runtime:          "GO",
		GoTokenizer:      &GoTokenizer{Tokenizer: tk},
		TokenizerTimings: &Timings{},
		UnknownToken:     "[UNK]",
		MaxAllowedTokens: model.Config.MaxPositionEmbeddings,
		Destroy: func() error {
			return nil
		},
	}
	return nil
}

func encodeGo(tk *Tokenizer, text string, addSpecialTokens bool) ([]uint32, error) {
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(text, addSpecialTokens)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToUint32Slice(output.Ids), nil
}
