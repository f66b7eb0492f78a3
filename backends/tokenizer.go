package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knights-analytics/aspert/util/fileutil"
)

type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *Timings
	Destroy          func() error
	Runtime          string
	UnknownToken     string
	MaxAllowedTokens int
	ClsTokenID       uint32
	SepTokenID       uint32
}

var ErrEmptyEncoding = errors.New("tokenizer produced no tokens")

func LoadTokenizer(ctx context.Context, model *Model, backend string) error {
	tokenizerPath := fileutil.PathJoinSafe(model.Path, "tokenizer.json")
	exists, err := fileutil.FileExists(ctx, tokenizerPath)
	if err != nil {
		return fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return fmt.Errorf("no tokenizer.json found at %s", model.Path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(ctx, tokenizerPath)
	if err != nil {
		return err
	}
	switch backend {
	case "ORT":
		err = loadRustTokenizer(tokenizerBytes, model)
	case "GO":
		err = loadGoTokenizer(tokenizerBytes, model)
	default:
		return fmt.Errorf("runtime %s not recognized", backend)
	}
	if err != nil {
		return err
	}
	return resolveSpecialTokens(model.Tokenizer)
}

// ContextTokenID is the id of the token whose hidden state summarises the input.
func (tk *Tokenizer) ContextTokenID() int {
	return int(tk.ClsTokenID)
}

// resolveSpecialTokens finds the ids the tokenizer wraps a sequence with.
// The first one is the context token whose hidden state represents the whole input.
func resolveSpecialTokens(tk *Tokenizer) error {
	ids, err := encode(tk, "", true)
	if err != nil {
		return err
	}
	if len(ids) < 2 {
		return fmt.Errorf("tokenizer does not add sequence delimiters, got %v", ids)
	}
	tk.ClsTokenID = ids[0]
	tk.SepTokenID = ids[len(ids)-1]
	return nil
}

func encode(tk *Tokenizer, text string, addSpecialTokens bool) ([]uint32, error) {
	switch tk.Runtime {
	case "RUST":
		return encodeRust(tk, text, addSpecialTokens), nil
	case "GO":
		return encodeGo(tk, text, addSpecialTokens)
	}
	return nil, fmt.Errorf("runtime %s not recognized", tk.Runtime)
}

// TokenizeWords encodes each word on its own and joins the pieces between the
// context and separator tokens, recording which token range each word covers.
// Words that do not fit in MaxAllowedTokens are dropped from the end.
func (tk *Tokenizer) TokenizeWords(raw string, words []string, offsets [][2]int) (TokenizedInput, error) {
	defer tk.TokenizerTimings.Track(time.Now())

	out := TokenizedInput{
		Raw:      raw,
		TokenIDs: []uint32{tk.ClsTokenID},
	}
	for i, word := range words {
		ids, err := encode(tk, word, false)
		if err != nil {
			return out, err
		}
		if len(ids) == 0 {
			ids, err = encode(tk, tk.UnknownToken, false)
			if err != nil {
				return out, err
			}
			if len(ids) == 0 {
				return out, fmt.Errorf("%w for word %q", ErrEmptyEncoding, word)
			}
		}
		if tk.MaxAllowedTokens > 0 && len(out.TokenIDs)+len(ids)+1 > tk.MaxAllowedTokens {
			break
		}
		start := len(out.TokenIDs)
		out.TokenIDs = append(out.TokenIDs, ids...)
		out.Words = append(out.Words, word)
		out.WordOffsets = append(out.WordOffsets, offsets[i])
		out.WordSpans = append(out.WordSpans, [2]int{start, len(out.TokenIDs)})
	}
	out.TokenIDs = append(out.TokenIDs, tk.SepTokenID)
	out.AttentionMask = make([]uint32, len(out.TokenIDs))
	for i := range out.AttentionMask {
		out.AttentionMask[i] = 1
	}
	return out, nil
}
