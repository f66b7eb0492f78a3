// Package sampling builds the per-example candidate spans, relation pairs and
// token masks the model consumes.
package sampling

import "fmt"

// MaxSizeBucket is the number of rows of the size embedding.
const MaxSizeBucket = 100

// EntityMask marks the token positions [start, end) of a sequence of contextSize tokens.
func EntityMask(start, end, contextSize int) []bool {
	mask := make([]bool, contextSize)
	for i := max(start, 0); i < min(end, contextSize); i++ {
		mask[i] = true
	}
	return mask
}

// RelationContextMask marks the tokens lying between two spans. Spans that touch or
// overlap have no tokens between them and get an empty mask.
func RelationContextMask(s1, s2 [2]int, contextSize int) []bool {
	start, end := s2[1], s1[0]
	if s1[1] < s2[0] {
		start, end = s1[1], s2[0]
	}
	return EntityMask(start, end, contextSize)
}

// SizeBucket maps a span length to its size embedding row, clipping long spans to the last row.
func SizeBucket(size int) int {
	return min(max(size, 0), MaxSizeBucket-1)
}

// Candidate is one enumerated span.
type Candidate struct {
	Words  [2]int // word range [start, end)
	Tokens [2]int // token range [start, end)
	Size   int
}

// EnumerateSpans lists every run of 1 to maxSpanSize consecutive words, shortest
// spans first. wordTokens holds the token range of each word.
func EnumerateSpans(wordTokens [][2]int, maxSpanSize int) []Candidate {
	var candidates []Candidate
	for size := 1; size <= maxSpanSize; size++ {
		for i := 0; i+size <= len(wordTokens); i++ {
			candidates = append(candidates, Candidate{
				Words:  [2]int{i, i + size},
				Tokens: [2]int{wordTokens[i][0], wordTokens[i+size-1][1]},
				Size:   size,
			})
		}
	}
	return candidates
}

// Sample holds the candidates of one example before padding into a batch.
type Sample struct {
	Encoding      []int
	ContextMask   []bool
	EntityMasks   [][]bool
	EntitySizes   []int
	EntitySpans   [][2]int
	Relations     [][2]int
	RelationMasks [][]bool
}

// NewSample creates a sample over the given token ids with every token attended.
func NewSample(encoding []int) Sample {
	contextMask := make([]bool, len(encoding))
	for i := range contextMask {
		contextMask[i] = true
	}
	return Sample{Encoding: encoding, ContextMask: contextMask}
}

// AddEntity appends the candidate covering tokens [start, end) and returns its index.
func (s *Sample) AddEntity(start, end, size int) int {
	s.EntityMasks = append(s.EntityMasks, EntityMask(start, end, len(s.Encoding)))
	s.EntitySizes = append(s.EntitySizes, SizeBucket(size))
	s.EntitySpans = append(s.EntitySpans, [2]int{start, end})
	return len(s.EntitySpans) - 1
}

// AddRelation appends the ordered pair (head, tail) of existing entity candidates.
func (s *Sample) AddRelation(head, tail int) error {
	if head < 0 || tail < 0 || head >= len(s.EntitySpans) || tail >= len(s.EntitySpans) {
		return fmt.Errorf("relation (%d, %d) refers to a missing entity, sample has %d", head, tail, len(s.EntitySpans))
	}
	if head == tail {
		return fmt.Errorf("relation (%d, %d) links an entity to itself", head, tail)
	}
	s.Relations = append(s.Relations, [2]int{head, tail})
	s.RelationMasks = append(s.RelationMasks, RelationContextMask(s.EntitySpans[head], s.EntitySpans[tail], len(s.Encoding)))
	return nil
}

// NewEvalSample enumerates all spans of up to maxSpanSize words as entity candidates.
func NewEvalSample(encoding []int, wordTokens [][2]int, maxSpanSize int) (Sample, []Candidate) {
	sample := NewSample(encoding)
	candidates := EnumerateSpans(wordTokens, maxSpanSize)
	for _, c := range candidates {
		sample.AddEntity(c.Tokens[0], c.Tokens[1], c.Size)
	}
	return sample, candidates
}
