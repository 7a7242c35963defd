// Package chunker estimates token counts and splits text into
// token-bounded chunks on word boundaries.
package chunker

import (
	"strings"
	"unicode"
)

// Chunk is a token-bounded slice of a source document. Offsets are byte
// positions into the original text and always land on word boundaries.
type Chunk struct {
	ParentID    string
	Index       int
	Text        string
	TokenCount  int
	StartOffset int
	Length      int
	Language    string
}

// Config controls chunking behavior.
type Config struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     1800, // safe for most embedding models
		OverlapTokens: 0,
	}
}

// Chunker splits text into token-bounded chunks.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// New creates a chunker with the given configuration.
func New(config Config) *Chunker {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1800
	}
	if config.OverlapTokens < 0 {
		config.OverlapTokens = 0
	}
	return &Chunker{maxTokens: config.MaxTokens, overlapTokens: config.OverlapTokens}
}

// word is a whitespace-delimited run with its byte offset.
type word struct {
	start int
	end   int
}

func splitWords(text string) []word {
	var words []word
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{start: start, end: len(text)})
	}
	return words
}

// CountTokens estimates the token count the embedding model will see.
// Approximation: ~1.3 tokens per whitespace-delimited word.
func CountTokens(text string, modelID string) int {
	n := len(strings.Fields(text))
	return n * 13 / 10
}

// GetMaxTokens returns the context window for a model.
func GetMaxTokens(modelID string) int {
	switch {
	case strings.Contains(modelID, "text-embedding-3"):
		return 8191
	case strings.Contains(modelID, "ada-002"):
		return 8191
	case strings.Contains(modelID, "gpt-4"):
		return 8192
	default:
		return 8191
	}
}

// Chunk splits text into chunks of at most maxTokens tokens each, never
// splitting inside a word. maxTokens <= 0 uses the chunker's default.
// A single chunk covering the whole text is returned when it fits.
func (c *Chunker) Chunk(text string, modelID string, maxTokens int, parentID string) []Chunk {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	words := splitWords(text)
	if len(words) == 0 {
		return []Chunk{{ParentID: parentID, Index: 0, Text: text, TokenCount: 0, StartOffset: 0, Length: len(text)}}
	}

	// Token estimate is 1.3x words, so the per-chunk word budget is the
	// inverse. At least one word per chunk.
	wordBudget := maxTokens * 10 / 13
	if wordBudget < 1 {
		wordBudget = 1
	}

	overlapWords := c.overlapTokens * 10 / 13
	step := wordBudget - overlapWords
	if step < 1 {
		step = wordBudget
	}

	var chunks []Chunk
	for i := 0; i < len(words); i += step {
		end := i + wordBudget
		if end > len(words) {
			end = len(words)
		}
		first, last := words[i], words[end-1]
		chunkText := text[first.start:last.end]
		chunks = append(chunks, Chunk{
			ParentID:    parentID,
			Index:       len(chunks),
			Text:        chunkText,
			TokenCount:  (end - i) * 13 / 10,
			StartOffset: first.start,
			Length:      last.end - first.start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
