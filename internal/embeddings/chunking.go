package embeddings

import (
	"strings"
)

// ChunkingConfig controls transcript chunking behavior
type ChunkingConfig struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// DefaultChunkingConfig returns sensible defaults for transcript windows.
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		MaxTokens:     400,
		OverlapTokens: 80,
	}
}

// Chunk represents a text chunk with its position in the split.
type Chunk struct {
	Text       string // The chunk text
	Index      int    // 0-based chunk position
	TotalCount int    // Total number of chunks
}

// Chunker splits long text into overlapping word windows.
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// NewChunker creates a new chunker with the given configuration
func NewChunker(config ChunkingConfig) *Chunker {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 400
	}
	if config.OverlapTokens <= 0 {
		config.OverlapTokens = 80
	}
	return &Chunker{
		maxTokens:     config.MaxTokens,
		overlapTokens: config.OverlapTokens,
	}
}

// ChunkText splits text into overlapping chunks if needed.
// Returns nil if text fits within maxTokens (no chunking needed).
func (c *Chunker) ChunkText(text string) []Chunk {
	tokens := strings.Fields(text)

	// No chunking needed if text fits
	if len(tokens) <= c.maxTokens {
		return nil
	}

	chunks := []Chunk{}

	// Step size: how many tokens to advance for each chunk.
	step := c.maxTokens - c.overlapTokens
	if step <= 0 {
		step = c.maxTokens / 2 // Fallback to 50% overlap
	}

	for i := 0; i < len(tokens); i += step {
		end := i + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		chunks = append(chunks, Chunk{
			Text:  strings.Join(tokens[i:end], " "),
			Index: len(chunks),
		})

		if end == len(tokens) {
			break
		}
	}

	for i := range chunks {
		chunks[i].TotalCount = len(chunks)
	}

	return chunks
}

// CountTokens estimates the token count for a given text (word-based).
func (c *Chunker) CountTokens(text string) int {
	return len(strings.Fields(text))
}
