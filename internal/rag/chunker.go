// Package rag implements the knowledge-base half of the platform: the
// Ingestion Pipeline (C5, chunk -> embed -> upsert with job tracking) and
// the Retrieval Service (C6, VECTOR/LEXICAL/HYBRID search).
package rag

import (
	"strings"
	"unicode/utf8"
)

// estimatedCharsPerToken approximates token length from rune count without
// pulling in a model-specific tokenizer; good enough for chunk sizing.
const estimatedCharsPerToken = 4

func estimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + estimatedCharsPerToken - 1) / estimatedCharsPerToken
}

// ChunkerConfig configures the text chunker in token units.
type ChunkerConfig struct {
	TargetTokens int    // preferred chunk size
	MaxTokens    int    // hard cap before a chunk is forced to split further
	OverlapTokens int   // tokens of trailing context carried into the next chunk
	Separator    string // preferred split separator
	Passthrough  bool   // if true, return the entire text as one chunk
}

func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		TargetTokens:  500,
		MaxTokens:     1000,
		OverlapTokens: 50,
		Separator:     "\n\n",
	}
}

// Chunk holds a single chunk of text with its position.
type Chunk struct {
	Text      string
	Index     int
	TokenSize int
	Metadata  map[string]string
}

// ChunkText splits text into overlapping chunks using recursive splitting
// on progressively finer separators, sized in estimated tokens rather than
// characters so downstream batching against a model's context window is
// predictable regardless of language.
func ChunkText(text string, config ChunkerConfig) []Chunk {
	if config.TargetTokens <= 0 {
		config.TargetTokens = 500
	}
	if config.MaxTokens <= 0 || config.MaxTokens < config.TargetTokens {
		config.MaxTokens = config.TargetTokens * 2
	}
	if config.OverlapTokens < 0 {
		config.OverlapTokens = 0
	}

	if config.Passthrough || estimateTokens(text) <= config.TargetTokens {
		return []Chunk{{Text: text, Index: 0, TokenSize: estimateTokens(text), Metadata: map[string]string{}}}
	}

	separators := []string{"\n\n", "\n", ". ", " ", ""}
	if config.Separator != "" {
		separators = append([]string{config.Separator}, separators...)
	}

	chunks := recursiveSplit(text, separators, config.TargetTokens, config.MaxTokens, config.OverlapTokens)
	for i := range chunks {
		chunks[i].Index = i
		chunks[i].TokenSize = estimateTokens(chunks[i].Text)
	}
	return chunks
}

func recursiveSplit(text string, separators []string, targetTokens, maxTokens, overlapTokens int) []Chunk {
	if estimateTokens(text) <= targetTokens {
		return []Chunk{{Text: text, Metadata: map[string]string{}}}
	}

	var segments []string
	var usedSep string
	for _, sep := range separators {
		if sep == "" {
			segments = splitByRunes(text, targetTokens*estimatedCharsPerToken)
			usedSep = ""
			break
		}
		parts := strings.Split(text, sep)
		if len(parts) > 1 {
			segments = parts
			usedSep = sep
			break
		}
	}
	if len(segments) == 0 {
		return []Chunk{{Text: text, Metadata: map[string]string{}}}
	}

	var chunks []Chunk
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		text := current.String()
		// A merged chunk can still exceed maxTokens if a single segment is
		// huge (e.g. no whitespace); fall back to a hard rune split for it.
		if estimateTokens(text) > maxTokens {
			for _, sub := range splitByRunes(text, maxTokens*estimatedCharsPerToken) {
				chunks = append(chunks, Chunk{Text: sub, Metadata: map[string]string{}})
			}
		} else {
			chunks = append(chunks, Chunk{Text: text, Metadata: map[string]string{}})
		}
		current.Reset()
	}

	for _, seg := range segments {
		candidate := current.String()
		if candidate != "" {
			candidate += usedSep
		}
		candidate += seg

		if estimateTokens(candidate) > targetTokens && current.Len() > 0 {
			prevText := current.String()
			flush()
			tail := overlapTail(prevText, overlapTokens*estimatedCharsPerToken)
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(usedSep)
			}
			current.WriteString(seg)
		} else {
			if current.Len() > 0 {
				current.WriteString(usedSep)
			}
			current.WriteString(seg)
		}
	}
	flush()

	return chunks
}

func overlapTail(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}

func splitByRunes(text string, n int) []string {
	if n <= 0 {
		n = 1
	}
	runes := []rune(text)
	var segments []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		segments = append(segments, string(runes[i:end]))
	}
	return segments
}
