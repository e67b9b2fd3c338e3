// -----------------------------------------------------------------------
// Markdown chunker - splits Shadow-Twin markdown into heading-bounded
// sections for indexing
// -----------------------------------------------------------------------

package rag

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxChunkWords bounds one chunk; oversized sections split on paragraphs
const maxChunkWords = 400

// Chunk is one indexable section of a markdown document
type Chunk struct {
	Index   int    `json:"index"`
	Heading string `json:"heading,omitempty"`
	Text    string `json:"text"`
	Words   int    `json:"words"`
}

// ChunkMarkdown splits markdown into heading-bounded chunks. Each chunk
// carries the heading it falls under; content before the first heading forms
// its own chunk. Sections longer than the word bound are split at paragraph
// boundaries so no chunk loses its heading context.
func ChunkMarkdown(markdown string) []Chunk {
	source := []byte(markdown)
	parser := goldmark.DefaultParser()
	root := parser.Parse(text.NewReader(source))

	type section struct {
		heading string
		blocks  []string
	}

	sections := []section{{}}
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		if heading, ok := node.(*ast.Heading); ok && heading.Level <= 2 {
			sections = append(sections, section{heading: string(nodeText(heading, source))})
			continue
		}
		block := strings.TrimSpace(string(blockText(node, source)))
		if block == "" {
			continue
		}
		sections[len(sections)-1].blocks = append(sections[len(sections)-1].blocks, block)
	}

	chunks := make([]Chunk, 0, len(sections))
	for _, sec := range sections {
		if len(sec.blocks) == 0 {
			continue
		}
		for _, part := range splitByWords(sec.blocks, maxChunkWords) {
			chunks = append(chunks, Chunk{
				Index:   len(chunks),
				Heading: sec.heading,
				Text:    part,
				Words:   len(strings.Fields(part)),
			})
		}
	}
	return chunks
}

func splitByWords(blocks []string, limit int) []string {
	var parts []string
	var current []string
	words := 0

	for _, block := range blocks {
		blockWords := len(strings.Fields(block))
		if words > 0 && words+blockWords > limit {
			parts = append(parts, strings.Join(current, "\n\n"))
			current = nil
			words = 0
		}
		current = append(current, block)
		words += blockWords
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, "\n\n"))
	}
	return parts
}

func nodeText(node ast.Node, source []byte) []byte {
	var builder strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if textNode, ok := child.(*ast.Text); ok {
			builder.Write(textNode.Segment.Value(source))
		} else {
			builder.Write(nodeText(child, source))
		}
	}
	return []byte(builder.String())
}

func blockText(node ast.Node, source []byte) []byte {
	if node.Type() == ast.TypeBlock {
		lines := node.Lines()
		if lines.Len() > 0 {
			var builder strings.Builder
			for i := 0; i < lines.Len(); i++ {
				segment := lines.At(i)
				builder.Write(segment.Value(source))
			}
			// Container blocks (lists) keep their raw lines too
			if builder.Len() > 0 {
				return []byte(builder.String())
			}
		}
	}

	var builder strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		builder.Write(blockText(child, source))
		builder.WriteString("\n")
	}
	return []byte(builder.String())
}
