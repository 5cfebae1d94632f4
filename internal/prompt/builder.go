// Package prompt assembles the LLM request: prioritized system blocks
// (base prompt + skills) and the conversation transcript.
package prompt

import (
	"sort"
	"strings"
)

// Block is one contribution to the system prompt. Higher priority renders
// earlier; ties break on ID so assembly is deterministic.
type Block struct {
	ID       string
	Priority int
	Content  string
}

type Builder struct {
	blocks []Block
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues a block; blank content is discarded so optional sections can
// be added unconditionally.
func (b *Builder) Add(block Block) {
	if strings.TrimSpace(block.Content) == "" {
		return
	}
	b.blocks = append(b.blocks, block)
}

func (b *Builder) Build() string {
	ordered := append([]Block(nil), b.blocks...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	sections := make([]string, 0, len(ordered))
	for _, block := range ordered {
		sections = append(sections, block.Content)
	}
	return strings.Join(sections, "\n\n")
}
