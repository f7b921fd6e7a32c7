package workspace

import (
	"regexp"
	"strings"
)

// ChunkerConfig controls the deterministic chunking algorithm:
// target size with soft overlap, splitting on paragraph boundaries first,
// then sentence, then word.
type ChunkerConfig struct {
	TargetSize int
	MinSize    int
	Overlap    int
}

// DefaultChunkerConfig returns the default chunk granularity.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{TargetSize: 800, MinSize: 200, Overlap: 100}
}

var sentenceBoundary = regexp.MustCompile(`(?s)([.!?])\s+`)

// Chunker splits document content into ordered, deterministic chunks.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker constructs a Chunker; a zero cfg is replaced with
// DefaultChunkerConfig.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.TargetSize <= 0 {
		cfg = DefaultChunkerConfig()
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = cfg.TargetSize / 4
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits content deterministically: identical input and config
// always yields identical chunks, including their text and order.
func (c *Chunker) Chunk(content string) []string {
	paragraphs := splitParagraphs(content)
	var units []string
	for _, p := range paragraphs {
		if len(p) <= c.cfg.TargetSize {
			units = append(units, p)
			continue
		}
		units = append(units, splitBySentence(p, c.cfg.TargetSize)...)
	}

	chunks := c.pack(units)
	return c.joinSmall(chunks)
}

func splitParagraphs(content string) []string {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		trimmed := strings.TrimSpace(content)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitBySentence(paragraph string, targetSize int) []string {
	sentences := splitSentences(paragraph)
	var out []string
	var cur strings.Builder
	for _, s := range sentences {
		if cur.Len() > 0 && cur.Len()+len(s) > targetSize {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		if len(s) > targetSize {
			out = append(out, splitByWord(s, targetSize)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}

func splitSentences(text string) []string {
	idxs := sentenceBoundary.FindAllStringIndex(text, -1)
	if len(idxs) == 0 {
		return []string{text}
	}
	var out []string
	start := 0
	for _, m := range idxs {
		out = append(out, text[start:m[1]])
		start = m[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func splitByWord(text string, targetSize int) []string {
	words := strings.Fields(text)
	var out []string
	var cur strings.Builder
	for _, w := range words {
		if cur.Len() > 0 && cur.Len()+1+len(w) > targetSize {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// pack greedily fills chunks up to TargetSize from the unit list,
// carrying a soft overlap of trailing text from the previous chunk into
// the next one.
func (c *Chunker) pack(units []string) []string {
	var chunks []string
	var cur strings.Builder
	for _, u := range units {
		if cur.Len() > 0 && cur.Len()+2+len(u) > c.cfg.TargetSize {
			chunks = append(chunks, cur.String())
			prev := cur.String()
			cur.Reset()
			if c.cfg.Overlap > 0 && len(prev) > c.cfg.Overlap {
				cur.WriteString(prev[len(prev)-c.cfg.Overlap:])
				cur.WriteString("\n\n")
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// joinSmall merges any chunk under MinSize into its larger neighbor,
// preferring the following chunk, then the preceding one.
func (c *Chunker) joinSmall(chunks []string) []string {
	if len(chunks) <= 1 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for i := 0; i < len(chunks); i++ {
		if len(chunks[i]) >= c.cfg.MinSize || len(chunks) == 1 {
			out = append(out, chunks[i])
			continue
		}
		switch {
		case i+1 < len(chunks):
			chunks[i+1] = chunks[i] + "\n\n" + chunks[i+1]
		case len(out) > 0:
			out[len(out)-1] = out[len(out)-1] + "\n\n" + chunks[i]
		default:
			out = append(out, chunks[i])
		}
	}
	return out
}
