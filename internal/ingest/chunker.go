package ingest

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is how many characters consecutive chunks share.
	DefaultChunkOverlap = 50
)

// Chunks splits text into fixed-size chunks with overlap. The step
// between chunk starts is size-overlap, so neighbouring chunks share
// trailing context. A size <= overlap falls back to the defaults.
func Chunks(text string, size, overlap int) []string {
	if size <= 0 || overlap < 0 || size <= overlap {
		size, overlap = DefaultChunkSize, DefaultChunkOverlap
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
