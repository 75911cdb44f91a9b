package transfer

import "fmt"

// Chunk is one contiguous byte range of a transfer.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the chunk.
func (c Chunk) End() int64 {
	return c.Offset + c.Length
}

// Plan splits [0, size) into chunkCount contiguous chunks. Every chunk but the last
// has length size/chunkCount; the last one absorbs the remainder, so the chunks always
// cover the object exactly once.
//
// A chunkCount larger than a non-empty size is clamped to size (one byte per chunk).
// An empty object yields a single zero-length chunk.
func Plan(size int64, chunkCount int) ([]Chunk, error) {
	if size < 0 {
		return nil, &ConfigError{Field: "size", Reason: fmt.Sprintf("must not be negative, got %d", size)}
	}

	if chunkCount < 1 {
		return nil, &ConfigError{Field: "chunk_count", Reason: fmt.Sprintf("must be at least 1, got %d", chunkCount)}
	}

	if size == 0 {
		return []Chunk{{Index: 0, Offset: 0, Length: 0}}, nil
	}

	count := int64(chunkCount)
	if count > size {
		count = max(1, size)
	}

	base := size / count
	chunks := make([]Chunk, count)

	for i := range count {
		chunks[i] = Chunk{Index: int(i), Offset: i * base, Length: base}
	}

	last := &chunks[count-1]
	last.Length = size - base*(count-1)

	return chunks, nil
}
