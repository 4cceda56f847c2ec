package chunker

import (
	"fmt"
)

// DefaultChunkSize keeps each binary frame well under the message size limit of
// browser data channels.
const DefaultChunkSize = 16 * 1024

// ChunkCount returns ceil(size/chunkSize). Empty payloads have zero chunks.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// Split cuts payload into ordered chunks of chunkSize bytes; the last chunk
// may be shorter. The returned slices alias payload and must not be written.
func Split(payload []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	total := ChunkCount(int64(len(payload)), chunkSize)
	chunks := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*chunkSize, len(payload))
		chunks = append(chunks, payload[i*chunkSize:end])
	}
	return chunks, nil
}

// Assemble concatenates chunks back into one payload.
func Assemble(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
