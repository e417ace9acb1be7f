// Package assembly reassembles a complete chunk set into the original
// image payload.
package assembly

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoChunks is returned for an empty chunk set.
	ErrNoChunks = errors.New("no chunks to assemble")
	// ErrMissingChunk is returned when the index range 0..total-1 has gaps.
	// Completeness must be verified by the caller before assembling; this
	// guard exists so a gap can never silently produce a corrupt image.
	ErrMissingChunk = errors.New("chunk set is not contiguous")
)

// Result holds an assembled payload.
type Result struct {
	// Data is the image bytes in chunk-index order.
	Data []byte
	// Chunks is the number of chunks concatenated.
	Chunks int
}

// Assemble validates that chunks covers exactly the indices 0..totalChunks-1
// and concatenates them in index order. It fails rather than producing
// partial output.
func Assemble(chunks map[int][]byte, totalChunks int) (*Result, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	if len(chunks) != totalChunks {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrMissingChunk, len(chunks), totalChunks)
	}

	size := 0
	for index, data := range chunks {
		if index < 0 || index >= totalChunks {
			return nil, fmt.Errorf("%w: index %d outside 0..%d", ErrMissingChunk, index, totalChunks-1)
		}
		size += len(data)
	}

	data := make([]byte, 0, size)
	for i := 0; i < totalChunks; i++ {
		chunk, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: index %d absent", ErrMissingChunk, i)
		}
		data = append(data, chunk...)
	}

	return &Result{Data: data, Chunks: totalChunks}, nil
}

// Missing returns the sorted indices in 0..totalChunks-1 absent from
// received. The protocol handler sends this set back to the device so it
// resends only the gaps, never the whole image.
func Missing(received []int, totalChunks int) []int {
	have := make(map[int]struct{}, len(received))
	for _, index := range received {
		have[index] = struct{}{}
	}

	var missing []int
	for i := 0; i < totalChunks; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}
