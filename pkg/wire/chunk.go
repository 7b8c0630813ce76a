package wire

import (
	"sort"
	"strconv"
	"strings"
)

// MaxChunkTotal bounds the total-count a chunk header may declare. Headers
// above the ceiling are discarded as malformed.
const MaxChunkTotal = 64

const chunkPrefix = "CHUNK_"

// ChunkAssembler reassembles "CHUNK_<n>/<total>:<payload>" serial framing
// back into whole lines. Chunks may arrive in any order; state belongs to
// the port the chunks travel on, so callers keep one assembler per port.
type ChunkAssembler struct {
	chunks map[int]string
	total  int
}

// NewChunkAssembler returns an empty assembler.
func NewChunkAssembler() *ChunkAssembler {
	return &ChunkAssembler{chunks: make(map[int]string)}
}

// Feed consumes one raw line. Non-chunk lines pass through unchanged.
// Chunk lines are buffered until all declared chunks have arrived, at which
// point the concatenated line is returned. The second result is false while
// a message is still incomplete or when a malformed header was discarded.
func (a *ChunkAssembler) Feed(line string) (string, bool) {
	if !strings.HasPrefix(line, chunkPrefix) {
		return line, true
	}

	header, payload, ok := strings.Cut(line[len(chunkPrefix):], ":")
	if !ok {
		return "", false
	}
	seqStr, totalStr, ok := strings.Cut(header, "/")
	if !ok {
		return "", false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return "", false
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil {
		return "", false
	}
	if seq < 1 || total < 1 || seq > total || total > MaxChunkTotal {
		return "", false
	}

	a.chunks[seq] = payload
	a.total = total

	if len(a.chunks) > a.total {
		// Lost or mixed-up chunks, drop the partial message.
		a.Reset()
		return "", false
	}
	if len(a.chunks) < a.total {
		return "", false
	}

	seqs := make([]int, 0, len(a.chunks))
	for n := range a.chunks {
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)

	var b strings.Builder
	for _, n := range seqs {
		b.WriteString(a.chunks[n])
	}
	a.Reset()
	return b.String(), true
}

// Reset discards any buffered chunks.
func (a *ChunkAssembler) Reset() {
	a.chunks = make(map[int]string)
	a.total = 0
}
