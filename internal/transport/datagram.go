package transport

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Unreliable messages ride QUIC datagrams, which are bounded by path MTU.
// Messages larger than one datagram are split into chunks; the receiver
// reassembles and silently discards frames that never complete. Chunk
// header: frameID(4) | index(2) | count(2).
const (
	chunkHeaderSize     = 8
	maxChunkPayload     = 1152
	reassemblyTimeout   = time.Second
	maxPendingReassembl = 64
)

func splitChunks(frameID uint32, data []byte) [][]byte {
	count := (len(data) + maxChunkPayload - 1) / maxChunkPayload
	if count == 0 {
		count = 1
	}
	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxChunkPayload
		end := start + maxChunkPayload
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, chunkHeaderSize+end-start)
		binary.BigEndian.PutUint32(chunk[0:4], frameID)
		binary.BigEndian.PutUint16(chunk[4:6], uint16(i))
		binary.BigEndian.PutUint16(chunk[6:8], uint16(count))
		copy(chunk[chunkHeaderSize:], data[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

type pendingFrame struct {
	chunks   map[uint16][]byte
	count    uint16
	received int
	size     int
	created  time.Time
}

// reassembler rebuilds chunked datagrams. It is owned by a single receive
// loop and needs no locking.
type reassembler struct {
	pending map[uint32]*pendingFrame
}

func newReassembler() *reassembler {
	return &reassembler{pending: make(map[uint32]*pendingFrame)}
}

// add consumes one datagram and returns the completed message bytes once
// all chunks of its frame have arrived.
func (r *reassembler) add(datagram []byte, now time.Time) ([]byte, error) {
	if len(datagram) < chunkHeaderSize {
		return nil, fmt.Errorf("datagram shorter than chunk header: %d bytes", len(datagram))
	}
	frameID := binary.BigEndian.Uint32(datagram[0:4])
	index := binary.BigEndian.Uint16(datagram[4:6])
	count := binary.BigEndian.Uint16(datagram[6:8])
	if count == 0 || index >= count {
		return nil, fmt.Errorf("invalid chunk index %d/%d", index, count)
	}

	payload := datagram[chunkHeaderSize:]

	// Single-chunk fast path.
	if count == 1 {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	r.prune(now)

	pf, ok := r.pending[frameID]
	if !ok {
		if len(r.pending) >= maxPendingReassembl {
			// Backlogged reassembly means sustained loss; shed the oldest.
			r.evictOldest()
		}
		pf = &pendingFrame{chunks: make(map[uint16][]byte), count: count, created: now}
		r.pending[frameID] = pf
	}
	if pf.count != count {
		// Conflicting chunk counts for one frame id; start over.
		delete(r.pending, frameID)
		return nil, fmt.Errorf("chunk count mismatch for frame %d", frameID)
	}
	if _, dup := pf.chunks[index]; dup {
		return nil, nil
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	pf.chunks[index] = buf
	pf.received++
	pf.size += len(buf)

	if pf.received < int(pf.count) {
		return nil, nil
	}

	out := make([]byte, 0, pf.size)
	for i := uint16(0); i < pf.count; i++ {
		out = append(out, pf.chunks[i]...)
	}
	delete(r.pending, frameID)
	return out, nil
}

func (r *reassembler) prune(now time.Time) {
	for id, pf := range r.pending {
		if now.Sub(pf.created) > reassemblyTimeout {
			delete(r.pending, id)
		}
	}
}

func (r *reassembler) evictOldest() {
	var oldestID uint32
	var oldest time.Time
	first := true
	for id, pf := range r.pending {
		if first || pf.created.Before(oldest) {
			oldestID, oldest = id, pf.created
			first = false
		}
	}
	if !first {
		delete(r.pending, oldestID)
	}
}
