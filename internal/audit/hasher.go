package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
)

// ComputeEntryHash calculates
// entry_hash = SHA-256(seq || event_type || symbol || action || details || actor || order_id || created_at || prev_hash)
// Integers are 8 bytes LE; every string field is prefixed with its length so
// that adjacent fields cannot be shifted into each other.
func ComputeEntryHash(e Entry) string {
	h := sha256.New()

	writeUint64(h, uint64(e.Sequence))
	writeField(h, []byte(e.EventType))
	writeField(h, []byte(e.Symbol))
	writeField(h, []byte(e.Action))
	writeField(h, e.Details)
	writeField(h, []byte(e.Actor))
	writeField(h, []byte(e.OrderID))
	writeUint64(h, uint64(e.CreatedAt.UnixMicro()))
	writeField(h, []byte(e.PrevHash))

	return hex.EncodeToString(h.Sum(nil))
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeField(h hash.Hash, b []byte) {
	writeUint64(h, uint64(len(b)))
	h.Write(b)
}

// Hasher walks a chain forward from a checkpoint, checking each entry's
// sequence, linkage and hash in that order.
type Hasher struct {
	tip Checkpoint
}

// NewHasher starts at cp. Use Genesis for a full-chain walk.
func NewHasher(cp Checkpoint) *Hasher {
	return &Hasher{tip: cp}
}

// Next verifies e against the current tip and advances on success.
func (h *Hasher) Next(e Entry) *TamperDetected {
	expected := h.tip.Sequence + 1
	if e.Sequence != expected {
		return &TamperDetected{Sequence: expected, Reason: "entry missing or renumbered"}
	}
	if e.PrevHash != h.tip.Hash {
		return &TamperDetected{Sequence: e.Sequence, Reason: "prev_hash does not match preceding entry"}
	}
	if ComputeEntryHash(e) != e.EntryHash {
		return &TamperDetected{Sequence: e.Sequence, Reason: "entry_hash does not match recomputed hash"}
	}
	h.tip = Checkpoint{Sequence: e.Sequence, Hash: e.EntryHash}
	return nil
}

// Tip returns the last verified position.
func (h *Hasher) Tip() Checkpoint {
	return h.tip
}
