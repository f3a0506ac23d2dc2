package engine

import "github.com/ainexllc/ainexsuite-sub009/internal/entity"

// stageHandle identifies one staged write so it can be dropped when its
// persist call settles, success or failure alike.
type stageHandle uint64

// stagedEntry is a client-synthesized entity held until the store
// confirms or rejects the write. seq records the snapshot sequence at
// stage time so only a strictly later snapshot can evict it.
type stagedEntry struct {
	handle stageHandle
	ent    entity.Entity
	seq    uint64
}

// writeBuffer holds staged creates/updates in insertion order plus the
// suppression set of optimistically-deleted ids. Not goroutine-safe;
// the engine guards it with its own mutex.
type writeBuffer struct {
	nextHandle stageHandle
	entries    []stagedEntry
	suppressed map[string]struct{}
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{suppressed: make(map[string]struct{})}
}

func (b *writeBuffer) stage(e entity.Entity, seq uint64) stageHandle {
	b.nextHandle++
	b.entries = append(b.entries, stagedEntry{handle: b.nextHandle, ent: e, seq: seq})
	return b.nextHandle
}

func (b *writeBuffer) drop(h stageHandle) {
	for i, entry := range b.entries {
		if entry.handle == h {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// entities returns the staged entities in insertion order.
func (b *writeBuffer) entities() []entity.Entity {
	out := make([]entity.Entity, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, entry.ent)
	}
	return out
}

// reconcile evicts staged entries whose id appears in a snapshot that
// arrived after they were staged: the server copy supersedes the local
// one.
func (b *writeBuffer) reconcile(ids map[string]struct{}, seq uint64) {
	kept := b.entries[:0]
	for _, entry := range b.entries {
		if _, confirmed := ids[entry.ent.ID]; confirmed && entry.seq < seq {
			continue
		}
		kept = append(kept, entry)
	}
	b.entries = kept
}

func (b *writeBuffer) suppress(id string) {
	b.suppressed[id] = struct{}{}
}

func (b *writeBuffer) unsuppress(id string) {
	delete(b.suppressed, id)
}
