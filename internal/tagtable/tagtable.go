// Package tagtable holds the per-descriptor Tag record and the fixed
// Table of tag slots (Tag record, Tag table slot) and enforces the
// permission rule. The state machine that drives these structures
// (tag_get/tag_send/tag_receive/tag_ctl) lives one layer up, in the
// root package, which ties everything together.
package tagtable

import (
	"sync"
	"sync/atomic"

	"github.com/tagmux/tagmux/internal/level"
)

// Permission controls who besides the privileged identity (euid 0) may
// send/receive/awake/delete a tag.
type Permission int

const (
	// PermAny allows any caller.
	PermAny Permission = iota
	// PermOwner restricts the operation to the owner's effective uid.
	PermOwner
)

// Tag is the per-descriptor record.
type Tag struct {
	Key        int
	Descriptor int
	OwnerEUID  int
	Permission Permission

	// Ready is the tag-wide awake-all flag. AWAKE_ALL
	// sets it while holding only the owning slot's RLock, and the last
	// receiver to decrement Waiters to zero clears it the same way, so
	// it must be an atomic rather than a lock-guarded plain bool.
	Ready atomic.Bool

	// Waiters is the tag-wide receiver count; approximately the sum of
	// each level's Waiters, exactly so at quiescence (invariant 4).
	Waiters atomic.Int64

	// Levels holds one pointer per level index; replaced wholesale on
	// epoch rollover. Guarded by the corresponding LevelLocks entry.
	Levels []*level.Level
	// LevelLocks is one RWMutex per level, held as reader to pin a
	// Levels[i] read, as writer during rollover.
	LevelLocks []sync.RWMutex
}

// New builds a fully initialized Tag with `levels` fresh epoch-0 level
// records, each with a buffer of bufferSize bytes.
func New(descriptor, key, ownerEUID int, perm Permission, levels, bufferSize int) *Tag {
	t := &Tag{
		Key:        key,
		Descriptor: descriptor,
		OwnerEUID:  ownerEUID,
		Permission: perm,
		Levels:     make([]*level.Level, levels),
		LevelLocks: make([]sync.RWMutex, levels),
	}
	for i := range t.Levels {
		t.Levels[i] = level.New(i, 0, bufferSize)
	}
	return t
}

// CheckPermission implements the permission rule: the privileged identity
// (euid 0) and PermAny always pass; otherwise the caller must be the
// owner. Ordering matches the original's CHECKPERM macro: privileged
// short-circuits before the owner comparison.
func CheckPermission(callerEUID int, t *Tag) bool {
	if callerEUID == 0 {
		return true
	}
	if t.Permission == PermAny {
		return true
	}
	return callerEUID == t.OwnerEUID
}

// Slot is one entry of the fixed Table: a tag pointer (nil when the
// descriptor is free) guarded by its own RWMutex. Readers hold RLock
// for the full duration of a send/receive/awake-all transaction
// DELETE only ever try-locks it as writer.
type Slot struct {
	Mu  sync.RWMutex
	Tag *Tag
}

// Table is the fixed-capacity array of tag slots indexed by descriptor.
type Table struct {
	Slots []Slot
}

// NewTable allocates a Table with `capacity` empty slots.
func NewTable(capacity int) *Table {
	return &Table{Slots: make([]Slot, capacity)}
}

// Publish installs tag into slot d. Used only by a CREATE that has
// exclusively reserved descriptor d via the allocator; no other
// goroutine can observe slot d before this call. It still takes the
// slot's writer lock briefly so the publish has a proper
// happens-before edge with concurrent readers that acquire the same
// lock as a reader.
func (tb *Table) Publish(d int, tag *Tag) {
	tb.Slots[d].Mu.Lock()
	tb.Slots[d].Tag = tag
	tb.Slots[d].Mu.Unlock()
}

// Len returns the table's fixed capacity.
func (tb *Table) Len() int { return len(tb.Slots) }
