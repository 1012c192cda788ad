package shm

//go:generate mockgen -source types.go -destination ./mocks/types.go -exclude_interfaces TaskGroup

import "sync/atomic"

// PhysAddr is the physical address of one page of a segment's backing memory
type PhysAddr uintptr

// AddressEnvironment is the page table of a single task group. The Manager calls MapPage
// once per page of a segment when it is attached, and UnmapPage once per page when it is
// detached.
type AddressEnvironment interface {
	MapPage(page PhysAddr, vaddr uintptr) error
	UnmapPage(vaddr uintptr) error
}

// Backing is the physical memory behind a segment. Pages must return at least as many pages
// as the segment size requires, in the order they should appear in virtual memory. Release is
// called exactly once, when the segment is destroyed.
type Backing interface {
	Pages() []PhysAddr
	Release() error
}

// TaskGroup is the process-like unit that owns one address environment and one GroupContext.
// Implementations satisfy the interface by embedding GroupShm, which holds the context
// installed by Manager.InitializeGroup.
type TaskGroup interface {
	ID() int
	AddressEnvironment() AddressEnvironment

	groupShm() *GroupShm
}

// GroupShm is embedded in task group implementations to give them a slot for their shared
// memory context. The zero value is an uninitialized slot.
type GroupShm struct {
	context atomic.Pointer[GroupContext]
}

func (g *GroupShm) groupShm() *GroupShm { return g }

// SharedMemory returns the context installed by Manager.InitializeGroup, or nil if the group
// has not been initialized or has already been released
func (g *GroupShm) SharedMemory() *GroupContext {
	return g.context.Load()
}
