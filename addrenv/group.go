package addrenv

import "github.com/vkngwrapper/shmcore/shm"

// Group is a task group backed by its own PageTable
type Group struct {
	shm.GroupShm

	id        int
	pageTable *PageTable
}

var _ shm.TaskGroup = &Group{}

// NewGroup creates a task group with an empty page table
func NewGroup(id int, pageSize int, useMutex bool) (*Group, error) {
	pageTable, err := NewPageTable(pageSize, useMutex)
	if err != nil {
		return nil, err
	}

	return &Group{
		id:        id,
		pageTable: pageTable,
	}, nil
}

func (g *Group) ID() int { return g.id }

func (g *Group) AddressEnvironment() shm.AddressEnvironment { return g.pageTable }

// PageTable returns the group's page table, for inspecting what is mapped
func (g *Group) PageTable() *PageTable { return g.pageTable }
