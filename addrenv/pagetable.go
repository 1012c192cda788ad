package addrenv

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/shmcore/internal/utils"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/shm"
)

// Mapping is one entry of a PageTable
type Mapping struct {
	VirtualAddress uintptr
	Page           shm.PhysAddr
}

// PageTable is an in-memory address environment: a map from page-aligned virtual addresses to
// physical pages. It refuses to map over an existing entry or to unmap a missing one, so a
// double attach or double detach shows up as an error instead of silently succeeding.
type PageTable struct {
	pageSize int

	mutex   utils.OptionalMutex
	entries *swiss.Map[uintptr, shm.PhysAddr]
}

var _ shm.AddressEnvironment = &PageTable{}

// NewPageTable creates an empty page table. pageSize must be a power of two.
func NewPageTable(pageSize int, useMutex bool) (*PageTable, error) {
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	return &PageTable{
		pageSize: pageSize,
		mutex:    utils.OptionalMutex{UseMutex: useMutex},
		entries:  swiss.NewMap[uintptr, shm.PhysAddr](42),
	}, nil
}

func (t *PageTable) MapPage(page shm.PhysAddr, vaddr uintptr) error {
	if !memutils.IsAligned(vaddr, uintptr(t.pageSize)) {
		return errors.Wrapf(memutils.InvalidAddressError, "virtual address %#x is not page aligned", vaddr)
	}
	if !memutils.IsAligned(page, shm.PhysAddr(t.pageSize)) {
		return errors.Wrapf(memutils.InvalidAddressError, "physical page %#x is not page aligned", uintptr(page))
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	existing, mapped := t.entries.Get(vaddr)
	if mapped {
		return errors.Wrapf(memutils.InvalidAddressError, "virtual address %#x already maps page %#x", vaddr, uintptr(existing))
	}

	t.entries.Put(vaddr, page)
	return nil
}

func (t *PageTable) UnmapPage(vaddr uintptr) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, mapped := t.entries.Get(vaddr); !mapped {
		return errors.Wrapf(memutils.InvalidArgumentError, "virtual address %#x is not mapped", vaddr)
	}

	t.entries.Delete(vaddr)
	return nil
}

// Translate returns the physical address that vaddr resolves to, including its offset within
// the page
func (t *PageTable) Translate(vaddr uintptr) (shm.PhysAddr, bool) {
	pageAddr := memutils.AlignDown(vaddr, uintptr(t.pageSize))

	t.mutex.Lock()
	defer t.mutex.Unlock()

	page, mapped := t.entries.Get(pageAddr)
	if !mapped {
		return 0, false
	}
	return page + shm.PhysAddr(vaddr-pageAddr), true
}

// Len returns the number of mapped pages
func (t *PageTable) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.entries.Count()
}

// Mappings lists every mapped page in virtual address order
func (t *PageTable) Mappings() []Mapping {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	mappings := make([]Mapping, 0, t.entries.Count())
	t.entries.Iter(func(vaddr uintptr, page shm.PhysAddr) bool {
		mappings = append(mappings, Mapping{VirtualAddress: vaddr, Page: page})
		return false
	})

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].VirtualAddress < mappings[j].VirtualAddress
	})
	return mappings
}
