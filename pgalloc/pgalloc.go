package pgalloc

import (
	"io"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/shmcore/internal/utils"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/memutils/gran"
	"github.com/vkngwrapper/shmcore/shm"
	"golang.org/x/exp/slog"
)

// CreateOptions describes the physical memory an Allocator hands pages out of
type CreateOptions struct {
	// Base is the physical address of the first page. It must be page aligned.
	Base shm.PhysAddr
	// Size is the size of the physical region in bytes, truncated to whole pages
	Size int
	// PageSize must be a power of two. Zero selects shm.DefaultPageSize.
	PageSize int
	// ExternallySynchronized disables the allocator's internal lock
	ExternallySynchronized bool
}

// Allocator hands out single physical pages from a fixed region. Pages are taken one at a time,
// so the pages behind a segment need not be contiguous.
type Allocator struct {
	logger   *slog.Logger
	pageSize int

	mutex utils.OptionalMutex
	pages *gran.Allocator
}

// New creates a page allocator. A nil logger discards diagnostics.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = shm.DefaultPageSize
	}

	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	pages, err := gran.New(uintptr(options.Base), options.Size, uint(bits.TrailingZeros(uint(pageSize))))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the physical page table")
	}

	return &Allocator{
		logger:   logger,
		pageSize: pageSize,
		mutex:    utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
		pages:    pages,
	}, nil
}

// PageSize returns the size of every page handed out by the allocator
func (a *Allocator) PageSize() int { return a.pageSize }

// FreePages returns the number of pages not currently in a PageSet
func (a *Allocator) FreePages() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.pages.SumFreeSize() / a.pageSize
}

// Allocate takes enough pages to back size bytes. OutOfSpaceError is returned, and nothing is
// taken, if not enough pages are free.
func (a *Allocator) Allocate(size int) (*PageSet, error) {
	a.logger.Debug("Allocator::Allocate")

	if size <= 0 {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "page set size %d must be positive", size)
	}

	count := memutils.AlignUp(size, a.pageSize) / a.pageSize

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.pages.SumFreeSize() < count*a.pageSize {
		return nil, errors.Wrapf(memutils.OutOfSpaceError, "%d pages were requested but only %d are free", count, a.pages.SumFreeSize()/a.pageSize)
	}

	set := &PageSet{
		allocator: a,
		pages:     make([]shm.PhysAddr, 0, count),
	}

	for i := 0; i < count; i++ {
		addr, err := a.pages.Alloc(a.pageSize, set)
		if err != nil {
			a.freeAfterLock(set.pages)
			return nil, err
		}
		set.pages = append(set.pages, shm.PhysAddr(addr))
	}

	memutils.DebugValidate(a.pages)
	return set, nil
}

func (a *Allocator) freeAfterLock(pages []shm.PhysAddr) {
	for _, page := range pages {
		err := a.pages.Free(uintptr(page), a.pageSize)
		if err != nil {
			a.logger.Error("failed to free physical page", slog.Uint64("page", uint64(page)), slog.Any("error", err))
		}
	}
}

func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.pages.Validate()
}

// AddStatistics sums the allocator's page usage into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.pages.AddStatistics(stats)
}

// PageSet is a group of physical pages taken from an Allocator. It backs exactly one segment
// and returns its pages when the segment is destroyed.
type PageSet struct {
	allocator *Allocator
	pages     []shm.PhysAddr
	released  atomic.Bool
}

var _ shm.Backing = &PageSet{}

func (s *PageSet) Pages() []shm.PhysAddr {
	return s.pages
}

// Release returns the pages to the allocator. Only the first call has any effect; later calls
// return InvalidArgumentError.
func (s *PageSet) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return errors.Wrap(memutils.InvalidArgumentError, "page set was already released")
	}

	s.allocator.mutex.Lock()
	defer s.allocator.mutex.Unlock()

	s.allocator.freeAfterLock(s.pages)
	memutils.DebugValidate(s.allocator.pages)
	return nil
}

// Released reports whether Release has been called
func (s *PageSet) Released() bool {
	return s.released.Load()
}
