package gran

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shmcore/memutils"
)

// MaxLog2Granule is the largest granule size (as a power of two) accepted by New
const MaxLog2Granule uint = 30

type grant struct {
	granules uint
	userData any
}

// Allocator hands out granule-aligned address ranges from a fixed window. It keeps one bit per
// granule in a granule allocation table and an index of every range by its base address, so
// that a range can only ever be returned exactly as it was carved.
//
// Placement is first-fit: Alloc returns the lowest-addressed run of free granules large enough
// for the request.
//
// Allocator is not safe for concurrent use. Consumers are expected to serialize access, as
// shm.GroupContext does with its own lock.
type Allocator struct {
	base        uintptr
	size        int
	log2Granule uint
	granules    uint

	table     *bitset.BitSet
	grants    *swiss.Map[uintptr, *grant]
	usedCount uint
	destroyed bool
}

// New creates an allocator over the window [base, base+size). size is truncated to a whole
// number of granules; base must be aligned to the granule size and the window must hold at
// least one granule.
func New(base uintptr, size int, log2Granule uint) (*Allocator, error) {
	if log2Granule > MaxLog2Granule {
		return nil, errors.Newf("granule size 2^%d is larger than the maximum 2^%d", log2Granule, MaxLog2Granule)
	}

	granuleSize := uintptr(1) << log2Granule
	if !memutils.IsAligned(base, granuleSize) {
		return nil, errors.Newf("window base %#x is not aligned to the granule size %d", base, granuleSize)
	}

	if size < 0 {
		return nil, errors.Newf("window size %d is negative", size)
	}

	granules := uint(size) >> log2Granule
	if granules == 0 {
		return nil, errors.Newf("window size %d does not hold a single granule of size %d", size, granuleSize)
	}

	if uintptr(granules<<log2Granule) > ^uintptr(0)-base {
		return nil, errors.Newf("window at %#x with size %d overflows the address space", base, size)
	}

	return &Allocator{
		base:        base,
		size:        int(granules << log2Granule),
		log2Granule: log2Granule,
		granules:    granules,
		table:       bitset.New(granules),
		grants:      swiss.NewMap[uintptr, *grant](42),
	}, nil
}

// Base returns the first address of the window
func (a *Allocator) Base() uintptr { return a.base }

// Size returns the size of the window in bytes
func (a *Allocator) Size() int { return a.size }

// GranuleSize returns the size in bytes of the allocation unit
func (a *Allocator) GranuleSize() int { return 1 << a.log2Granule }

// Contains reports whether the range [addr, addr+size) lies entirely within the window
func (a *Allocator) Contains(addr uintptr, size int) bool {
	if addr < a.base || size < 0 {
		return false
	}
	offset := addr - a.base
	return offset <= uintptr(a.size) && uintptr(size) <= uintptr(a.size)-offset
}

func (a *Allocator) granulesFor(size int) uint {
	return uint(memutils.AlignUp(size, a.GranuleSize())) >> a.log2Granule
}

func (a *Allocator) addressOf(index uint) uintptr {
	return a.base + uintptr(index<<a.log2Granule)
}

func (a *Allocator) indexOf(addr uintptr) uint {
	return uint(addr-a.base) >> a.log2Granule
}

func (a *Allocator) checkLive() error {
	if a.destroyed {
		return errors.Wrap(memutils.InvalidArgumentError, "the granule allocator has been destroyed")
	}
	return nil
}

func (a *Allocator) findFirstFit(count uint) (uint, bool) {
	start := uint(0)
	for start < a.granules {
		index, ok := a.table.NextClear(start)
		if !ok || index >= a.granules || a.granules-index < count {
			return 0, false
		}

		end, ok := a.table.NextSet(index)
		if !ok || end > a.granules {
			end = a.granules
		}

		if end-index >= count {
			return index, true
		}

		start = end
	}

	return 0, false
}

func (a *Allocator) commit(index, count uint, userData any) uintptr {
	for i := index; i < index+count; i++ {
		a.table.Set(i)
	}
	a.usedCount += count

	addr := a.addressOf(index)
	a.grants.Put(addr, &grant{granules: count, userData: userData})
	return addr
}

// Alloc reserves the lowest-addressed free range of at least size bytes, rounded up to whole
// granules, and returns its base address. OutOfSpaceError is returned if no run of free granules
// is large enough.
func (a *Allocator) Alloc(size int, userData any) (uintptr, error) {
	err := a.checkLive()
	if err != nil {
		return 0, err
	}

	if size <= 0 {
		return 0, errors.Wrapf(memutils.InvalidArgumentError, "allocation size %d must be positive", size)
	}

	if size > a.size {
		return 0, errors.Wrapf(memutils.OutOfSpaceError, "allocation size %d is larger than the window size %d", size, a.size)
	}

	count := a.granulesFor(size)
	index, found := a.findFirstFit(count)
	if !found {
		return 0, errors.Wrapf(memutils.OutOfSpaceError, "no run of %d free granules", count)
	}

	return a.commit(index, count, userData), nil
}

// Reserve claims exactly the range starting at addr of size bytes, rounded up to whole
// granules. InvalidAddressError is returned if addr is not granule aligned, if the range
// leaves the window, or if any granule in it is already in use.
func (a *Allocator) Reserve(addr uintptr, size int, userData any) error {
	err := a.checkLive()
	if err != nil {
		return err
	}

	if size <= 0 {
		return errors.Wrapf(memutils.InvalidArgumentError, "reservation size %d must be positive", size)
	}

	if !memutils.IsAligned(addr, uintptr(a.GranuleSize())) {
		return errors.Wrapf(memutils.InvalidAddressError, "address %#x is not aligned to the granule size %d", addr, a.GranuleSize())
	}

	roundedSize := memutils.AlignUp(size, a.GranuleSize())
	if !a.Contains(addr, roundedSize) {
		return errors.Wrapf(memutils.InvalidAddressError, "range %#x+%d lies outside the window %#x+%d", addr, roundedSize, a.base, a.size)
	}

	index := a.indexOf(addr)
	count := a.granulesFor(size)
	next, found := a.table.NextSet(index)
	if found && next < index+count {
		return errors.Wrapf(memutils.InvalidAddressError, "range %#x+%d overlaps a reserved range at %#x", addr, roundedSize, a.addressOf(next))
	}

	a.commit(index, count, userData)
	return nil
}

// Free returns the range at addr to the pool. The range must have been carved by Alloc or
// Reserve with the same size (after rounding to granules), otherwise InvalidArgumentError is
// returned and nothing changes.
func (a *Allocator) Free(addr uintptr, size int) error {
	err := a.checkLive()
	if err != nil {
		return err
	}

	g, ok := a.grants.Get(addr)
	if !ok {
		return errors.Wrapf(memutils.InvalidArgumentError, "no range is reserved at %#x", addr)
	}

	if size <= 0 || a.granulesFor(size) != g.granules {
		return errors.Wrapf(memutils.InvalidArgumentError, "range at %#x holds %d bytes, but %d bytes were freed", addr, g.granules<<a.log2Granule, size)
	}

	index := a.indexOf(addr)
	for i := index; i < index+g.granules; i++ {
		a.table.Clear(i)
	}
	a.usedCount -= g.granules
	a.grants.Delete(addr)

	return nil
}

// Lookup retrieves the rounded size and user data of the range that starts at addr
func (a *Allocator) Lookup(addr uintptr) (size int, userData any, ok bool) {
	g, ok := a.grants.Get(addr)
	if !ok {
		return 0, nil, false
	}
	return int(g.granules << a.log2Granule), g.userData, true
}

// SetUserData replaces the user data of the range that starts at addr
func (a *Allocator) SetUserData(addr uintptr, userData any) error {
	g, ok := a.grants.Get(addr)
	if !ok {
		return errors.Wrapf(memutils.InvalidArgumentError, "no range is reserved at %#x", addr)
	}
	g.userData = userData
	return nil
}

// AllocationCount returns the number of ranges currently reserved
func (a *Allocator) AllocationCount() int {
	return a.grants.Count()
}

// SumFreeSize returns the number of free bytes left in the window
func (a *Allocator) SumFreeSize() int {
	return int((a.granules - a.usedCount) << a.log2Granule)
}

// IsEmpty will return true if no ranges are reserved
func (a *Allocator) IsEmpty() bool {
	return a.usedCount == 0
}

// VisitAllRegions calls handleRegion once for each reserved range and each maximal run of free
// granules, in address order. Iteration stops at the first error returned from the callback.
func (a *Allocator) VisitAllRegions(handleRegion func(addr uintptr, size int, userData any, free bool) error) error {
	index := uint(0)
	for index < a.granules {
		if a.table.Test(index) {
			addr := a.addressOf(index)
			g, ok := a.grants.Get(addr)
			if !ok {
				return errors.Newf("granule at %#x is in use but does not begin a reserved range", addr)
			}

			err := handleRegion(addr, int(g.granules<<a.log2Granule), g.userData, false)
			if err != nil {
				return err
			}

			index += g.granules
			continue
		}

		end, ok := a.table.NextSet(index)
		if !ok || end > a.granules {
			end = a.granules
		}

		err := handleRegion(a.addressOf(index), int((end-index)<<a.log2Granule), nil, true)
		if err != nil {
			return err
		}

		index = end
	}

	return nil
}

// Clear instantly frees every range. It is the teardown half of the pool contract: once
// cleared, the allocator rejects all further requests.
func (a *Allocator) Clear() {
	a.table.ClearAll()
	a.grants = swiss.NewMap[uintptr, *grant](42)
	a.usedCount = 0
	a.destroyed = true
}

// Validate performs internal consistency checks on the granule table and range index
func (a *Allocator) Validate() error {
	if a.destroyed {
		if a.usedCount != 0 || a.grants.Count() != 0 {
			return errors.New("a destroyed allocator still holds ranges")
		}
		return nil
	}

	if a.table.Count() != a.usedCount {
		return errors.Errorf("the granule table has %d granules in use, but the allocator counted %d", a.table.Count(), a.usedCount)
	}

	var rangeGranules uint
	var err error
	a.grants.Iter(func(addr uintptr, g *grant) bool {
		if !a.Contains(addr, int(g.granules<<a.log2Granule)) {
			err = errors.Errorf("range at %#x with %d granules lies outside the window", addr, g.granules)
			return true
		}

		index := a.indexOf(addr)
		for i := index; i < index+g.granules; i++ {
			if !a.table.Test(i) {
				err = errors.Errorf("range at %#x includes granule %d, which is marked free", addr, i)
				return true
			}
		}

		rangeGranules += g.granules
		return false
	})
	if err != nil {
		return err
	}

	if rangeGranules != a.usedCount {
		return errors.Errorf("the reserved ranges add up to %d granules, but %d granules are in use", rangeGranules, a.usedCount)
	}

	return nil
}

// AddStatistics sums this window's reservation statistics into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.AddWindow(a.size)
	stats.RangeCount += a.AllocationCount()
	stats.RangeBytes += a.size - a.SumFreeSize()
}

// AddDetailedStatistics sums this window's reservation statistics, including the size spread
// of reserved and free ranges, into stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddWindow(a.size)

	_ = a.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddRange(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with summary information about this window
func (a *Allocator) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	json.Name("Base").String(fmt.Sprintf("%#x", a.base))
	json.Name("TotalBytes").Int(a.size)
	json.Name("GranuleBytes").Int(a.GranuleSize())
	json.Name("UnusedBytes").Int(a.SumFreeSize())
	json.Name("Allocations").Int(stats.RangeCount)
	json.Name("UnusedRanges").Int(stats.FreeRangeCount)
}
