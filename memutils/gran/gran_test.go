package gran_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/memutils/gran"
)

const (
	testBase     uintptr = 0x40000000
	testLog2Page uint    = 12
	testPage     int     = 1 << testLog2Page
)

func newTestAllocator(t *testing.T, size int) *gran.Allocator {
	a, err := gran.New(testBase, size, testLog2Page)
	require.NoError(t, err)
	return a
}

func TestGranNew_Invalid(t *testing.T) {
	_, err := gran.New(testBase+1, 64*1024, testLog2Page)
	require.Error(t, err)

	_, err = gran.New(testBase, 100, testLog2Page)
	require.Error(t, err)

	_, err = gran.New(testBase, -4096, testLog2Page)
	require.Error(t, err)

	_, err = gran.New(testBase, 64*1024, gran.MaxLog2Granule+1)
	require.Error(t, err)
}

func TestGranNew_TruncatesToGranules(t *testing.T) {
	a := newTestAllocator(t, 3*testPage+100)
	require.Equal(t, 3*testPage, a.Size())
	require.Equal(t, testPage, a.GranuleSize())
	require.Equal(t, testBase, a.Base())
	require.True(t, a.IsEmpty())
}

func TestGranBasicAlloc(t *testing.T) {
	a := newTestAllocator(t, 64*1024)

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			WindowCount: 1,
			WindowBytes: 64 * 1024,
			RangeCount:  0,
			RangeBytes:  0,
		},
		FreeRangeCount:   1,
		RangeSizeMin:     math.MaxInt,
		RangeSizeMax:     0,
		FreeRangeSizeMin: 64 * 1024,
		FreeRangeSizeMax: 64 * 1024,
	}, stats)

	addr, err := a.Alloc(100, "first")
	require.NoError(t, err)
	require.Equal(t, testBase, addr)

	size, userData, ok := a.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, testPage, size)
	require.Equal(t, "first", userData)

	stats.Clear()
	a.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			WindowCount: 1,
			WindowBytes: 64 * 1024,
			RangeCount:  1,
			RangeBytes:  testPage,
		},
		FreeRangeCount:   1,
		RangeSizeMin:     testPage,
		RangeSizeMax:     testPage,
		FreeRangeSizeMin: 60 * 1024,
		FreeRangeSizeMax: 60 * 1024,
	}, stats)

	require.NoError(t, a.Free(addr, 100))
	require.NoError(t, a.Validate())
	require.True(t, a.IsEmpty())
	require.Equal(t, 64*1024, a.SumFreeSize())
}

func TestGranRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 64*1024)

	addr, err := a.Alloc(4096, nil)
	require.NoError(t, err)

	require.NoError(t, a.Free(addr, 4096))

	again, err := a.Alloc(4096, nil)
	require.NoError(t, err)
	require.Equal(t, addr, again)

	require.NoError(t, a.Free(again, 4096))
	require.NoError(t, a.Reserve(addr, 4096, nil))
	found, _, ok := a.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, 4096, found)
}

func TestGranFirstFit(t *testing.T) {
	a := newTestAllocator(t, 16*testPage)

	first, err := a.Alloc(2*testPage, nil)
	require.NoError(t, err)
	second, err := a.Alloc(testPage, nil)
	require.NoError(t, err)
	third, err := a.Alloc(3*testPage, nil)
	require.NoError(t, err)

	require.Equal(t, testBase, first)
	require.Equal(t, testBase+uintptr(2*testPage), second)
	require.Equal(t, testBase+uintptr(3*testPage), third)

	// A hole of two pages at the bottom is too small for three pages, but fits one
	require.NoError(t, a.Free(first, 2*testPage))

	big, err := a.Alloc(3*testPage, nil)
	require.NoError(t, err)
	require.Equal(t, testBase+uintptr(6*testPage), big)

	small, err := a.Alloc(testPage, nil)
	require.NoError(t, err)
	require.Equal(t, testBase, small)

	require.NoError(t, a.Validate())
}

func TestGranOutOfSpace(t *testing.T) {
	a := newTestAllocator(t, 4*testPage)

	_, err := a.Alloc(5*testPage, nil)
	require.True(t, errors.Is(err, memutils.OutOfSpaceError))

	_, err = a.Alloc(2*testPage, nil)
	require.NoError(t, err)
	mid, err := a.Alloc(testPage, nil)
	require.NoError(t, err)
	_, err = a.Alloc(testPage, nil)
	require.NoError(t, err)

	_, err = a.Alloc(1, nil)
	require.True(t, errors.Is(err, memutils.OutOfSpaceError))

	require.NoError(t, a.Free(mid, testPage))
	_, err = a.Alloc(2*testPage, nil)
	require.True(t, errors.Is(err, memutils.OutOfSpaceError))
}

func TestGranReserve_InvalidAddress(t *testing.T) {
	a := newTestAllocator(t, 16*testPage)

	err := a.Reserve(testBase+1, testPage, nil)
	require.True(t, errors.Is(err, memutils.InvalidAddressError))

	err = a.Reserve(testBase-uintptr(testPage), testPage, nil)
	require.True(t, errors.Is(err, memutils.InvalidAddressError))

	err = a.Reserve(testBase+uintptr(15*testPage), 2*testPage, nil)
	require.True(t, errors.Is(err, memutils.InvalidAddressError))

	require.NoError(t, a.Reserve(testBase+uintptr(4*testPage), 2*testPage, nil))

	err = a.Reserve(testBase+uintptr(3*testPage), 2*testPage, nil)
	require.True(t, errors.Is(err, memutils.InvalidAddressError))

	err = a.Reserve(testBase+uintptr(5*testPage), testPage, nil)
	require.True(t, errors.Is(err, memutils.InvalidAddressError))

	require.NoError(t, a.Reserve(testBase+uintptr(6*testPage), testPage, nil))
	require.NoError(t, a.Reserve(testBase+uintptr(3*testPage), testPage, nil))
	require.Equal(t, 3, a.AllocationCount())
}

func TestGranFree_Mismatch(t *testing.T) {
	a := newTestAllocator(t, 16*testPage)

	addr, err := a.Alloc(2*testPage, nil)
	require.NoError(t, err)

	err = a.Free(addr+uintptr(testPage), testPage)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	err = a.Free(addr, testPage)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	err = a.Free(addr, 3*testPage)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	require.NoError(t, a.Free(addr, 2*testPage-1))

	err = a.Free(addr, 2*testPage)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))
}

func TestGranVisitAllRegions(t *testing.T) {
	a := newTestAllocator(t, 8*testPage)

	require.NoError(t, a.Reserve(testBase+uintptr(2*testPage), testPage, "a"))
	require.NoError(t, a.Reserve(testBase+uintptr(3*testPage), 2*testPage, "b"))

	type region struct {
		addr     uintptr
		size     int
		userData any
		free     bool
	}

	var regions []region
	err := a.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		regions = append(regions, region{addr, size, userData, free})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []region{
		{testBase, 2 * testPage, nil, true},
		{testBase + uintptr(2*testPage), testPage, "a", false},
		{testBase + uintptr(3*testPage), 2 * testPage, "b", false},
		{testBase + uintptr(5*testPage), 3 * testPage, nil, true},
	}, regions)
}

func TestGranClear(t *testing.T) {
	a := newTestAllocator(t, 8*testPage)

	_, err := a.Alloc(testPage, nil)
	require.NoError(t, err)

	a.Clear()
	require.True(t, a.IsEmpty())
	require.Equal(t, 0, a.AllocationCount())
	require.NoError(t, a.Validate())

	_, err = a.Alloc(testPage, nil)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))
}

func TestGranSetUserData(t *testing.T) {
	a := newTestAllocator(t, 8*testPage)

	addr, err := a.Alloc(testPage, 1)
	require.NoError(t, err)
	require.NoError(t, a.SetUserData(addr, 2))

	_, userData, ok := a.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, 2, userData)

	err = a.SetUserData(addr+uintptr(testPage), 3)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))
}

func TestGranBlockJsonData(t *testing.T) {
	a := newTestAllocator(t, 8*testPage)
	_, err := a.Alloc(testPage, nil)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	a.BlockJsonData(&obj)
	regions := obj.Name("Regions").Array()
	regions.End()
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"Base": "0x40000000",
		"TotalBytes": 32768,
		"GranuleBytes": 4096,
		"UnusedBytes": 28672,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Regions": []
	}`, string(writer.Bytes()))
}

func TestGranRandomNoOverlap(t *testing.T) {
	a := newTestAllocator(t, 256*testPage)
	rng := rand.New(rand.NewSource(7))

	live := map[uintptr]int{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for addr, size := range live {
				require.NoError(t, a.Free(addr, size))
				delete(live, addr)
				break
			}
			continue
		}

		size := (rng.Intn(8) + 1) * testPage
		addr, err := a.Alloc(size, nil)
		if errors.Is(err, memutils.OutOfSpaceError) {
			continue
		}
		require.NoError(t, err)

		for otherAddr, otherSize := range live {
			overlap := addr < otherAddr+uintptr(otherSize) && otherAddr < addr+uintptr(size)
			require.False(t, overlap, "range %#x+%d overlaps %#x+%d", addr, size, otherAddr, otherSize)
		}
		live[addr] = size
	}

	require.NoError(t, a.Validate())
	require.Equal(t, len(live), a.AllocationCount())
}
