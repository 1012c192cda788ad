package memutils

import "math"

// Statistics accounts for address windows, the ranges reserved inside them, and the shared
// segments those ranges map
type Statistics struct {
	WindowCount int
	WindowBytes int
	RangeCount  int
	RangeBytes  int

	SegmentCount    int
	SegmentBytes    int
	AttachmentCount int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddWindow counts one address window of size bytes
func (s *Statistics) AddWindow(size int) {
	s.WindowCount++
	s.WindowBytes += size
}

// AddRange counts one reserved range of size bytes
func (s *Statistics) AddRange(size int) {
	s.RangeCount++
	s.RangeBytes += size
}

// AddSegment counts one segment of size bytes that is attached attachments times
func (s *Statistics) AddSegment(size int, attachments int) {
	s.SegmentCount++
	s.SegmentBytes += size
	s.AttachmentCount += attachments
}

// FreeBytes is the window space not covered by a reserved range
func (s *Statistics) FreeBytes() int {
	return s.WindowBytes - s.RangeBytes
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.WindowCount += other.WindowCount
	s.WindowBytes += other.WindowBytes
	s.RangeCount += other.RangeCount
	s.RangeBytes += other.RangeBytes
	s.SegmentCount += other.SegmentCount
	s.SegmentBytes += other.SegmentBytes
	s.AttachmentCount += other.AttachmentCount
}

// DetailedStatistics extends Statistics with the size spread of reserved and free ranges.
// Call Clear before accumulating into a zero value so the minimums start out correct.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	RangeSizeMin     int
	RangeSizeMax     int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.RangeSizeMin = math.MaxInt
	s.RangeSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeRangeSizeMin = min(s.FreeRangeSizeMin, size)
	s.FreeRangeSizeMax = max(s.FreeRangeSizeMax, size)
}

func (s *DetailedStatistics) AddRange(size int) {
	s.Statistics.AddRange(size)
	s.RangeSizeMin = min(s.RangeSizeMin, size)
	s.RangeSizeMax = max(s.RangeSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.FreeRangeSizeMin = min(s.FreeRangeSizeMin, other.FreeRangeSizeMin)
	s.FreeRangeSizeMax = max(s.FreeRangeSizeMax, other.FreeRangeSizeMax)
	s.RangeSizeMin = min(s.RangeSizeMin, other.RangeSizeMin)
	s.RangeSizeMax = max(s.RangeSizeMax, other.RangeSizeMax)
}
