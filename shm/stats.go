package shm

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shmcore/memutils"
)

// CalculateStatistics fills stats with the current totals across every group's window and every
// segment in the directory
func (m *Manager) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	for _, groupContext := range m.groupSnapshot() {
		groupContext.AddDetailedStatistics(stats)
	}

	for _, segment := range m.directory.snapshot() {
		stats.AddSegment(segment.size, segment.Attachments())
	}
}

// BuildStatsString returns a json document describing the manager's totals. With detailedMap
// set, it also lists every region of every group's window and every segment in the directory.
func (m *Manager) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	m.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	totalObj := objState.Name("Total").Object()
	totalObj.Name("Groups").Int(stats.WindowCount)
	totalObj.Name("WindowBytes").Int(stats.WindowBytes)
	totalObj.Name("RangeCount").Int(stats.RangeCount)
	totalObj.Name("RangeBytes").Int(stats.RangeBytes)
	totalObj.Name("FreeRangeCount").Int(stats.FreeRangeCount)
	totalObj.Name("Segments").Int(stats.SegmentCount)
	totalObj.Name("SegmentBytes").Int(stats.SegmentBytes)
	totalObj.Name("Attachments").Int(stats.AttachmentCount)
	if stats.RangeCount > 0 {
		totalObj.Name("RangeSizeMin").Int(stats.RangeSizeMin)
		totalObj.Name("RangeSizeMax").Int(stats.RangeSizeMax)
	}
	if stats.FreeRangeCount > 0 {
		totalObj.Name("FreeRangeSizeMin").Int(stats.FreeRangeSizeMin)
		totalObj.Name("FreeRangeSizeMax").Int(stats.FreeRangeSizeMax)
	}
	totalObj.End()

	if detailedMap {
		groupsObj := objState.Name("Groups").Object()
		for _, groupContext := range m.groupSnapshot() {
			groupObj := groupsObj.Name(strconv.Itoa(groupContext.groupID)).Object()
			groupContext.printDetailedMap(&groupObj)
			groupObj.End()
		}
		groupsObj.End()

		m.directory.PrintDetailedMap(objState.Name("Segments"))
	}

	objState.End()

	return string(writer.Bytes())
}
