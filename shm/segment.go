package shm

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shmcore/internal/utils"
)

// SegmentID identifies a segment within a Directory
type SegmentID int

// SegmentState is the lifecycle stage of a segment
type SegmentState uint32

const (
	// SegmentLive is a segment that can be attached to
	SegmentLive SegmentState = iota
	// SegmentPendingRemoval is a segment that will be destroyed as soon as its last
	// attachment is detached
	SegmentPendingRemoval
	// SegmentDestroyed is a segment whose backing has been released. It is no longer in the
	// directory.
	SegmentDestroyed
)

var segmentStateMapping = map[SegmentState]string{
	SegmentLive:           "LIVE",
	SegmentPendingRemoval: "PENDING_REMOVAL",
	SegmentDestroyed:      "DESTROYED",
}

func (s SegmentState) String() string {
	return segmentStateMapping[s]
}

// Segment is one shared memory region. Its attachment count and flags are guarded by the
// segment's own mutex; the directory lock only covers its presence in the table.
type Segment struct {
	id      SegmentID
	size    int
	backing Backing

	mutex          utils.OptionalMutex
	attachments    int
	pendingRemoval bool
	destroyed      bool
}

func (s *Segment) ID() SegmentID { return s.id }

// Size returns the size of the segment in bytes, rounded up to the page size
func (s *Segment) Size() int { return s.size }

func (s *Segment) Backing() Backing { return s.backing }

// Attachments returns the number of live attachments to the segment
func (s *Segment) Attachments() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.attachments
}

func (s *Segment) State() SegmentState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.stateAfterLock()
}

func (s *Segment) stateAfterLock() SegmentState {
	switch {
	case s.destroyed:
		return SegmentDestroyed
	case s.pendingRemoval:
		return SegmentPendingRemoval
	default:
		return SegmentLive
	}
}

func (s *Segment) printParameters(json *jwriter.ObjectState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	json.Name("Size").Int(s.size)
	json.Name("Attachments").Int(s.attachments)
	json.Name("State").String(s.stateAfterLock().String())
}
