package shm

import (
	"context"
	"golang.org/x/exp/slog"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shmcore/internal/utils"
	"github.com/vkngwrapper/shmcore/memutils"
)

// Directory is the kernel-wide table of segments. Insertion and removal happen under the
// directory lock; attachment counts and removal flags are mutated under each segment's own
// lock. A segment is flagged destroyed under its own lock before it leaves the table, so an
// attach that found the segment in the table but locks it after the final detach observes
// the flag and fails with NotFoundError.
type Directory struct {
	useMutex bool
	logger   *slog.Logger
	metrics  *metrics
	pageSize int

	mutex    utils.OptionalRWMutex
	nextID   SegmentID
	segments *swiss.Map[SegmentID, *Segment]
}

func newDirectory(useMutex bool, logger *slog.Logger, metrics *metrics, pageSize int) *Directory {
	return &Directory{
		useMutex: useMutex,
		logger:   logger,
		metrics:  metrics,
		pageSize: pageSize,
		mutex:    utils.OptionalRWMutex{UseMutex: useMutex},
		segments: swiss.NewMap[SegmentID, *Segment](42),
	}
}

// Create adds a new live segment of size bytes, rounded up to the page size, backed by
// backing. It stands in for the segment creation path of the shared memory call layer.
func (d *Directory) Create(size int, backing Backing) (*Segment, error) {
	if size <= 0 {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "segment size %d must be positive", size)
	}
	if backing == nil {
		return nil, errors.Wrap(memutils.InvalidArgumentError, "segment backing must not be nil")
	}

	size = memutils.AlignUp(size, d.pageSize)
	pageCount := len(backing.Pages())
	if pageCount*d.pageSize < size {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "segment of %d bytes needs %d pages, but its backing only has %d", size, size/d.pageSize, pageCount)
	}

	segment := &Segment{
		size:    size,
		backing: backing,
		mutex:   utils.OptionalMutex{UseMutex: d.useMutex},
	}

	d.mutex.Lock()
	segment.id = d.nextID
	d.nextID++
	d.segments.Put(segment.id, segment)
	d.mutex.Unlock()

	d.metrics.segmentsLive.Inc()
	d.logger.Debug("Directory::Create", slog.Int("segment", int(segment.id)), slog.Int("size", size))
	return segment, nil
}

func (d *Directory) get(id SegmentID) (*Segment, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	segment, ok := d.segments.Get(id)
	if !ok {
		return nil, errors.Wrapf(memutils.NotFoundError, "segment %d", id)
	}
	return segment, nil
}

// Lookup returns the segment with the provided id, or NotFoundError if it has been destroyed
func (d *Directory) Lookup(id SegmentID) (*Segment, error) {
	segment, err := d.get(id)
	if err != nil {
		return nil, err
	}

	segment.mutex.Lock()
	defer segment.mutex.Unlock()

	if segment.destroyed {
		return nil, errors.Wrapf(memutils.NotFoundError, "segment %d", id)
	}
	return segment, nil
}

// IncrementAttachment adds one attachment to the segment and returns the new count. It fails
// with NotFoundError if the segment no longer exists.
func (d *Directory) IncrementAttachment(id SegmentID) (int, error) {
	segment, err := d.get(id)
	if err != nil {
		return 0, err
	}

	segment.mutex.Lock()
	defer segment.mutex.Unlock()

	if segment.destroyed {
		return 0, errors.Wrapf(memutils.NotFoundError, "segment %d", id)
	}

	segment.attachments++
	return segment.attachments, nil
}

// DecrementAndMaybeRemove drops one attachment from the segment. If the count reaches zero
// while the segment is pending removal, the segment is removed from the directory and
// destroy is true: the caller is then the only one responsible for releasing its backing.
func (d *Directory) DecrementAndMaybeRemove(id SegmentID) (count int, destroy bool, err error) {
	segment, err := d.get(id)
	if err != nil {
		return 0, false, err
	}

	segment.mutex.Lock()
	if segment.destroyed {
		segment.mutex.Unlock()
		return 0, false, errors.Wrapf(memutils.NotFoundError, "segment %d", id)
	}
	if segment.attachments <= 0 {
		segment.mutex.Unlock()
		return 0, false, errors.Wrapf(memutils.InvalidArgumentError, "segment %d has no attachments to drop", id)
	}

	segment.attachments--
	count = segment.attachments
	if count == 0 && segment.pendingRemoval {
		segment.destroyed = true
		destroy = true
	}
	segment.mutex.Unlock()

	if destroy {
		d.remove(segment)
	}

	return count, destroy, nil
}

// MarkForRemoval moves the segment to the pending removal state. A segment with no
// attachments is removed immediately and destroy is true; otherwise it is removed by the
// detach that drops its last attachment. Marking a segment twice has no further effect.
func (d *Directory) MarkForRemoval(id SegmentID) (destroy bool, err error) {
	segment, err := d.get(id)
	if err != nil {
		return false, err
	}

	segment.mutex.Lock()
	if segment.destroyed {
		segment.mutex.Unlock()
		return false, errors.Wrapf(memutils.NotFoundError, "segment %d", id)
	}

	segment.pendingRemoval = true
	if segment.attachments == 0 {
		segment.destroyed = true
		destroy = true
	}
	segment.mutex.Unlock()

	if destroy {
		d.remove(segment)
	}

	return destroy, nil
}

func (d *Directory) remove(segment *Segment) {
	d.mutex.Lock()
	d.segments.Delete(segment.id)
	d.mutex.Unlock()

	d.metrics.segmentsLive.Dec()
	d.logger.Debug("Directory::remove", slog.Int("segment", int(segment.id)))
}

// Len returns the number of segments in the directory
func (d *Directory) Len() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.segments.Count()
}

func (d *Directory) snapshot() []*Segment {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	segments := make([]*Segment, 0, d.segments.Count())
	d.segments.Iter(func(id SegmentID, segment *Segment) bool {
		segments = append(segments, segment)
		return false
	})

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].id < segments[j].id
	})
	return segments
}

// Validate checks that every segment in the directory is live or pending removal, has a
// page-aligned size and a non-negative attachment count
func (d *Directory) Validate() error {
	for _, segment := range d.snapshot() {
		err := d.validateSegment(segment)
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *Directory) validateSegment(segment *Segment) error {
	segment.mutex.Lock()
	defer segment.mutex.Unlock()

	if segment.attachments < 0 {
		return errors.Errorf("segment %d has a negative attachment count %d", segment.id, segment.attachments)
	}
	if segment.destroyed {
		// A destroyed segment may only be seen here in the window between the destroying
		// decrement and its removal from the table
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, "validated a segment mid-removal", slog.Int("segment", int(segment.id)))
		return nil
	}
	if segment.pendingRemoval && segment.attachments == 0 {
		return errors.Errorf("segment %d is pending removal with no attachments, but was not destroyed", segment.id)
	}
	if !memutils.IsAligned(segment.size, d.pageSize) {
		return errors.Errorf("segment %d has size %d, which is not a multiple of the page size %d", segment.id, segment.size, d.pageSize)
	}

	return nil
}

// PrintDetailedMap writes a json object with one entry per segment
func (d *Directory) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	for _, segment := range d.snapshot() {
		segmentObj := objState.Name(strconv.Itoa(int(segment.id))).Object()
		segment.printParameters(&segmentObj)
		segmentObj.End()
	}
}
