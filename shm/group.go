package shm

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shmcore/internal/utils"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/memutils/gran"
	"golang.org/x/exp/slog"
)

type attachmentState uint32

const (
	attachmentAttaching attachmentState = iota
	attachmentAttached
	attachmentDetaching
)

var attachmentStateMapping = map[attachmentState]string{
	attachmentAttaching: "ATTACHING",
	attachmentAttached:  "ATTACHED",
	attachmentDetaching: "DETACHING",
}

func (s attachmentState) String() string {
	return attachmentStateMapping[s]
}

// attachment is the user data of a range that maps a segment. The state is only read or
// written under the group lock.
type attachment struct {
	segment SegmentID
	size    int
	state   attachmentState
}

// Attachment describes one segment mapped into a task group
type Attachment struct {
	Address uintptr
	Size    int
	Segment SegmentID
}

// GroupContext is the shared memory state of one task group: a granule allocator over the
// group's shared memory window and the lock that serializes every change to it.
type GroupContext struct {
	groupID int
	logger  *slog.Logger

	mutex     utils.OptionalMutex
	allocator *gran.Allocator
}

// Window returns the first address and the size in bytes of the group's shared memory window
func (g *GroupContext) Window() (uintptr, int) {
	return g.allocator.Base(), g.allocator.Size()
}

func (g *GroupContext) reserve(vaddr uintptr, size int, userData any) (uintptr, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	var err error
	if vaddr == 0 {
		vaddr, err = g.allocator.Alloc(size, userData)
	} else {
		err = g.allocator.Reserve(vaddr, size, userData)
	}
	if err != nil {
		return 0, err
	}
	memutils.DebugValidate(g.allocator)
	return vaddr, nil
}

// release returns a range without checking what it holds
func (g *GroupContext) release(vaddr uintptr, size int) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	err := g.allocator.Free(vaddr, size)
	if err != nil {
		return err
	}
	memutils.DebugValidate(g.allocator)
	return nil
}

// free returns a plain range. Ranges that carry an attachment can only leave through Detach.
func (g *GroupContext) free(vaddr uintptr, size int) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	_, userData, ok := g.allocator.Lookup(vaddr)
	if ok {
		if att, isAttachment := userData.(*attachment); isAttachment {
			return errors.Wrapf(memutils.InvalidArgumentError, "range at %#x maps segment %d and must be detached", vaddr, att.segment)
		}
	}

	err := g.allocator.Free(vaddr, size)
	if err != nil {
		return err
	}
	memutils.DebugValidate(g.allocator)
	return nil
}

// claim moves the attachment at vaddr from attached to detaching, so that only one caller
// can ever tear it down
func (g *GroupContext) claim(vaddr uintptr, id SegmentID) (*attachment, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	_, userData, ok := g.allocator.Lookup(vaddr)
	if !ok {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "no segment is attached at %#x", vaddr)
	}

	att, isAttachment := userData.(*attachment)
	if !isAttachment {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "range at %#x is not a segment attachment", vaddr)
	}

	if att.segment != id {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "range at %#x maps segment %d, not segment %d", vaddr, att.segment, id)
	}

	if att.state != attachmentAttached {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "attachment of segment %d at %#x is %s", id, vaddr, att.state)
	}

	att.state = attachmentDetaching
	return att, nil
}

func (g *GroupContext) unclaim(att *attachment) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	att.state = attachmentAttached
}

func (g *GroupContext) markAttached(att *attachment) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	att.state = attachmentAttached
}

// Attachments lists the segments currently attached to the group, in address order
func (g *GroupContext) Attachments() []Attachment {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	var attachments []Attachment
	_ = g.allocator.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		att, isAttachment := userData.(*attachment)
		if free || !isAttachment || att.state != attachmentAttached {
			return nil
		}

		attachments = append(attachments, Attachment{Address: addr, Size: size, Segment: att.segment})
		return nil
	})

	return attachments
}

func (g *GroupContext) attachmentCounts(counts map[SegmentID]int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	_ = g.allocator.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		if att, isAttachment := userData.(*attachment); isAttachment && !free {
			counts[att.segment]++
		}
		return nil
	})
}

// destroy drops the allocator and every range still in it. It cannot fail: anything left
// behind is logged and discarded.
func (g *GroupContext) destroy() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	_ = g.allocator.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		if free {
			return nil
		}

		if att, isAttachment := userData.(*attachment); isAttachment {
			message := "[UNRELEASED RANGE] leaked segment attachment"
			if att.state != attachmentAttached {
				// an attach or detach was still in flight, so the segment keeps its count
				message = "[UNRELEASED RANGE] leaked segment reference"
			}

			g.logger.LogAttrs(context.Background(), slog.LevelError, message,
				slog.Int("group", g.groupID),
				slog.String("address", fmt.Sprintf("%#x", addr)),
				slog.Int("size", size),
				slog.Int("segment", int(att.segment)),
				slog.String("state", att.state.String()),
			)
			return nil
		}

		g.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED RANGE] unfreed range",
			slog.Int("group", g.groupID),
			slog.String("address", fmt.Sprintf("%#x", addr)),
			slog.Int("size", size),
		)
		return nil
	})

	g.allocator.Clear()
}

func (g *GroupContext) Validate() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	err := g.allocator.Validate()
	if err != nil {
		return errors.Wrapf(err, "group %d", g.groupID)
	}

	return g.allocator.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		att, isAttachment := userData.(*attachment)
		if free || !isAttachment {
			return nil
		}

		if att.size != size {
			return errors.Errorf("group %d: attachment at %#x records %d bytes but holds %d", g.groupID, addr, att.size, size)
		}
		return nil
	})
}

// AddDetailedStatistics sums the group's window usage into stats
func (g *GroupContext) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.allocator.AddDetailedStatistics(stats)
}

func (g *GroupContext) printDetailedMap(json *jwriter.ObjectState) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.allocator.BlockJsonData(json)

	regions := json.Name("Regions").Array()
	defer regions.End()

	_ = g.allocator.VisitAllRegions(func(addr uintptr, size int, userData any, free bool) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Address").String(fmt.Sprintf("%#x", addr))
		obj.Name("Size").Int(size)

		if free {
			obj.Name("Type").String("FREE")
			return nil
		}

		att, isAttachment := userData.(*attachment)
		if !isAttachment {
			obj.Name("Type").String("RANGE")
			return nil
		}

		obj.Name("Type").String("ATTACHMENT")
		obj.Name("Segment").Int(int(att.segment))
		obj.Name("State").String(att.state.String())
		return nil
	})
}
