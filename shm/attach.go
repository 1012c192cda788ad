package shm

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/shmcore/memutils"
	"golang.org/x/exp/slog"
)

// CreateSegment adds a new segment of size bytes to the directory, backed by backing
func (m *Manager) CreateSegment(size int, backing Backing) (*Segment, error) {
	m.logger.Debug("Manager::CreateSegment")

	return m.directory.Create(size, backing)
}

// RemoveSegment marks a segment for removal. A segment with no attachments is destroyed and
// its backing released right away; otherwise that happens when its last attachment is detached.
func (m *Manager) RemoveSegment(id SegmentID) error {
	m.logger.Debug("Manager::RemoveSegment")

	segment, err := m.directory.Lookup(id)
	if err != nil {
		return err
	}

	destroy, err := m.directory.MarkForRemoval(id)
	if err != nil {
		return err
	}

	if destroy {
		m.destroySegment(segment)
	}

	return nil
}

// Attach maps a segment into the group's window and returns the address it was mapped at. A
// vaddr of zero places the segment at the lowest free address that fits it. On failure the
// segment's attachment count, the group's window and its address environment are left as
// they were.
func (m *Manager) Attach(group TaskGroup, id SegmentID, vaddr uintptr) (uintptr, error) {
	m.logger.Debug("Manager::Attach")

	addr, err := m.attach(group, id, vaddr)
	if err != nil {
		m.metrics.attachFailures.WithLabelValues(failureReason(err)).Inc()
		m.shmInfo(group.ID(), "attach failed",
			slog.Int("segment", int(id)),
			slog.Any("error", err),
		)
		return 0, err
	}

	m.metrics.attaches.Inc()
	return addr, nil
}

func (m *Manager) attach(group TaskGroup, id SegmentID, vaddr uintptr) (uintptr, error) {
	groupContext, err := m.contextFor(group)
	if err != nil {
		return 0, err
	}

	env := group.AddressEnvironment()
	if env == nil {
		return 0, errors.Wrapf(memutils.InvalidArgumentError, "group %d has no address environment", group.ID())
	}

	segment, err := m.directory.Lookup(id)
	if err != nil {
		return 0, err
	}

	count, err := m.directory.IncrementAttachment(id)
	if err != nil {
		return 0, err
	}

	att := &attachment{
		segment: id,
		size:    segment.size,
		state:   attachmentAttaching,
	}

	base, err := groupContext.reserve(vaddr, segment.size, att)
	if err != nil {
		m.dropReference(group.ID(), segment)
		return 0, err
	}

	pages := segment.backing.Pages()
	pageCount := segment.size / m.pageSize
	for i := 0; i < pageCount; i++ {
		pageAddr := base + uintptr(i*m.pageSize)

		err = env.MapPage(pages[i], pageAddr)
		if err != nil {
			m.unmapPages(group.ID(), env, base, i)

			releaseErr := groupContext.release(base, segment.size)
			if releaseErr != nil {
				m.shmErr(group.ID(), "failed to release range after a failed attach", releaseErr,
					slog.String("address", fmt.Sprintf("%#x", base)),
				)
			}

			m.dropReference(group.ID(), segment)
			return 0, errors.Mark(
				errors.Wrapf(err, "mapping page %d of segment %d at %#x", i, id, pageAddr),
				memutils.MapFailedError,
			)
		}
	}

	groupContext.markAttached(att)
	m.metrics.attachPages.Observe(float64(pageCount))
	m.shmInfo(group.ID(), "segment attached",
		slog.Int("segment", int(id)),
		slog.String("address", fmt.Sprintf("%#x", base)),
		slog.Int("attachments", count),
	)

	return base, nil
}

// Detach unmaps the segment attached at vaddr from the group and returns its range to the
// window. If this was the last attachment of a segment pending removal, the segment is
// destroyed and its backing released. InvalidArgumentError is returned if vaddr does not hold
// an attachment of segment id, which includes an attachment that was already detached.
func (m *Manager) Detach(group TaskGroup, vaddr uintptr, id SegmentID) error {
	m.logger.Debug("Manager::Detach")

	groupContext, err := m.contextFor(group)
	if err != nil {
		return err
	}

	att, err := groupContext.claim(vaddr, id)
	if err != nil {
		return err
	}

	segment, err := m.directory.Lookup(id)
	if err != nil {
		groupContext.unclaim(att)
		return err
	}

	env := group.AddressEnvironment()
	if env != nil {
		m.unmapPages(group.ID(), env, vaddr, att.size/m.pageSize)
	}

	err = groupContext.release(vaddr, att.size)
	if err != nil {
		m.shmErr(group.ID(), "failed to release the range of a detached segment", err,
			slog.String("address", fmt.Sprintf("%#x", vaddr)),
			slog.Int("segment", int(id)),
		)
	}

	count, destroy, err := m.directory.DecrementAndMaybeRemove(id)
	if err != nil {
		return err
	}

	m.metrics.detaches.Inc()
	m.shmInfo(group.ID(), "segment detached",
		slog.Int("segment", int(id)),
		slog.String("address", fmt.Sprintf("%#x", vaddr)),
		slog.Int("attachments", count),
	)

	if destroy {
		m.destroySegment(segment, slog.Int("group", group.ID()))
	}

	return nil
}

func (m *Manager) unmapPages(groupID int, env AddressEnvironment, base uintptr, pageCount int) {
	for i := 0; i < pageCount; i++ {
		pageAddr := base + uintptr(i*m.pageSize)

		err := env.UnmapPage(pageAddr)
		if err != nil {
			m.shmErr(groupID, "failed to unmap segment page", err,
				slog.String("address", fmt.Sprintf("%#x", pageAddr)),
			)
		}
	}
}

// dropReference undoes an attachment count taken by a failed attach
func (m *Manager) dropReference(groupID int, segment *Segment) {
	_, destroy, err := m.directory.DecrementAndMaybeRemove(segment.id)
	if err != nil {
		m.shmErr(groupID, "failed to roll back an attachment count", err, slog.Int("segment", int(segment.id)))
		return
	}

	if destroy {
		m.destroySegment(segment, slog.Int("group", groupID))
	}
}

func (m *Manager) destroySegment(segment *Segment, attrs ...slog.Attr) {
	err := segment.backing.Release()
	if err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release segment backing",
			append(attrs, slog.Int("segment", int(segment.id)), slog.Any("error", err))...,
		)
	}

	m.metrics.segmentsDestroyed.Inc()
	m.logger.Debug("Manager::destroySegment", slog.Int("segment", int(segment.id)), slog.Int("size", segment.size))
}
