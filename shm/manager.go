package shm

import (
	"context"
	"io"
	"math/bits"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/shmcore/internal/utils"
	"github.com/vkngwrapper/shmcore/memutils"
	"github.com/vkngwrapper/shmcore/memutils/gran"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

const (
	// ManagerCreateExternallySynchronized ensures that the manager, its directory and every group
	// context created from it will not be synchronized internally. The consumer must guarantee
	// they are used from only one thread at a time.
	ManagerCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	ManagerCreateExternallySynchronized: "ManagerCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var str string
	for flag, name := range createFlagsMapping {
		if f&flag == 0 {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += name
	}
	return str
}

// DefaultPageSize is the page size used when CreateOptions.PageSize is left at zero
const DefaultPageSize int = 4096

// CreateOptions contains the settings used to create a Manager
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags

	// WindowBase is the first virtual address of the shared memory window reserved in every
	// task group's address environment. It must be nonzero and page aligned.
	WindowBase uintptr
	// WindowSize is the size in bytes of the shared memory window. It is truncated to a whole
	// number of pages and must hold at least one.
	WindowSize int
	// PageSize is the size of a page in bytes and must be a power of two. Zero selects
	// DefaultPageSize.
	PageSize int

	// MaxGroups limits how many task groups may hold a shared memory context at the same time.
	// Zero means no limit.
	MaxGroups int

	// Debug routes informational shared memory messages to Info level instead of Debug level
	Debug bool

	// Registerer receives the manager's prometheus collectors. It may be left nil.
	Registerer prometheus.Registerer
}

// Manager owns the segment directory and the shared memory context of every initialized task
// group. It performs attach and detach, and the virtual range allocation they are built on.
type Manager struct {
	useMutex bool
	logger   *slog.Logger
	debug    bool
	metrics  *metrics

	windowBase   uintptr
	windowSize   int
	pageSize     int
	log2PageSize uint
	maxGroups    int

	directory *Directory

	groupsMutex utils.OptionalRWMutex
	groups      *swiss.Map[int, *GroupContext]
}

// New creates a new Manager
//
// logger - Receives the manager's diagnostics. A nil logger discards them.
//
// options - Window layout and behavior of the manager. WindowBase and WindowSize are required.
func New(logger *slog.Logger, options CreateOptions) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	if options.WindowBase == 0 {
		return nil, errors.New("the shared memory window base must be nonzero")
	}

	if !memutils.IsAligned(options.WindowBase, uintptr(pageSize)) {
		return nil, errors.Newf("the shared memory window base %#x is not aligned to the page size %d", options.WindowBase, pageSize)
	}

	if options.WindowSize < pageSize {
		return nil, errors.Newf("the shared memory window size %d is smaller than the page size %d", options.WindowSize, pageSize)
	}

	if options.MaxGroups < 0 {
		return nil, errors.Newf("max groups %d is negative", options.MaxGroups)
	}

	useMutex := options.Flags&ManagerCreateExternallySynchronized == 0
	m := &Manager{
		useMutex: useMutex,
		logger:   logger,
		debug:    options.Debug,
		metrics:  newMetrics(options.Registerer),

		windowBase:   options.WindowBase,
		windowSize:   memutils.AlignDown(options.WindowSize, pageSize),
		pageSize:     pageSize,
		log2PageSize: uint(bits.TrailingZeros(uint(pageSize))),
		maxGroups:    options.MaxGroups,

		groupsMutex: utils.OptionalRWMutex{UseMutex: useMutex},
		groups:      swiss.NewMap[int, *GroupContext](42),
	}
	m.directory = newDirectory(useMutex, logger, m.metrics, pageSize)

	logger.Debug("Manager::New",
		slog.String("Flags", options.Flags.String()),
		slog.Uint64("WindowBase", uint64(m.windowBase)),
		slog.Int("WindowSize", m.windowSize),
		slog.Int("PageSize", pageSize),
	)

	return m, nil
}

// PageSize returns the page size all segments and ranges are rounded to
func (m *Manager) PageSize() int { return m.pageSize }

// Directory returns the segment directory shared by every task group
func (m *Manager) Directory() *Directory { return m.directory }

func (m *Manager) shmInfo(groupID int, msg string, attrs ...slog.Attr) {
	level := slog.LevelDebug
	if m.debug {
		level = slog.LevelInfo
	}

	m.logger.LogAttrs(context.Background(), level, msg, append(attrs, slog.Int("group", groupID))...)
}

func (m *Manager) shmErr(groupID int, msg string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.Int("group", groupID), slog.Any("error", err))
	if m.debug {
		attrs = append(attrs, slog.Int("groups", m.GroupCount()), slog.Int("segments", m.directory.Len()))
	}

	m.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// InitializeGroup creates the shared memory context of a task group. On failure no context is
// installed. ResourceExhaustionError is returned if the group's allocator cannot be created or
// the group limit has been reached, and InvalidArgumentError if the group already has a context.
func (m *Manager) InitializeGroup(group TaskGroup) error {
	m.logger.Debug("Manager::InitializeGroup")

	slot := group.groupShm()
	if slot.context.Load() != nil {
		return errors.Wrapf(memutils.InvalidArgumentError, "group %d already has a shared memory context", group.ID())
	}

	allocator, err := gran.New(m.windowBase, m.windowSize, m.log2PageSize)
	if err != nil {
		m.shmErr(group.ID(), "failed to create the shared memory window allocator", err)
		return errors.Mark(errors.Wrapf(err, "group %d", group.ID()), memutils.ResourceExhaustionError)
	}

	groupContext := &GroupContext{
		groupID:   group.ID(),
		logger:    m.logger,
		mutex:     utils.OptionalMutex{UseMutex: m.useMutex},
		allocator: allocator,
	}

	m.groupsMutex.Lock()
	defer m.groupsMutex.Unlock()

	if m.maxGroups > 0 && m.groups.Count() >= m.maxGroups {
		return errors.Wrapf(memutils.ResourceExhaustionError, "%d task groups already hold a shared memory context", m.groups.Count())
	}

	if _, exists := m.groups.Get(group.ID()); exists {
		return errors.Wrapf(memutils.InvalidArgumentError, "another group with id %d already has a shared memory context", group.ID())
	}

	if !slot.context.CompareAndSwap(nil, groupContext) {
		return errors.Wrapf(memutils.InvalidArgumentError, "group %d already has a shared memory context", group.ID())
	}

	m.groups.Put(group.ID(), groupContext)
	m.metrics.groupsLive.Inc()
	m.shmInfo(group.ID(), "shared memory context initialized",
		slog.Int("windowSize", m.windowSize),
	)

	return nil
}

// ReleaseGroup destroys the shared memory context of a task group, dropping every range still
// in its window. It never fails: leftover ranges are logged and discarded. Releasing a group
// that has no context does nothing.
func (m *Manager) ReleaseGroup(group TaskGroup) {
	m.logger.Debug("Manager::ReleaseGroup")

	groupContext := group.groupShm().context.Swap(nil)
	if groupContext == nil {
		return
	}

	m.groupsMutex.Lock()
	if registered, ok := m.groups.Get(groupContext.groupID); ok && registered == groupContext {
		m.groups.Delete(groupContext.groupID)
	}
	m.groupsMutex.Unlock()

	groupContext.destroy()
	m.metrics.groupsLive.Dec()
	m.shmInfo(groupContext.groupID, "shared memory context released")
}

// ExitGroup is the process exit path: every segment still attached to the group is detached,
// then the group's context is released. No other attach or detach on the group may be running.
// A range caught mid-attach is not detached; it is logged as a leaked segment reference when the
// context is released and its segment keeps the attachment count.
func (m *Manager) ExitGroup(group TaskGroup) {
	m.logger.Debug("Manager::ExitGroup")

	groupContext := group.groupShm().context.Load()
	if groupContext == nil {
		return
	}

	for _, attached := range groupContext.Attachments() {
		err := m.Detach(group, attached.Address, attached.Segment)
		if err != nil {
			m.shmErr(group.ID(), "failed to detach segment during group exit", err,
				slog.Int("segment", int(attached.Segment)),
			)
		}
	}

	m.ReleaseGroup(group)
}

func (m *Manager) contextFor(group TaskGroup) (*GroupContext, error) {
	groupContext := group.groupShm().context.Load()
	if groupContext == nil {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "group %d has no shared memory context", group.ID())
	}
	return groupContext, nil
}

// GroupCount returns the number of task groups that currently hold a shared memory context
func (m *Manager) GroupCount() int {
	m.groupsMutex.RLock()
	defer m.groupsMutex.RUnlock()

	return m.groups.Count()
}

func (m *Manager) groupSnapshot() []*GroupContext {
	m.groupsMutex.RLock()
	defer m.groupsMutex.RUnlock()

	groups := make([]*GroupContext, 0, m.groups.Count())
	m.groups.Iter(func(id int, groupContext *GroupContext) bool {
		groups = append(groups, groupContext)
		return false
	})

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].groupID < groups[j].groupID
	})
	return groups
}

// Alloc reserves a range of size bytes, rounded up to the page size, in the group's window. A
// vaddr of zero places the range at the lowest free address; any other vaddr requests exactly
// that placement. OutOfSpaceError is returned when nothing fits and InvalidAddressError when
// the requested placement is unaligned, outside the window, or overlaps a reserved range.
func (m *Manager) Alloc(group TaskGroup, vaddr uintptr, size int) (uintptr, error) {
	m.logger.Debug("Manager::Alloc")

	groupContext, err := m.contextFor(group)
	if err != nil {
		return 0, err
	}

	addr, err := groupContext.reserve(vaddr, size, nil)
	if err != nil {
		m.shmInfo(group.ID(), "range allocation failed",
			slog.Uint64("vaddr", uint64(vaddr)),
			slog.Int("size", size),
			slog.Any("error", err),
		)
		return 0, err
	}

	return addr, nil
}

// Free returns a range reserved by Alloc. InvalidArgumentError is returned if vaddr and size
// do not describe a currently reserved range, or if the range holds an attached segment.
func (m *Manager) Free(group TaskGroup, vaddr uintptr, size int) error {
	m.logger.Debug("Manager::Free")

	groupContext, err := m.contextFor(group)
	if err != nil {
		return err
	}

	return groupContext.free(vaddr, size)
}

// Validate cross-checks the directory against every group's window: each segment's attachment
// count must equal the number of ranges that map it. The result is only meaningful while no
// attach or detach is in flight.
func (m *Manager) Validate() error {
	err := m.directory.Validate()
	if err != nil {
		return err
	}

	counts := make(map[SegmentID]int)
	for _, groupContext := range m.groupSnapshot() {
		err = groupContext.Validate()
		if err != nil {
			return err
		}
		groupContext.attachmentCounts(counts)
	}

	for _, segment := range m.directory.snapshot() {
		attachments := segment.Attachments()
		if attachments != counts[segment.id] {
			return errors.Errorf("segment %d counts %d attachments, but %d ranges map it", segment.id, attachments, counts[segment.id])
		}
		delete(counts, segment.id)
	}

	for id, count := range counts {
		if count > 0 {
			return errors.Errorf("%d ranges map segment %d, which is not in the directory", count, id)
		}
	}

	return nil
}
