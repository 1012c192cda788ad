package shm_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/shmcore/addrenv"
	"github.com/vkngwrapper/shmcore/shm"
	mock_shm "github.com/vkngwrapper/shmcore/shm/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	testWindowBase uintptr = 0x40000000
	testPage       int     = 4096
	testPhysBase   uintptr = 0x100000
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}

func newTestManager(t *testing.T, windowSize int) *shm.Manager {
	manager, err := shm.New(testLogger(), shm.CreateOptions{
		WindowBase: testWindowBase,
		WindowSize: windowSize,
		PageSize:   testPage,
	})
	require.NoError(t, err)
	return manager
}

func newTestGroup(t *testing.T, manager *shm.Manager, id int) *addrenv.Group {
	group, err := addrenv.NewGroup(id, testPage, true)
	require.NoError(t, err)
	require.NoError(t, manager.InitializeGroup(group))
	return group
}

func testPages(first int, count int) []shm.PhysAddr {
	pages := make([]shm.PhysAddr, count)
	for i := range pages {
		pages[i] = shm.PhysAddr(testPhysBase + uintptr((first+i)*testPage))
	}
	return pages
}

// mockGroup is a task group whose address environment is a gomock double
type mockGroup struct {
	shm.GroupShm

	id  int
	env *mock_shm.MockAddressEnvironment
}

func (g *mockGroup) ID() int { return g.id }

func (g *mockGroup) AddressEnvironment() shm.AddressEnvironment { return g.env }

func newMockGroup(t *testing.T, ctrl *gomock.Controller, manager *shm.Manager, id int) *mockGroup {
	group := &mockGroup{id: id, env: mock_shm.NewMockAddressEnvironment(ctrl)}
	require.NoError(t, manager.InitializeGroup(group))
	return group
}

func newMockBacking(ctrl *gomock.Controller, pages []shm.PhysAddr) *mock_shm.MockBacking {
	backing := mock_shm.NewMockBacking(ctrl)
	backing.EXPECT().Pages().AnyTimes().Return(pages)
	return backing
}
