package protect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/api/clients"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestCoordinatorNesting(t *testing.T) {
	c := &Coordinator{}
	assert.False(t, c.Blocking())
	c.EnterBlocking()
	c.EnterBlocking()
	c.ExitBlocking()
	assert.True(t, c.Blocking())
	c.ExitBlocking()
	assert.False(t, c.Blocking())
	c.ExitBlocking()
	assert.False(t, c.Blocking())
	c.EnterBlocking()
	assert.True(t, c.Blocking())
}

func TestPollerFiresOnce(t *testing.T) {
	client := &clients.MockAdminClient{}
	client.On("Protect", mock.Anything).Return(true, nil)

	var fired atomic.Int32
	p := &Poller{
		Checker:     client,
		Coordinator: &Coordinator{},
		Interval:    2 * time.Millisecond,
		OnProtect:   func() { fired.Inc() },
		Log:         common.DiscardLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, p.Fired, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), fired.Load())
}

func TestPollerPausedWhileBlocking(t *testing.T) {
	client := &clients.MockAdminClient{}
	client.On("Protect", mock.Anything).Return(true, nil)

	coord := &Coordinator{}
	coord.EnterBlocking()
	p := &Poller{Checker: client, Coordinator: coord, Log: common.DiscardLogger()}

	for i := 0; i < 5; i++ {
		require.NoError(t, p.iteration(context.Background()))
	}
	assert.False(t, p.Fired())
	client.AssertNotCalled(t, "Protect", mock.Anything)

	coord.ExitBlocking()
	require.NoError(t, p.iteration(context.Background()))
	assert.True(t, p.Fired())
}

func TestPollerSurvivesErrorsAndPanics(t *testing.T) {
	calls := 0
	p := &Poller{
		Checker: checkerFunc(func(context.Context) (bool, error) {
			calls++
			switch calls {
			case 1:
				return false, errors.New("connection refused")
			case 2:
				panic("decoder bug")
			default:
				return false, nil
			}
		}),
		Log: common.DiscardLogger(),
	}

	assert.Error(t, p.iteration(context.Background()))
	assert.Error(t, p.iteration(context.Background()))
	assert.NoError(t, p.iteration(context.Background()))
	assert.False(t, p.Fired())
}

type checkerFunc func(context.Context) (bool, error)

func (f checkerFunc) Protect(ctx context.Context) (bool, error) { return f(ctx) }
