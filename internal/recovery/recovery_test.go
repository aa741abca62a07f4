package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	closes       int
	reopens      int
	fullRescans  int
	reopenErr    error
	probeErr     error
}

func (d *fakeDevice) Close() error { d.closes++; return nil }

func (d *fakeDevice) Reopen(fullRescan bool) error {
	d.reopens++
	if fullRescan {
		d.fullRescans++
	}
	return d.reopenErr
}

func (d *fakeDevice) Probe() error { return d.probeErr }

func TestRunSucceedsFirstTry(t *testing.T) {
	dev := &fakeDevice{}
	calls := 0
	err := Run(context.Background(), dev, time.Second, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, dev.closes)
}

func TestRunRecoversAtStateZero(t *testing.T) {
	dev := &fakeDevice{}
	calls := 0
	err := Run(context.Background(), dev, time.Second, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("stall")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, dev.closes)
	require.Equal(t, 0, dev.fullRescans)
}

func TestRunEscalatesToFullRescan(t *testing.T) {
	dev := &fakeDevice{}
	calls := 0
	err := Run(context.Background(), dev, time.Second, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("stall")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 1, dev.fullRescans)
}

func TestRunGivesUpAfterTwoResets(t *testing.T) {
	dev := &fakeDevice{}
	calls := 0
	err := Run(context.Background(), dev, time.Second, func(ctx context.Context) error {
		calls++
		return errors.New("still stalled")
	})
	require.ErrorIs(t, err, ErrGaveUp)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, dev.closes)
}

func TestRunStopsIfReopenFails(t *testing.T) {
	dev := &fakeDevice{reopenErr: errors.New("usb gone")}
	err := Run(context.Background(), dev, time.Second, func(ctx context.Context) error {
		return errors.New("stall")
	})
	require.Error(t, err)
	require.Equal(t, 1, dev.reopens)
}
