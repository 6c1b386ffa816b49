package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerSchedulerFires(t *testing.T) {
	s := NewTimerScheduler(zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })

	fired := make(chan int64, 1)
	require.NoError(t, s.Start(context.Background(), func(_ context.Context, id int64) ReleaseOutcome {
		fired <- id
		return ReleaseDeleted
	}))
	require.NoError(t, s.ScheduleRelease(context.Background(), 7, 10*time.Millisecond))

	select {
	case id := <-fired:
		assert.Equal(t, int64(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("release never fired")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerSchedulerClose(t *testing.T) {
	s := NewTimerScheduler(zerolog.Nop())
	fired := make(chan int64, 1)
	require.NoError(t, s.Start(context.Background(), func(_ context.Context, id int64) ReleaseOutcome {
		fired <- id
		return ReleaseDeleted
	}))
	require.NoError(t, s.ScheduleRelease(context.Background(), 1, 50*time.Millisecond))
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Pending())
	require.ErrorIs(t, s.ScheduleRelease(context.Background(), 2, time.Millisecond), errSchedulerClosed)

	select {
	case id := <-fired:
		t.Fatalf("release %d fired after close", id)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTimerSchedulerStopsWithContext(t *testing.T) {
	s := NewTimerScheduler(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, func(context.Context, int64) ReleaseOutcome { return ReleaseDeleted }))
	cancel()

	assert.Eventually(t, func() bool {
		return s.ScheduleRelease(context.Background(), 1, time.Hour) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestReservationExpiresEndToEnd(t *testing.T) {
	f := newFixture(t)
	log, logs := testLogger()
	sched := NewTimerScheduler(log)
	t.Cleanup(func() { _ = sched.Close() })

	svc := NewCartService(f.repo, f.books, sched, nil, 200*time.Millisecond, log)
	require.NoError(t, sched.Start(context.Background(), svc.ReleaseItem))
	ctx := context.Background()

	a := f.book(t, "Alpha", 1, "10.00")
	b := f.book(t, "Beta", 1, "10.00")
	_, err := svc.AddToCart(ctx, 1, a.ID, 1)
	require.NoError(t, err)
	_, err = svc.AddToCart(ctx, 1, b.ID, 1)
	require.NoError(t, err)
	// Beta se quita antes de vencer: la liberación encuentra el item ya borrado
	require.NoError(t, svc.RemoveFromCart(ctx, 1, b.ID))

	require.Eventually(t, func() bool {
		eff, err := f.books.EffectiveStock(ctx, a.ID)
		return err == nil && eff == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sched.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	cart, err := f.repo.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
	assert.Contains(t, logs.String(), "cart item released")
	assert.Contains(t, logs.String(), "cart item does not exist")
}
