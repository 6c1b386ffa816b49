package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const releaseTimeout = 10 * time.Second

// ReleaseFunc libera una reserva; nunca devuelve error, solo el resultado.
type ReleaseFunc func(ctx context.Context, itemID int64) ReleaseOutcome

// ReleaseScheduler programa la liberación diferida de un cart item.
// No hay cancelación: si el item ya no existe al disparar, la liberación es un no-op.
type ReleaseScheduler interface {
	ScheduleRelease(ctx context.Context, itemID int64, delay time.Duration) error
	Start(ctx context.Context, release ReleaseFunc) error
	Close() error
}

// timerScheduler usa timers en memoria. Las reservas programadas se pierden al reiniciar,
// sirve para desarrollo y pruebas.
type timerScheduler struct {
	mu      sync.Mutex
	timers  map[int64]*time.Timer
	release ReleaseFunc
	closed  bool
	log     zerolog.Logger
}

func NewTimerScheduler(log zerolog.Logger) *timerScheduler {
	return &timerScheduler{timers: map[int64]*time.Timer{}, log: log}
}

func (s *timerScheduler) Start(ctx context.Context, release ReleaseFunc) error {
	s.mu.Lock()
	s.release = release
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *timerScheduler) ScheduleRelease(_ context.Context, itemID int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSchedulerClosed
	}
	if old, ok := s.timers[itemID]; ok {
		old.Stop()
	}
	s.timers[itemID] = time.AfterFunc(delay, func() { s.fire(itemID) })
	return nil
}

func (s *timerScheduler) fire(itemID int64) {
	s.mu.Lock()
	delete(s.timers, itemID)
	release := s.release
	s.mu.Unlock()

	if release == nil {
		s.log.Error().Int64("item", itemID).Msg("release fired before scheduler start")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	release(ctx, itemID)
}

// Pending devuelve cuántas liberaciones siguen programadas.
func (s *timerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *timerScheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}
