package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/config"
)

// Rooms is the part of the room manager the sweep drives.
type Rooms interface {
	SaveAll() int
	ReapIdle(ttl time.Duration) int
}

// Pruner trims automatic snapshot history.
type Pruner interface {
	PruneAutoVersions(ctx context.Context, keep int) (int64, error)
}

// Service periodically saves every live room, disposes rooms nobody joined
// and prunes old automatic versions.
type Service struct {
	rooms  Rooms
	pruner Pruner
	config config.AutosaveConfig
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Service. pruner may be nil.
func New(rooms Rooms, pruner Pruner, cfg config.AutosaveConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{
		rooms:  rooms,
		pruner: pruner,
		config: cfg,
		logger: logger.With(zap.String("component", "autosave")),
		stop:   make(chan struct{}),
	}
}

// Start runs the sweep loop and blocks until Stop.
func (s *Service) Start() error {
	s.wg.Add(1)
	defer s.wg.Done()

	s.logger.Info("autosave started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("keep_auto_versions", s.config.KeepAutoVersions),
		zap.Duration("idle_room_ttl", s.config.IdleRoomTTL),
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Stop ends the loop and waits for a sweep in progress.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("autosave stopped")
}

// Result counts what one sweep did.
type Result struct {
	Saved  int
	Reaped int
	Pruned int64
}

// Sweep runs one pass immediately.
func (s *Service) Sweep(ctx context.Context) Result {
	var res Result
	if s.config.IdleRoomTTL > 0 {
		res.Reaped = s.rooms.ReapIdle(s.config.IdleRoomTTL)
	}
	res.Saved = s.rooms.SaveAll()

	if s.pruner != nil && s.config.KeepAutoVersions > 0 {
		pruned, err := s.pruner.PruneAutoVersions(ctx, s.config.KeepAutoVersions)
		if err != nil {
			s.logger.Error("pruning auto versions", zap.Error(err))
		}
		res.Pruned = pruned
	}

	if res.Saved > 0 || res.Reaped > 0 || res.Pruned > 0 {
		s.logger.Debug("sweep finished",
			zap.Int("saved", res.Saved),
			zap.Int("reaped", res.Reaped),
			zap.Int64("pruned", res.Pruned),
		)
	}
	return res
}
