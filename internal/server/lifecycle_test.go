package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// blockingService runs until stopped and records its stop in order.
type blockingService struct {
	name    string
	stop    chan struct{}
	once    sync.Once
	started chan struct{}
	order   *stopOrder
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func newBlockingService(name string, order *stopOrder) *blockingService {
	return &blockingService{name: name, stop: make(chan struct{}), started: make(chan struct{}), order: order}
}

func (s *blockingService) Start() error {
	close(s.started)
	<-s.stop
	return nil
}

func (s *blockingService) Stop() {
	s.once.Do(func() {
		s.order.add(s.name)
		close(s.stop)
	})
}

func TestLifecycleStopsInReverseOrder(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	order := &stopOrder{}
	http := newBlockingService("http", order)
	autosave := newBlockingService("autosave", order)
	lc.Add("autosave", autosave)
	lc.Add("http", http)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	for _, svc := range []*blockingService{http, autosave} {
		select {
		case <-svc.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not start", svc.name)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"http", "autosave"}, order.names)
}

func TestLifecycleStopsOnServiceFailure(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	order := &stopOrder{}
	healthy := newBlockingService("healthy", order)
	lc.Add("healthy", healthy)

	failing := errors.New("address in use")
	stopped := false
	lc.Add("broken", &FuncService{
		StartFn: func() error { return failing },
		StopFn:  func() { stopped = true },
	})

	err := lc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, failing)
	assert.True(t, stopped)
	assert.Equal(t, []string{"healthy"}, order.names)
}
