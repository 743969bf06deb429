package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connect dials NATS with reconnect settings suited to a long-running server.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("errwatch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the NATS subject events of kind are published to:
//
//	{prefix}.{kind}
func Subject(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}

// NATSSink forwards every bus event as JSON to NATS.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger

	sub       *Subscription
	wg        sync.WaitGroup
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewNATSSink creates a sink publishing under prefix.
func NewNATSSink(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = "errwatch"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}
}

// Start subscribes to bus and forwards events until Stop.
func (s *NATSSink) Start(bus *Bus, buffer int) {
	s.sub = bus.Subscribe(buffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for e := range s.sub.C() {
			s.forward(e)
		}
	}()
}

// Stop unsubscribes, waits for in-flight forwards and flushes the connection.
func (s *NATSSink) Stop() {
	if s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
	s.wg.Wait()
	if err := s.nc.Flush(); err != nil {
		s.logger.Warn("NATS flush failed", zap.Error(err))
	}
}

// Published returns the number of events forwarded.
func (s *NATSSink) Published() uint64 { return s.published.Load() }

// Failed returns the number of events that could not be forwarded.
func (s *NATSSink) Failed() uint64 { return s.failed.Load() }

func (s *NATSSink) forward(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("marshal notification", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	if err := s.nc.Publish(Subject(s.prefix, e.Kind), data); err != nil {
		s.failed.Add(1)
		s.logger.Warn("publish notification", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	s.published.Add(1)
}
