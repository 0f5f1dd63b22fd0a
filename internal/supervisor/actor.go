package supervisor

import (
	"fmt"
	"sort"

	"cryptoagg/internal/channel"
	"cryptoagg/internal/metrics"
	"cryptoagg/logger"
	"cryptoagg/models"
	"cryptoagg/reader"
	"cryptoagg/transport"

	"golang.org/x/time/rate"
)

func (s *Supervisor) run() {
	defer close(s.done)
	log := s.log.WithComponent("supervisor")
	log.Info("supervisor started")

	for {
		select {
		case <-s.ctx.Done():
			log.Info("supervisor context cancelled")
			s.stopAll()
			return
		case req := <-s.requests:
			if req.op == opShutdown {
				conns := s.drain()
				req.reply <- reply{conns: conns}
				log.WithField("connections", len(conns)).Info("supervisor shut down")
				return
			}
			req.reply <- s.handle(req)
		}
	}
}

func (s *Supervisor) handle(req request) reply {
	switch req.op {
	case opSubscribe:
		conn, err := s.subscribe(req.ch)
		return reply{conn: conn, err: err}
	case opUnsubscribe:
		conn, err := s.lookup(req.ch)
		if err != nil {
			return reply{err: err}
		}
		conn.Stop()
		s.remove(req.ch, conn)
		s.log.WithComponent("supervisor").WithFields(logger.Fields{
			"channel":       req.ch.String(),
			"connection_id": conn.ID(),
		}).Info("channel unsubscribed")
		return reply{conn: conn}
	case opLookup:
		conn, err := s.lookup(req.ch)
		return reply{conn: conn, err: err}
	case opChannels:
		channels := make([]models.Channel, 0, len(s.conns))
		for ch := range s.conns {
			channels = append(channels, ch)
		}
		sort.Slice(channels, func(i, j int) bool { return channels[i].String() < channels[j].String() })
		return reply{channels: channels}
	default:
		return reply{err: fmt.Errorf("unknown supervisor op %d", req.op)}
	}
}

func (s *Supervisor) lookup(ch models.Channel) (*channel.Connection, error) {
	if conn, ok := s.conns[ch]; ok {
		return conn, nil
	}
	if _, ok := s.closed[ch]; ok {
		return nil, models.ErrChannelClosed
	}
	return nil, models.ErrNotSubscribed
}

func (s *Supervisor) subscribe(ch models.Channel) (*channel.Connection, error) {
	log := s.log.WithComponent("supervisor").WithField("channel", ch.String())

	if conn, ok := s.conns[ch]; ok {
		select {
		case <-conn.Failed():
			log.WithError(conn.Err()).Info("replacing failed connection")
			conn.Stop()
			s.remove(ch, conn)
		default:
			return conn, nil
		}
	}

	adapter, err := s.adapter(ch.Exchange)
	if err != nil {
		return nil, err
	}
	conn, err := channel.New(channel.Options{
		Channel:      ch,
		Adapter:      adapter,
		Dialer:       s.dialerFor(ch.Exchange),
		Limiter:      s.limiterFor(ch.Exchange),
		Config:       s.cfg.Connection,
		TapeCapacity: s.cfg.State.TapeCapacity,
		BookDepth:    s.cfg.State.BookDepth,
		LocalIP:      s.cfg.LocalIP(ch.Exchange),
		Log:          s.log,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Start(s.ctx); err != nil {
		return nil, err
	}

	s.conns[ch] = conn
	delete(s.closed, ch)
	s.registryMutex.Lock()
	s.registry[conn.ID()] = conn
	s.registryMutex.Unlock()
	s.emitActive()

	log.WithField("connection_id", conn.ID()).Info("channel subscribed")
	return conn, nil
}

func (s *Supervisor) remove(ch models.Channel, conn *channel.Connection) {
	delete(s.conns, ch)
	s.closed[ch] = struct{}{}
	s.registryMutex.Lock()
	delete(s.registry, conn.ID())
	s.registryMutex.Unlock()
	s.emitActive()
}

// drain hands every connection to Shutdown and forgets them.
func (s *Supervisor) drain() []*channel.Connection {
	conns := make([]*channel.Connection, 0, len(s.conns))
	for ch, conn := range s.conns {
		conns = append(conns, conn)
		s.remove(ch, conn)
	}
	return conns
}

func (s *Supervisor) stopAll() {
	for _, conn := range s.drain() {
		conn.Stop()
	}
}

func (s *Supervisor) emitActive() {
	metrics.EmitMetric(s.log, "supervisor", "active_connections", len(s.conns), "gauge", nil)
}

func (s *Supervisor) adapter(ex models.Exchange) (reader.Adapter, error) {
	if a, ok := s.adapters[ex]; ok {
		return a, nil
	}
	a, err := s.newAdapter(ex, s.cfg)
	if err != nil {
		return nil, err
	}
	s.adapters[ex] = a
	return a, nil
}

func (s *Supervisor) dialerFor(ex models.Exchange) transport.Dialer {
	if s.dialer != nil {
		return s.dialer
	}
	if d, ok := s.dialers[ex]; ok {
		return d
	}
	conn := s.cfg.Connection
	d := transport.NewWebsocketDialer(transport.WebsocketOptions{
		HandshakeTimeout: conn.HandshakeTimeout,
		WriteTimeout:     conn.WriteTimeout,
		ReadLimit:        conn.ReadLimit,
		LocalIP:          s.cfg.LocalIP(ex),
		UserAgent:        conn.UserAgent,
	})
	s.dialers[ex] = d
	return d
}

// limiterFor returns the dial limiter shared by every connection to ex, or
// nil when pacing is disabled.
func (s *Supervisor) limiterFor(ex models.Exchange) *rate.Limiter {
	rl := s.cfg.RateLimit
	if rl.ConnectsPerSecond <= 0 {
		return nil
	}
	if l, ok := s.limiters[ex]; ok {
		return l
	}
	burst := rl.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(rl.ConnectsPerSecond), burst)
	s.limiters[ex] = l
	return l
}
