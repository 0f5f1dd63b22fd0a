package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoagg/internal/metrics"
	"cryptoagg/internal/symbols"
	ratemetrics "cryptoagg/internal/metrics/rate"
	"cryptoagg/logger"
	"cryptoagg/models"
	"cryptoagg/reader"
	"cryptoagg/transport"
)

const (
	defaultWriteTimeout    = 5 * time.Second
	defaultSnapshotTimeout = 10 * time.Second
	defaultFrameBuffer     = 256
)

type frame struct {
	data []byte
	err  error
}

// session is one established transport connection plus the goroutine that
// reads it.
type session struct {
	conn   transport.Session
	frames chan frame
	quit   chan struct{}
}

func newSession(conn transport.Session, buffer int) *session {
	if buffer <= 0 {
		buffer = defaultFrameBuffer
	}
	return &session{conn: conn, frames: make(chan frame, buffer), quit: make(chan struct{})}
}

func (s *session) pump() {
	for {
		data, err := s.conn.Recv()
		select {
		case s.frames <- frame{data: data, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

type dialResult struct {
	conn transport.Session
	err  error
}

type dialAttempt struct {
	cancel context.CancelFunc
	result chan dialResult
}

type snapshotResult struct {
	snap models.OrderBookSnapshot
	err  error
}

type snapshotFetch struct {
	cancel context.CancelFunc
	result chan snapshotResult
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	c.startDial(ctx)
	for {
		var (
			dialC  <-chan dialResult
			frameC <-chan frame
			snapC  <-chan snapshotResult
		)
		if c.dial != nil {
			dialC = c.dial.result
		}
		if c.sess != nil {
			frameC = c.sess.frames
		}
		if c.snapshot != nil {
			snapC = c.snapshot.result
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			c.sendUnsubscribe()
			return
		case q := <-c.queries:
			res, err := c.answer(q.query)
			q.reply <- queryReply{result: res, err: err}
		case res := <-dialC:
			c.dial.cancel()
			c.dial = nil
			c.onDial(ctx, res)
		case f := <-frameC:
			c.onFrame(ctx, f)
		case res := <-snapC:
			c.snapshot.cancel()
			c.snapshot = nil
			c.onSnapshot(ctx, res)
		case <-timerC(c.idle):
			c.idle = nil
			c.onIdle(ctx)
		case <-timerC(c.ack):
			c.ack = nil
			if c.state == models.StateConnecting && c.sess != nil {
				c.disconnect(ctx, &models.TransportError{
					Op:  "subscribe",
					URL: c.adapter.Endpoint(),
					Err: fmt.Errorf("no acknowledgement within %s", c.cfg.AckTimeout),
				})
			}
		case <-tickerC(c.ping):
			if p, ok := c.adapter.(reader.Pinger); ok && c.sess != nil {
				if err := c.send(ctx, [][]byte{p.Ping()}); err != nil {
					c.disconnect(ctx, err)
				}
			}
		case <-timerC(c.reconnect):
			c.reconnect = nil
			c.onReconnect(ctx)
		}
	}
}

func (c *Connection) fields() logger.Fields {
	return logger.Fields{
		"channel":       c.ch.String(),
		"exchange":      c.ch.Exchange.String(),
		"connection_id": c.id,
	}
}

func (c *Connection) entry() *logger.Entry {
	return c.log.WithComponent("connection").WithFields(c.fields())
}

func (c *Connection) setState(to models.ConnectionState, cause error) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.stats.update(func(s *Stats) { s.State = to })

	entry := c.entry().WithFields(logger.Fields{"from": from.String(), "to": to.String()})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	switch to {
	case models.StateFailed:
		entry.Error("connection failed")
	case models.StateDisconnected, models.StateResyncing:
		entry.Warn("connection state changed")
	default:
		entry.Info("connection state changed")
	}

	fields := c.fields()
	fields["from"] = from.String()
	fields["to"] = to.String()
	metrics.EmitMetric(c.log, "connection", "state_transition", 1, "counter", fields)

	if c.onState != nil {
		c.onState(from, to)
	}
}

func (c *Connection) startDial(ctx context.Context) {
	dctx, cancel := context.WithCancel(ctx)
	att := &dialAttempt{cancel: cancel, result: make(chan dialResult, 1)}
	c.dial = att

	url := c.adapter.Endpoint()
	go func() {
		if c.limiter != nil {
			if err := c.limiter.Wait(dctx); err != nil {
				att.result <- dialResult{err: err}
				return
			}
		}
		conn, err := c.dialer.Dial(dctx, url)
		att.result <- dialResult{conn: conn, err: err}
	}()
}

func (c *Connection) onDial(ctx context.Context, res dialResult) {
	if res.err != nil {
		ratemetrics.ReportLimitFromMessage(c.log, c.ch.Exchange, c.ch.Market, c.localIP, c.ch.Kind.String(), res.err.Error())
		c.disconnect(ctx, &models.TransportError{Op: "dial", URL: c.adapter.Endpoint(), Err: res.err})
		return
	}

	c.sess = newSession(res.conn, c.cfg.FrameBuffer)
	go c.sess.pump()
	c.activity = time.Now()

	frames, err := c.adapter.BuildSubscribe(c.ch)
	if err != nil {
		c.fail(fmt.Errorf("build subscribe for %s: %w", c.ch, err))
		return
	}
	if err := c.send(ctx, frames); err != nil {
		c.disconnect(ctx, err)
		return
	}

	if c.cfg.IdleTimeout > 0 {
		c.idle = time.NewTimer(c.cfg.IdleTimeout)
	}
	if c.cfg.AckTimeout > 0 {
		c.ack = time.NewTimer(c.cfg.AckTimeout)
	}
	if p, ok := c.adapter.(reader.Pinger); ok && p.PingInterval() > 0 {
		c.ping = time.NewTicker(p.PingInterval())
	}
	c.entry().Debug("subscribe sent")
}

func (c *Connection) send(ctx context.Context, frames [][]byte) error {
	if c.sess == nil {
		return &models.TransportError{Op: "send", URL: c.adapter.Endpoint(), Err: transport.ErrClosed}
	}
	timeout := c.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	for _, f := range frames {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.sess.conn.Send(sctx, f)
		cancel()
		if err != nil {
			return &models.TransportError{Op: "send", URL: c.adapter.Endpoint(), Err: err}
		}
	}
	return nil
}

func (c *Connection) onFrame(ctx context.Context, f frame) {
	if f.err != nil {
		c.disconnect(ctx, &models.TransportError{Op: "recv", URL: c.adapter.Endpoint(), Err: f.err})
		return
	}

	now := time.Now()
	c.activity = now
	c.lastFrame = now
	c.stats.update(func(s *Stats) {
		s.Frames++
		s.Bytes += uint64(len(f.data))
		s.LastFrame = now
	})
	logger.RecordFrame(c.ch.Exchange.String(), len(f.data))

	sess := c.sess
	for _, ev := range c.adapter.Decode(f.data, c.state) {
		c.handleEvent(ctx, ev)
		if c.sess != sess {
			// The event tore the session down; the rest of the frame
			// belongs to a dead subscription.
			return
		}
	}
}

func (c *Connection) handleEvent(ctx context.Context, ev models.Event) {
	c.stats.update(func(s *Stats) { s.Events++ })

	switch ev := ev.(type) {
	case models.SubscribedEvent:
		c.onSubscribed(ctx)
	case models.HeartbeatEvent:
		// liveness only
	case models.TradeEvent:
		c.onTrade(ev.Trade)
	case models.BookSnapshotEvent:
		c.onBookSnapshot(ctx, ev.Snapshot)
	case models.BookDiffEvent:
		c.onBookDiff(ctx, ev.Diff)
	case models.ErrorEvent:
		c.onError(ctx, ev.Err)
	}
}

func (c *Connection) onSubscribed(ctx context.Context) {
	if c.state != models.StateConnecting {
		// Resubscribing during a resync acknowledges again.
		return
	}
	stopTimer(&c.ack)
	c.retries = 0
	c.backoff.Reset()
	c.setState(models.StateSubscribed, nil)
	c.readyOnce.Do(func() { close(c.ready) })

	if c.book != nil && !c.book.Synced() {
		if _, ok := c.adapter.(reader.Snapshotter); ok {
			c.startSnapshot(ctx)
		}
	}
}

func (c *Connection) onTrade(tr models.Trade) {
	if c.tape == nil {
		c.entry().Debug("trade on a book channel ignored")
		return
	}
	if tr.Sequence == 0 {
		c.localSeq++
		tr.Sequence = c.localSeq
	}
	if !c.tape.Push(tr) {
		c.stats.update(func(s *Stats) { s.TradesDropped++ })
		metrics.EmitDropMetric(c.log, metrics.DropMetricDuplicateTrade, c.ch.Exchange.String(), c.ch.Kind.String(), c.ch.Market, "tape")
	}
}

func (c *Connection) onBookSnapshot(ctx context.Context, snap models.OrderBookSnapshot) {
	if c.book == nil {
		return
	}
	c.cancelSnapshot()
	if err := c.book.ApplySnapshot(snap, false); err != nil {
		c.onDesync(ctx, err)
		return
	}
	if c.state == models.StateResyncing {
		c.setState(models.StateSubscribed, nil)
	}
}

func (c *Connection) onBookDiff(ctx context.Context, d models.BookDiff) {
	if c.book == nil {
		return
	}
	if c.snapshot != nil {
		if limit := c.cfg.MaxPendingDiffs; limit > 0 && len(c.pending) >= limit {
			c.pending = c.pending[1:]
			c.stats.update(func(s *Stats) { s.DiffsDropped++ })
			metrics.EmitDropMetric(c.log, metrics.DropMetricPendingOverflow, c.ch.Exchange.String(), c.ch.Kind.String(), c.ch.Market, "pending")
		}
		c.pending = append(c.pending, d)
		return
	}
	if !c.book.Synced() {
		c.stats.update(func(s *Stats) { s.DiffsDropped++ })
		metrics.EmitDropMetric(c.log, metrics.DropMetricUnsyncedDiff, c.ch.Exchange.String(), c.ch.Kind.String(), c.ch.Market, "book")
		return
	}
	if err := c.book.ApplyDiff(d); err != nil {
		c.onDesync(ctx, err)
	}
}

func (c *Connection) onError(ctx context.Context, err error) {
	var rej *models.SubscriptionRejectedError
	if errors.As(err, &rej) {
		if !c.names(rej.Channel) {
			c.stats.update(func(s *Stats) { s.DecodeErrors++ })
			c.entry().WithError(err).WithField("rejected", rej.Channel.String()).Warn("rejection for another subscription ignored")
			return
		}
		rej.Channel = c.ch
		ratemetrics.ReportLimitFromMessage(c.log, c.ch.Exchange, c.ch.Market, c.localIP, c.ch.Kind.String(), rej.Reason)
		c.fail(rej)
		return
	}

	var de *models.DecodeError
	if !errors.As(err, &de) {
		c.entry().WithError(err).Warn("unexpected adapter error")
		return
	}
	c.stats.update(func(s *Stats) { s.DecodeErrors++ })
	metrics.EmitMetric(c.log, "connection", "decode_error_total", 1, "counter", c.fields())
	c.entry().WithError(err).WithField("payload", de.Payload).Warn("failed to decode frame")
	ratemetrics.ReportLimitFromMessage(c.log, c.ch.Exchange, c.ch.Market, c.localIP, c.ch.Kind.String(), de.Payload)

	if c.book == nil {
		metrics.EmitDropMetric(c.log, metrics.DropMetricUndecodable, c.ch.Exchange.String(), c.ch.Kind.String(), c.ch.Market, "tape")
		return
	}
	if c.state == models.StateSubscribed || c.state == models.StateResyncing {
		c.onDesync(ctx, err)
	}
}

// names reports whether a rejection applies to this connection. Venues that
// cannot tell which subscription failed leave Market empty.
func (c *Connection) names(ch models.Channel) bool {
	if ch.Market == "" {
		return true
	}
	if ch.Kind != models.KindUnknown && ch.Kind != c.ch.Kind {
		return false
	}
	return symbols.ToVenue(c.ch.Exchange, ch.Market) == symbols.ToVenue(c.ch.Exchange, c.ch.Market)
}

func (c *Connection) onDesync(ctx context.Context, cause error) {
	c.stats.update(func(s *Stats) { s.Desyncs++ })
	logger.RecordDesync()
	metrics.EmitMetric(c.log, "connection", "desync_total", 1, "counter", c.fields())

	c.book.Invalidate()
	c.pending = nil
	switch c.state {
	case models.StateSubscribed:
		c.setState(models.StateResyncing, cause)
	case models.StateResyncing:
		c.entry().WithError(cause).Warn("desync while resyncing")
	default:
		// The subscription acknowledgement brings a fresh snapshot.
		return
	}
	c.requestResync(ctx)
}

// requestResync asks for a fresh book: REST snapshot, in-place resend, or
// unsubscribe and subscribe, in that order of preference.
func (c *Connection) requestResync(ctx context.Context) {
	c.stats.update(func(s *Stats) { s.Resyncs++ })

	if _, ok := c.adapter.(reader.Snapshotter); ok {
		c.startSnapshot(ctx)
		return
	}

	var (
		frames [][]byte
		err    error
	)
	if r, ok := c.adapter.(reader.Resyncer); ok {
		frames, err = r.BuildResync(c.ch)
	} else {
		if u, ok := c.adapter.(reader.Unsubscriber); ok {
			frames, err = u.BuildUnsubscribe(c.ch)
		}
		if err == nil {
			var sub [][]byte
			sub, err = c.adapter.BuildSubscribe(c.ch)
			frames = append(frames, sub...)
		}
	}
	if err != nil {
		c.fail(fmt.Errorf("build resync for %s: %w", c.ch, err))
		return
	}
	if len(frames) == 0 || c.sess == nil {
		return
	}
	if err := c.send(ctx, frames); err != nil {
		c.disconnect(ctx, err)
	}
}

func (c *Connection) startSnapshot(ctx context.Context) {
	snapper, ok := c.adapter.(reader.Snapshotter)
	if !ok {
		return
	}
	c.cancelSnapshot()
	c.pending = nil

	timeout := c.cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = defaultSnapshotTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	fetch := &snapshotFetch{cancel: cancel, result: make(chan snapshotResult, 1)}
	c.snapshot = fetch

	ch := c.ch
	go func() {
		snap, err := snapper.FetchSnapshot(sctx, ch)
		fetch.result <- snapshotResult{snap: snap, err: err}
	}()
	c.entry().Debug("fetching book snapshot")
}

func (c *Connection) cancelSnapshot() {
	if c.snapshot != nil {
		c.snapshot.cancel()
		c.snapshot = nil
	}
}

func (c *Connection) onSnapshot(ctx context.Context, res snapshotResult) {
	pending := c.pending
	c.pending = nil

	if res.err != nil {
		ratemetrics.ReportLimitFromMessage(c.log, c.ch.Exchange, c.ch.Market, c.localIP, c.ch.Kind.String(), res.err.Error())
		c.disconnect(ctx, res.err)
		return
	}
	if err := c.book.ApplySnapshot(res.snap, true); err != nil {
		c.onDesync(ctx, err)
		return
	}
	for _, d := range pending {
		if err := c.book.ApplyDiff(d); err != nil {
			c.onDesync(ctx, err)
			return
		}
	}
	c.entry().WithFields(logger.Fields{
		"sequence": res.snap.Sequence,
		"replayed": len(pending),
	}).Debug("book snapshot applied")
	if c.state == models.StateResyncing {
		c.setState(models.StateSubscribed, nil)
	}
}

func (c *Connection) onIdle(ctx context.Context) {
	if c.sess == nil || c.cfg.IdleTimeout <= 0 {
		return
	}
	if r, ok := c.sess.conn.(transport.ActivityReporter); ok {
		if last := r.LastActivity(); last.After(c.activity) {
			c.activity = last
		}
	}
	if elapsed := time.Since(c.activity); elapsed < c.cfg.IdleTimeout {
		c.idle = time.NewTimer(c.cfg.IdleTimeout - elapsed)
		return
	}
	c.disconnect(ctx, &models.TransportError{
		Op:  "idle",
		URL: c.adapter.Endpoint(),
		Err: fmt.Errorf("no frame for %s", c.cfg.IdleTimeout),
	})
}

// disconnect drops the session and schedules a reconnect, or fails the
// connection when the retry budget is spent.
func (c *Connection) disconnect(ctx context.Context, cause error) {
	if c.state == models.StateFailed {
		return
	}
	c.closeSession()
	c.cancelSnapshot()
	c.pending = nil
	if c.book != nil {
		c.book.Invalidate()
	}
	c.setState(models.StateDisconnected, cause)

	c.retries++
	if limit := c.cfg.Backoff.MaxRetries; limit > 0 && c.retries > limit {
		c.fail(fmt.Errorf("%w after %d retries: %v", models.ErrRetriesExhausted, limit, cause))
		return
	}
	delay := c.backoff.Duration()
	c.reconnect = time.NewTimer(delay)
	c.entry().WithFields(logger.Fields{
		"attempt": c.retries,
		"delay":   delay.String(),
	}).Info("reconnect scheduled")
}

func (c *Connection) onReconnect(ctx context.Context) {
	c.stats.update(func(s *Stats) { s.Reconnects++ })
	logger.RecordReconnect()
	metrics.EmitMetric(c.log, "connection", "reconnect_total", 1, "counter", c.fields())
	c.setState(models.StateConnecting, nil)
	c.startDial(ctx)
}

func (c *Connection) fail(err error) {
	if c.state == models.StateFailed {
		return
	}
	c.closeSession()
	c.cancelSnapshot()
	stopTimer(&c.reconnect)
	c.failErr = err
	c.setState(models.StateFailed, err)
	c.failOnce.Do(func() { close(c.failed) })
}

func (c *Connection) closeSession() {
	stopTimer(&c.idle)
	stopTimer(&c.ack)
	if c.ping != nil {
		c.ping.Stop()
		c.ping = nil
	}
	if c.sess == nil {
		return
	}
	close(c.sess.quit)
	if err := c.sess.conn.Close(); err != nil {
		c.entry().WithError(err).Debug("session close")
	}
	c.sess = nil
}

// sendUnsubscribe is best effort; the session is closed right after.
func (c *Connection) sendUnsubscribe() {
	u, ok := c.adapter.(reader.Unsubscriber)
	if !ok || c.sess == nil {
		return
	}
	if c.state != models.StateSubscribed && c.state != models.StateResyncing {
		return
	}
	frames, err := u.BuildUnsubscribe(c.ch)
	if err == nil {
		err = c.send(context.Background(), frames)
	}
	if err != nil {
		c.entry().WithError(err).Debug("unsubscribe not sent")
	}
}

func (c *Connection) teardown() {
	if c.dial != nil {
		c.dial.cancel()
		go func(result <-chan dialResult) {
			if res := <-result; res.conn != nil {
				res.conn.Close()
			}
		}(c.dial.result)
		c.dial = nil
	}
	c.closeSession()
	c.cancelSnapshot()
	stopTimer(&c.reconnect)
	c.entry().Info("connection stopped")
}
