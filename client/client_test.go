package client

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"cryptoagg/config"
	"cryptoagg/models"
	"cryptoagg/processor"
	"cryptoagg/transport"
)

var solTape = models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}

const (
	tradeAck = `{"channelID":2,"event":"subscriptionStatus","pair":"SOL/USD","status":"subscribed","subscription":{"name":"trade"}}`
	trades   = `[2,[["150.10","1.0","1700000000.1","b","l",""],["150.20","0.5","1700000000.2","s","l",""]],"trade","SOL/USD"]`
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RateLimit.ConnectsPerSecond = 0
	cfg.Client.RequestTimeout = time.Second
	cfg.Client.SubscribeTimeout = time.Second
	return cfg
}

// serve answers the first dial with an ack followed by frames.
func serve(t *testing.T, pipe *transport.Pipe, frames ...string) *transport.PipeSession {
	t.Helper()
	select {
	case s := <-pipe.Accepted():
		<-s.Sent()
		for _, f := range append([]string{tradeAck}, frames...) {
			if err := s.PushString(f); err != nil {
				t.Errorf("push: %v", err)
			}
		}
		return s
	case <-time.After(2 * time.Second):
		t.Errorf("no dial")
		return nil
	}
}

func TestBlockingSubscribeAndQuery(t *testing.T) {
	pipe := transport.NewPipe()
	c, err := NewBlocking(Options{Config: testConfig(), Dialer: pipe})
	if err != nil {
		t.Fatalf("NewBlocking: %v", err)
	}
	defer c.Close()

	go serve(t, pipe, trades)
	h, err := c.StartAndSubscribe(solTape)
	if err != nil {
		t.Fatalf("StartAndSubscribe: %v", err)
	}
	again, err := c.StartAndSubscribe(solTape)
	if err != nil || again.ConnectionID != h.ConnectionID {
		t.Fatalf("duplicate subscribe returned another handle: %+v %v", again, err)
	}

	var got []models.Trade
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err = c.GetTape(solTape); err == nil && len(got) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) != 2 || got[0].Sequence != 1 || got[1].Side != models.SideSell {
		t.Fatalf("unexpected tape: %+v (%v)", got, err)
	}

	snap, err := c.GetTapeOrdered(solTape, processor.MostRecentFirst)
	if err != nil || snap.Trades[0].Sequence != 2 || snap.Stale {
		t.Fatalf("unexpected ordered tape: %+v %v", snap, err)
	}
	if state, err := c.State(solTape); err != nil || state != models.StateSubscribed {
		t.Fatalf("unexpected state: %s %v", state, err)
	}
	if last, err := c.GetLast(solTape); err != nil || last.IsZero() {
		t.Fatalf("unexpected last frame time: %v %v", last, err)
	}
	if _, err := c.GetBook(solTape); !errors.Is(err, models.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	book := models.Channel{Exchange: models.Kraken, Kind: models.Book, Market: "SOL/USD"}
	if _, err := c.GetBook(book); !errors.Is(err, models.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}

	if err := c.StopAndUnsubscribe(solTape); err != nil {
		t.Fatalf("StopAndUnsubscribe: %v", err)
	}
	if _, err := c.GetTape(solTape); !errors.Is(err, models.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Channels(); !errors.Is(err, models.ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestBlockingQueryAfterCloseIsChannelClosed(t *testing.T) {
	pipe := transport.NewPipe()
	c, err := NewBlocking(Options{Config: testConfig(), Dialer: pipe})
	if err != nil {
		t.Fatalf("NewBlocking: %v", err)
	}
	go serve(t, pipe)
	if _, err := c.StartAndSubscribe(solTape); err != nil {
		t.Fatalf("StartAndSubscribe: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err = c.GetTape(solTape)
	if !errors.Is(err, models.ErrChannelClosed) || !errors.Is(err, models.ErrClientClosed) {
		t.Fatalf("expected a closed channel after Close, got %v", err)
	}
}

func TestBlockingSubscribeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Client.SubscribeTimeout = 50 * time.Millisecond
	pipe := transport.NewPipe()
	c, err := NewBlocking(Options{Config: cfg, Dialer: pipe})
	if err != nil {
		t.Fatalf("NewBlocking: %v", err)
	}
	defer c.Close()

	// The session is accepted but never acknowledged.
	if _, err := c.StartAndSubscribe(solTape); !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBlockingSubscribeRejected(t *testing.T) {
	pipe := transport.NewPipe()
	c, err := NewBlocking(Options{Config: testConfig(), Dialer: pipe})
	if err != nil {
		t.Fatalf("NewBlocking: %v", err)
	}
	defer c.Close()

	go func() {
		s := <-pipe.Accepted()
		<-s.Sent()
		s.PushString(`{"errorMessage":"Currency pair not supported","event":"subscriptionStatus","pair":"SOL/USD","status":"error","subscription":{"name":"trade"}}`)
	}()
	if _, err := c.StartAndSubscribe(solTape); !models.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func collect(t *testing.T, a *Async, n int) map[string]Response {
	t.Helper()
	out := make(map[string]Response, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case resp := <-a.Responses():
			out[resp.CorrelationID] = resp
		case <-timeout:
			t.Fatalf("received %d of %d responses", len(out), n)
		}
	}
	return out
}

func TestAsyncCorrelation(t *testing.T) {
	pipe := transport.NewPipe()
	a, err := NewAsync(Options{Config: testConfig(), Dialer: pipe})
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	defer a.Close()

	go serve(t, pipe, trades)
	p, err := a.Subscribe(solTape)
	if err != nil || p.CorrelationID == "" || p.Kind != RequestSubscribe {
		t.Fatalf("unexpected pending: %+v %v", p, err)
	}
	sub := collect(t, a, 1)[p.CorrelationID]
	if sub.Err != nil || sub.Handle == nil {
		t.Fatalf("unexpected subscribe response: %+v", sub)
	}

	book := models.Channel{Exchange: models.Kraken, Kind: models.Book, Market: "SOL/USD"}
	for i := 0; i < 5; i++ {
		if _, err := a.Submit(Request{Kind: RequestState, Channel: solTape, CorrelationID: fmt.Sprintf("state-%d", i)}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if _, err := a.Submit(Request{Kind: RequestBook, Channel: book, CorrelationID: "book"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := collect(t, a, 6)
	for i := 0; i < 5; i++ {
		resp, ok := got[fmt.Sprintf("state-%d", i)]
		if !ok || resp.Err != nil || resp.Channel != solTape || resp.State != models.StateSubscribed {
			t.Fatalf("unexpected response %d: %+v", i, resp)
		}
	}
	if resp := got["book"]; !errors.Is(resp.Err, models.ErrNotSubscribed) || resp.Channel != book {
		t.Fatalf("unexpected book response: %+v", resp)
	}
}

func TestAsyncBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Client.ResponseBuffer = 1
	a, err := NewAsync(Options{Config: cfg, Dialer: transport.NewPipe()})
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Channels(); err != nil {
			t.Fatalf("Channels: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(a.Responses()); n != 1 {
		t.Fatalf("expected a full stream of one response, got %d", n)
	}
	collect(t, a, 3)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-a.Responses(); ok {
		t.Fatalf("response stream should be closed")
	}
	if _, err := a.Channels(); !errors.Is(err, models.ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestAsyncBoundsOutstandingRequests(t *testing.T) {
	cfg := testConfig()
	cfg.Client.ResponseBuffer = 1
	cfg.Client.RequestBuffer = 2
	cfg.Client.Workers = 1
	a, err := NewAsync(Options{Config: cfg, Dialer: transport.NewPipe()})
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	defer a.Close()

	accepted, refused := 0, 0
	for i := 0; i < 1000; i++ {
		_, err := a.Submit(Request{Kind: RequestChannels, CorrelationID: fmt.Sprintf("c-%d", i)})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, models.ErrQueueFull):
			refused++
		default:
			t.Fatalf("Submit: %v", err)
		}
	}
	// One result buffered, one held by the worker, two queued.
	if accepted > 4 || refused == 0 {
		t.Fatalf("queue not bounded: accepted=%d refused=%d", accepted, refused)
	}
	collect(t, a, accepted)

	if _, err := a.Submit(Request{Kind: RequestChannels, CorrelationID: "after"}); err != nil {
		t.Fatalf("Submit after draining: %v", err)
	}
	if resp := collect(t, a, 1)["after"]; resp.Err != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAsyncCloseDropsUndelivered(t *testing.T) {
	cfg := testConfig()
	cfg.Client.ResponseBuffer = 1
	a, err := NewAsync(Options{Config: cfg, Dialer: transport.NewPipe()})
	if err != nil {
		t.Fatalf("NewAsync: %v", err)
	}
	for i := 0; i < 4; i++ {
		a.Channels()
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on undelivered responses")
	}
	n := 0
	for range a.Responses() {
		n++
	}
	if n != 1 {
		t.Fatalf("expected only the buffered response, got %d", n)
	}
}
