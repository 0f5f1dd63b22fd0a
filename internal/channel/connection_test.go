package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cryptoagg/config"
	"cryptoagg/models"
	"cryptoagg/processor"
	"cryptoagg/reader"
	"cryptoagg/reader/binance"
	"cryptoagg/reader/bybit"
	"cryptoagg/reader/hyperliquid"
	"cryptoagg/reader/kraken"
	"cryptoagg/transport"

	"github.com/shopspring/decimal"
)

const waitTimeout = 2 * time.Second

func testConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		WriteTimeout: time.Second,
		FrameBuffer:  16,
		QueryBuffer:  4,
		Backoff: config.BackoffConfig{
			Min:    5 * time.Millisecond,
			Max:    20 * time.Millisecond,
			Factor: 2,
		},
	}
}

type recorder chan models.ConnectionState

func (r recorder) hook(_, to models.ConnectionState) {
	select {
	case r <- to:
	default:
	}
}

func (r recorder) waitFor(t *testing.T, want models.ConnectionState) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-r:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached", want)
		}
	}
}

type fixture struct {
	conn   *Connection
	pipe   *transport.Pipe
	states recorder
	cancel context.CancelFunc
}

func start(t *testing.T, ch models.Channel, adapter reader.Adapter, cfg config.ConnectionConfig, tapeCap int) *fixture {
	t.Helper()
	return startWith(t, Options{
		Channel:      ch,
		Adapter:      adapter,
		Config:       cfg,
		TapeCapacity: tapeCap,
		BookDepth:    100,
	})
}

// startWith fills in the dialer and state hook of opts.
func startWith(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{pipe: transport.NewPipe(), states: make(recorder, 64)}
	opts.Dialer = f.pipe
	opts.OnStateChange = f.states.hook
	conn, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.conn, f.cancel = conn, cancel
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		conn.Stop()
		cancel()
		<-conn.Done()
	})
	return f
}

func (f *fixture) accept(t *testing.T) *transport.PipeSession {
	t.Helper()
	select {
	case s := <-f.pipe.Accepted():
		return s
	case <-time.After(waitTimeout):
		t.Fatalf("no dial")
		return nil
	}
}

func sent(t *testing.T, s *transport.PipeSession) string {
	t.Helper()
	select {
	case b := <-s.Sent():
		return string(b)
	case <-time.After(waitTimeout):
		t.Fatalf("nothing sent")
		return ""
	}
}

func push(t *testing.T, s *transport.PipeSession, frames ...string) {
	t.Helper()
	for _, f := range frames {
		if err := s.PushString(f); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

// eventually polls query until check accepts the result.
func eventually(t *testing.T, c *Connection, q Query, check func(Result, error) bool) Result {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		res, err := c.Query(context.Background(), q)
		if check(res, err) {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met for %s query", q.Kind)
	return Result{}
}

const (
	krakenBookAck  = `{"channelID":1,"event":"subscriptionStatus","pair":"SOL/USD","status":"subscribed","subscription":{"depth":10,"name":"book"}}`
	krakenTradeAck = `{"channelID":2,"event":"subscriptionStatus","pair":"SOL/USD","status":"subscribed","subscription":{"name":"trade"}}`
)

func TestBookSnapshotThenDiff(t *testing.T) {
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Book, Market: "SOL/USD"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), testConfig(), 0)

	s := f.accept(t)
	if got := sent(t, s); got != `{"event":"subscribe","pair":["SOL/USD"],"subscription":{"name":"book","depth":10}}` {
		t.Fatalf("unexpected subscribe: %s", got)
	}
	if _, err := f.conn.Query(context.Background(), Query{Kind: QueryBook}); !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("expected ErrNotReady before data, got %v", err)
	}

	push(t, s,
		krakenBookAck,
		`[1,{"as":[["100.5","3","1700000000.1"]],"bs":[["100.0","5","1700000000.1"]]},"book-10","SOL/USD"]`,
		`[1,{"b":[["100.0","0","1700000001.1"]]},"book-10","SOL/USD"]`,
	)
	f.states.waitFor(t, models.StateSubscribed)

	res := eventually(t, f.conn, Query{Kind: QueryBook}, func(r Result, err error) bool {
		return err == nil && r.Book.Version == 2
	})
	book := res.Book
	if len(book.Bids) != 0 {
		t.Fatalf("bid should be removed: %+v", book.Bids)
	}
	if len(book.Asks) != 1 || !book.Asks[0].Price.Equal(decimal.RequireFromString("100.5")) || !book.Asks[0].Size.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected asks: %+v", book.Asks)
	}
	if res.Stale {
		t.Fatalf("synced book reported stale")
	}

	if _, err := f.conn.Query(context.Background(), Query{Kind: QueryTape}); !errors.Is(err, models.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if st := f.conn.Stats(); st.Frames != 3 || st.State != models.StateSubscribed {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestTapeKeepsNewestTrades(t *testing.T) {
	ch := models.Channel{Exchange: models.Bybit, Kind: models.Tape, Market: "BTC/USDT"}
	f := start(t, ch, bybit.New("wss://bybit.test", 0), testConfig(), 3)

	s := f.accept(t)
	sent(t, s)
	push(t, s, `{"success":true,"ret_msg":"","conn_id":"a","op":"subscribe"}`)
	f.states.waitFor(t, models.StateSubscribed)
	push(t, s,
		`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1,"data":[{"T":1,"s":"BTCUSDT","S":"Buy","v":"1","p":"10","i":"1"},{"T":2,"s":"BTCUSDT","S":"Buy","v":"1","p":"11","i":"2"}]}`,
		`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":3,"data":[{"T":3,"s":"BTCUSDT","S":"Sell","v":"1","p":"12","i":"3"},{"T":4,"s":"BTCUSDT","S":"Sell","v":"1","p":"13","i":"4"}]}`,
		`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":4,"data":[{"T":4,"s":"BTCUSDT","S":"Sell","v":"1","p":"13","i":"4"}]}`,
	)

	res := eventually(t, f.conn, Query{Kind: QueryTape}, func(r Result, err error) bool {
		return err == nil && len(r.Tape.Trades) == 3 && r.Tape.Trades[2].Sequence == 4
	})
	for i, want := range []uint64{2, 3, 4} {
		if got := res.Tape.Trades[i].Sequence; got != want {
			t.Fatalf("trade %d sequence %d, want %d", i, got, want)
		}
	}

	res, err := f.conn.Query(context.Background(), Query{Kind: QueryTape, Order: processor.MostRecentFirst})
	if err != nil || res.Tape.Trades[0].Sequence != 4 {
		t.Fatalf("unexpected most recent first: %+v %v", res.Tape, err)
	}
	eventually(t, f.conn, Query{Kind: QueryState}, func(Result, error) bool {
		return f.conn.Stats().TradesDropped == 1
	})
}

func TestSequenceGapResyncs(t *testing.T) {
	ch := models.Channel{Exchange: models.Bybit, Kind: models.Book, Market: "BTC/USDT"}
	f := start(t, ch, bybit.New("wss://bybit.test", 0), testConfig(), 0)

	s := f.accept(t)
	sent(t, s)
	push(t, s,
		`{"success":true,"ret_msg":"","conn_id":"a","op":"subscribe"}`,
		`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1,"data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","1"]],"u":100}}`,
		`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":2,"data":{"s":"BTCUSDT","b":[["100","2"]],"a":[],"u":101}}`,
		`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":3,"data":{"s":"BTCUSDT","b":[["99","2"]],"a":[],"u":103}}`,
	)
	f.states.waitFor(t, models.StateResyncing)

	if got := sent(t, s); got != `{"op":"unsubscribe","args":["orderbook.50.BTCUSDT"]}` {
		t.Fatalf("expected unsubscribe, got %s", got)
	}
	if got := sent(t, s); got != `{"op":"subscribe","args":["orderbook.50.BTCUSDT"]}` {
		t.Fatalf("expected resubscribe, got %s", got)
	}

	res, err := f.conn.Query(context.Background(), Query{Kind: QueryBook})
	if err != nil || !res.Stale || res.Book.Sequence != 101 {
		t.Fatalf("expected stale book at 101 while resyncing: %+v %v", res.Book, err)
	}

	push(t, s,
		`{"success":true,"ret_msg":"","conn_id":"a","op":"subscribe"}`,
		`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":4,"data":{"s":"BTCUSDT","b":[["98","1"]],"a":[["102","1"]],"u":200}}`,
	)
	f.states.waitFor(t, models.StateSubscribed)
	res = eventually(t, f.conn, Query{Kind: QueryBook}, func(r Result, err error) bool {
		return err == nil && !r.Stale
	})
	if res.Book.Sequence != 200 || !res.Book.Bids[0].Price.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("unexpected book after resync: %+v", res.Book)
	}
	if st := f.conn.Stats(); st.Desyncs != 1 || st.Resyncs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestReconnectAfterRemoteClose(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.Min = 100 * time.Millisecond
	cfg.Backoff.Max = 200 * time.Millisecond
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), cfg, 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s, krakenTradeAck, `[2,[["150.10","1.0","1700000000.1","b","l",""]],"trade","SOL/USD"]`)
	eventually(t, f.conn, Query{Kind: QueryTape}, func(r Result, err error) bool {
		return err == nil && len(r.Tape.Trades) == 1
	})

	s.CloseRemote(nil)
	f.states.waitFor(t, models.StateDisconnected)

	res, err := f.conn.Query(context.Background(), Query{Kind: QueryTape})
	if err != nil || !res.Stale || len(res.Tape.Trades) != 1 {
		t.Fatalf("expected stale tape while disconnected: %+v %v", res, err)
	}

	f.states.waitFor(t, models.StateConnecting)
	s2 := f.accept(t)
	sent(t, s2)
	push(t, s2, krakenTradeAck)
	f.states.waitFor(t, models.StateSubscribed)
	if f.pipe.Dials() != 2 {
		t.Fatalf("expected two dials, got %d", f.pipe.Dials())
	}
	if st := f.conn.Stats(); st.Reconnects != 1 {
		t.Fatalf("unexpected reconnects: %d", st.Reconnects)
	}
}

func TestRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MaxRetries = 2
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}

	pipe := transport.NewPipe()
	pipe.FailDials(10, errors.New("connection refused"))
	conn, err := New(Options{Channel: ch, Adapter: kraken.New("wss://kraken.test", 10), Dialer: pipe, Config: cfg, TapeCapacity: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-conn.Failed():
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not fail")
	}
	if !errors.Is(conn.Err(), models.ErrRetriesExhausted) {
		t.Fatalf("unexpected error: %v", conn.Err())
	}
	if pipe.Dials() != 3 {
		t.Fatalf("expected 3 dials, got %d", pipe.Dials())
	}
	res, err := conn.Query(context.Background(), Query{Kind: QueryState})
	if err != nil || res.State != models.StateFailed {
		t.Fatalf("unexpected state: %+v %v", res, err)
	}
}

func TestRejectionFails(t *testing.T) {
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "FOO/BAR"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), testConfig(), 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s, `{"errorMessage":"Currency pair not supported","event":"subscriptionStatus","pair":"FOO/BAR","status":"error","subscription":{"name":"trade"}}`)

	select {
	case <-f.conn.Failed():
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not fail")
	}
	var rej *models.SubscriptionRejectedError
	if !errors.As(f.conn.Err(), &rej) || rej.Channel != ch || rej.Reason != "Currency pair not supported" {
		t.Fatalf("unexpected error: %v", f.conn.Err())
	}
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session not closed after rejection")
	}
	if f.pipe.Dials() != 1 {
		t.Fatalf("rejected channel must not reconnect")
	}
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), cfg, 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s, krakenTradeAck)
	f.states.waitFor(t, models.StateSubscribed)
	f.states.waitFor(t, models.StateDisconnected)

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("idle session not closed")
	}
}

func TestAckTimeoutDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), cfg, 10)

	s := f.accept(t)
	sent(t, s)
	f.states.waitFor(t, models.StateDisconnected)
	f.accept(t)
}

func TestQueryAfterStop(t *testing.T) {
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), testConfig(), 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s, krakenTradeAck)
	f.states.waitFor(t, models.StateSubscribed)

	f.conn.Stop()
	if got := sent(t, s); got != `{"event":"unsubscribe","pair":["SOL/USD"],"subscription":{"name":"trade"}}` {
		t.Fatalf("expected unsubscribe, got %s", got)
	}
	<-f.conn.Done()

	if _, err := f.conn.Query(context.Background(), Query{Kind: QueryTape}); !errors.Is(err, models.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := f.conn.Start(context.Background()); err == nil {
		t.Fatalf("second Start should fail")
	}
}

func TestNewValidates(t *testing.T) {
	ch := models.Channel{Exchange: models.Bybit, Kind: models.Book, Market: "BTC/USDT"}
	if _, err := New(Options{Channel: ch, Adapter: kraken.New("", 10), Dialer: transport.NewPipe()}); err == nil {
		t.Fatalf("adapter for another exchange should be rejected")
	}
	if _, err := New(Options{Channel: ch, Dialer: transport.NewPipe()}); err == nil {
		t.Fatalf("missing adapter should be rejected")
	}
}

// depthServer serves Binance REST depth snapshots. The first request waits
// for release and reports lastUpdateId 100, later ones report 105.
func depthServer(t *testing.T, release <-chan struct{}) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := 105
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			id = 100
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"lastUpdateId":%d,"bids":[["100.0","1"]],"asks":[["101.0","1"]]}`, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const binanceAck = `{"result":null,"id":1}`

var binanceDiffs = []string{
	`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":95,"u":100,"b":[["99.0","1"]],"a":[]}`,
	`{"e":"depthUpdate","E":1700000000100,"s":"BTCUSDT","U":101,"u":103,"b":[["99.5","2"]],"a":[]}`,
	`{"e":"depthUpdate","E":1700000000200,"s":"BTCUSDT","U":104,"u":105,"b":[],"a":[["101.0","0"],["102.0","3"]]}`,
}

func startBinance(t *testing.T, cfg config.ConnectionConfig, release <-chan struct{}) (*fixture, *transport.PipeSession) {
	t.Helper()
	srv := depthServer(t, release)
	adapter := binance.New(binance.Options{URL: "wss://binance.test", RestURL: srv.URL, HTTPClient: srv.Client(), SnapshotLimit: 100})
	ch := models.Channel{Exchange: models.Binance, Kind: models.Book, Market: "BTC/USDT"}
	f := start(t, ch, adapter, cfg, 0)

	s := f.accept(t)
	if got := sent(t, s); !strings.Contains(got, `"btcusdt@depth@100ms"`) {
		t.Fatalf("unexpected subscribe: %s", got)
	}
	push(t, s, binanceAck)
	push(t, s, binanceDiffs...)
	eventually(t, f.conn, Query{Kind: QueryState}, func(Result, error) bool {
		return f.conn.Stats().Events == 4
	})
	return f, s
}

func TestRestSnapshotBridgesBufferedDiffs(t *testing.T) {
	release := make(chan struct{})
	f, _ := startBinance(t, testConfig(), release)

	if _, err := f.conn.Query(context.Background(), Query{Kind: QueryBook}); !errors.Is(err, models.ErrNotReady) {
		t.Fatalf("expected ErrNotReady while the snapshot is in flight, got %v", err)
	}
	close(release)

	res := eventually(t, f.conn, Query{Kind: QueryBook}, func(r Result, err error) bool {
		return err == nil && r.Book.Sequence == 105
	})
	book := res.Book
	if res.Stale {
		t.Fatalf("bridged book reported stale")
	}
	if len(book.Bids) != 2 || !book.Bids[1].Price.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("diff covered by the snapshot was applied or a newer one lost: %+v", book.Bids)
	}
	if len(book.Asks) != 1 || !book.Asks[0].Price.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("unexpected asks: %+v", book.Asks)
	}
	if st := f.conn.Stats(); st.DecodeErrors != 0 || st.Desyncs != 0 || st.Resyncs != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPendingOverflowResyncs(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingDiffs = 1
	release := make(chan struct{})
	f, _ := startBinance(t, cfg, release)

	eventually(t, f.conn, Query{Kind: QueryState}, func(Result, error) bool {
		return f.conn.Stats().DiffsDropped == 2
	})
	close(release)

	// The kept diff starts at 104 and no longer bridges snapshot 100.
	f.states.waitFor(t, models.StateResyncing)
	f.states.waitFor(t, models.StateSubscribed)
	res := eventually(t, f.conn, Query{Kind: QueryBook}, func(r Result, err error) bool {
		return err == nil && !r.Stale
	})
	if res.Book.Sequence != 105 {
		t.Fatalf("unexpected sequence after resync: %d", res.Book.Sequence)
	}
	if st := f.conn.Stats(); st.Desyncs != 1 || st.Resyncs != 1 || st.DecodeErrors != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestShallowBookKeepsChecksumDepth(t *testing.T) {
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Book, Market: "SOL/USD"}
	adapter := kraken.New("wss://kraken.test", 10)
	f := startWith(t, Options{Channel: ch, Adapter: adapter, Config: testConfig(), BookDepth: 5})

	var asks, bids, wireAsks, wireBids []string
	var askLevels, bidLevels []models.BookLevel
	for i := 0; i < 10; i++ {
		ap, bp := fmt.Sprintf("%d.0", 101+i), fmt.Sprintf("%d.0", 100-i)
		asks = append(asks, fmt.Sprintf(`["%s","1.0","1700000000.1"]`, ap))
		bids = append(bids, fmt.Sprintf(`["%s","1.0","1700000000.1"]`, bp))
		wireAsks, wireBids = append(wireAsks, ap), append(wireBids, bp)
	}
	for i := range wireAsks {
		askLevels = append(askLevels, models.BookLevel{Price: decimal.RequireFromString(wireAsks[i]), Size: decimal.RequireFromString("1.0")})
		size := "1.0"
		if wireBids[i] == "95.0" {
			size = "2.0"
		}
		bidLevels = append(bidLevels, models.BookLevel{Price: decimal.RequireFromString(wireBids[i]), Size: decimal.RequireFromString(size)})
	}
	checksum := adapter.Checksum(bidLevels, askLevels)

	s := f.accept(t)
	sent(t, s)
	push(t, s,
		krakenBookAck,
		fmt.Sprintf(`[1,{"as":[%s],"bs":[%s]},"book-10","SOL/USD"]`, strings.Join(asks, ","), strings.Join(bids, ",")),
		fmt.Sprintf(`[1,{"b":[["95.0","2.0","1700000001.1"]],"c":"%d"},"book-10","SOL/USD"]`, checksum),
	)

	res := eventually(t, f.conn, Query{Kind: QueryBook}, func(r Result, err error) bool {
		return err == nil && r.Book.Version == 2
	})
	if res.Stale {
		t.Fatalf("book should be synced")
	}
	if len(res.Book.Bids) != 5 || len(res.Book.Asks) != 5 {
		t.Fatalf("query should expose five levels, got %d bids %d asks", len(res.Book.Bids), len(res.Book.Asks))
	}
	if !res.Book.Bids[0].Price.Equal(decimal.NewFromInt(100)) || !res.Book.Bids[4].Size.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected bids: %+v", res.Book.Bids)
	}
	if st := f.conn.Stats(); st.Desyncs != 0 {
		t.Fatalf("checksum failed on a truncated book: %+v", st)
	}
}

const (
	hyperliquidTradeAck = `{"channel":"subscriptionResponse","data":{"method":"subscribe","subscription":{"type":"trades","coin":"SOL"}}}`
	hyperliquidTrades   = `{"channel":"trades","data":[{"coin":"SOL","side":"A","px":"150.2","sz":"2","time":1700000000001,"hash":"0xb","tid":12},{"coin":"SOL","side":"B","px":"150.1","sz":"1","time":1700000000000,"hash":"0xa","tid":11}]}`
)

func TestReplayedTradesAfterReconnectAreDropped(t *testing.T) {
	ch := models.Channel{Exchange: models.Hyperliquid, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, hyperliquid.New("wss://hyperliquid.test", time.Hour), testConfig(), 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s, hyperliquidTradeAck, hyperliquidTrades)
	eventually(t, f.conn, Query{Kind: QueryTape}, func(r Result, err error) bool {
		return err == nil && len(r.Tape.Trades) == 2
	})

	s.CloseRemote(nil)
	s2 := f.accept(t)
	sent(t, s2)
	push(t, s2,
		hyperliquidTradeAck,
		hyperliquidTrades,
		`{"channel":"trades","data":[{"coin":"SOL","side":"B","px":"150.3","sz":"1","time":1700000000002,"hash":"0xc","tid":13}]}`,
	)

	res := eventually(t, f.conn, Query{Kind: QueryTape}, func(r Result, err error) bool {
		return err == nil && len(r.Tape.Trades) > 0 && r.Tape.Trades[len(r.Tape.Trades)-1].Sequence == 13
	})
	var ids []string
	for _, tr := range res.Tape.Trades {
		ids = append(ids, tr.ID)
	}
	if got := strings.Join(ids, ","); got != "11,12,13" {
		t.Fatalf("unexpected tape ids: %s", got)
	}
	if st := f.conn.Stats(); st.TradesDropped != 2 {
		t.Fatalf("expected the replayed batch dropped, got %d", st.TradesDropped)
	}
}

func TestRejectionForAnotherSubscriptionIgnored(t *testing.T) {
	ch := models.Channel{Exchange: models.Hyperliquid, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, hyperliquid.New("wss://hyperliquid.test", time.Hour), testConfig(), 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s,
		hyperliquidTradeAck,
		`{"channel":"error","data":"Invalid subscription {\"type\":\"trades\",\"coin\":\"FOO\"}"}`,
		`{"channel":"error","data":"Already unsubscribed: {\"type\":\"l2Book\",\"coin\":\"SOL\"}"}`,
		hyperliquidTrades,
	)
	eventually(t, f.conn, Query{Kind: QueryTape}, func(r Result, err error) bool {
		return err == nil && len(r.Tape.Trades) == 2
	})
	if f.conn.Err() != nil {
		t.Fatalf("unrelated error failed the connection: %v", f.conn.Err())
	}
	if st := f.conn.Stats(); st.DecodeErrors != 2 || st.State != models.StateSubscribed {
		t.Fatalf("unexpected stats: %+v", st)
	}

	push(t, s, `{"channel":"error","data":"Invalid subscription {\"type\":\"trades\",\"coin\":\"SOL\"}"}`)
	select {
	case <-f.conn.Failed():
	case <-time.After(waitTimeout):
		t.Fatalf("rejection of this subscription did not fail the connection")
	}
	if !models.IsRejected(f.conn.Err()) {
		t.Fatalf("unexpected error: %v", f.conn.Err())
	}
}

func TestControlPingsKeepSessionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 60 * time.Millisecond
	ch := models.Channel{Exchange: models.Kraken, Kind: models.Tape, Market: "SOL/USD"}
	f := start(t, ch, kraken.New("wss://kraken.test", 10), cfg, 10)

	s := f.accept(t)
	sent(t, s)
	push(t, s, krakenTradeAck)
	f.states.waitFor(t, models.StateSubscribed)

	for i := 0; i < 25; i++ {
		s.Ping()
		time.Sleep(10 * time.Millisecond)
	}
	res, err := f.conn.Query(context.Background(), Query{Kind: QueryState})
	if err != nil || res.State != models.StateSubscribed || f.pipe.Dials() != 1 {
		t.Fatalf("pinged session was dropped: %+v %v dials=%d", res, err, f.pipe.Dials())
	}

	f.states.waitFor(t, models.StateDisconnected)
}
