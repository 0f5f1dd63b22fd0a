// Package channel runs one streaming connection per subscribed channel. A
// Connection owns its transport session, order book or tape and state
// machine; everything else talks to it through messages.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cryptoagg/config"
	"cryptoagg/logger"
	"cryptoagg/models"
	"cryptoagg/processor"
	"cryptoagg/reader"
	"cryptoagg/transport"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// Options configures a Connection.
type Options struct {
	Channel models.Channel
	Adapter reader.Adapter
	Dialer  transport.Dialer
	// Limiter paces dials; it is usually shared by every connection to the
	// same exchange. Nil disables pacing.
	Limiter      *rate.Limiter
	Config       config.ConnectionConfig
	TapeCapacity int
	BookDepth    int
	// LocalIP is only used to label rate limit reports.
	LocalIP string
	Log     *logger.Log
	// OnStateChange is called on the connection goroutine after every
	// transition. It must not block.
	OnStateChange func(from, to models.ConnectionState)
}

// Connection is the state machine of one channel.
type Connection struct {
	id      string
	ch      models.Channel
	adapter reader.Adapter
	dialer  transport.Dialer
	limiter *rate.Limiter
	cfg     config.ConnectionConfig
	localIP string
	log     *logger.Log
	onState func(from, to models.ConnectionState)

	queries chan queryMsg
	stop    chan struct{}
	done    chan struct{}
	ready   chan struct{}
	failed  chan struct{}

	stopOnce  sync.Once
	readyOnce sync.Once
	failOnce  sync.Once

	mu      sync.RWMutex
	running bool

	stats statsHolder

	// Everything below is owned by the loop goroutine.
	state     models.ConnectionState
	failErr   error
	book      *processor.Book
	viewDepth int
	tape      *processor.Tape
	localSeq  uint64
	lastFrame time.Time
	retries   int
	backoff   *backoff.Backoff

	sess     *session
	dial     *dialAttempt
	snapshot *snapshotFetch
	pending  []models.BookDiff
	activity time.Time

	idle      *time.Timer
	ack       *time.Timer
	ping      *time.Ticker
	reconnect *time.Timer
}

// New creates a connection in the Connecting state. Nothing happens until
// Start is called.
func New(opts Options) (*Connection, error) {
	if err := opts.Channel.Validate(); err != nil {
		return nil, err
	}
	if opts.Adapter == nil || opts.Dialer == nil {
		return nil, fmt.Errorf("connection %s: adapter and dialer are required", opts.Channel)
	}
	if opts.Adapter.Exchange() != opts.Channel.Exchange {
		return nil, fmt.Errorf("connection %s: adapter is for %s", opts.Channel, opts.Adapter.Exchange())
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}
	queryBuffer := opts.Config.QueryBuffer
	if queryBuffer <= 0 {
		queryBuffer = 16
	}

	bc := opts.Config.Backoff
	c := &Connection{
		id:      uuid.NewString(),
		ch:      opts.Channel,
		adapter: opts.Adapter,
		dialer:  opts.Dialer,
		limiter: opts.Limiter,
		cfg:     opts.Config,
		localIP: opts.LocalIP,
		log:     opts.Log,
		onState: opts.OnStateChange,
		queries: make(chan queryMsg, queryBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		failed:  make(chan struct{}),
		state:   models.StateConnecting,
		backoff: &backoff.Backoff{
			Min:    bc.Min,
			Max:    bc.Max,
			Factor: bc.Factor,
			Jitter: bc.Jitter,
		},
	}

	switch opts.Channel.Kind {
	case models.Book:
		depth := opts.BookDepth
		var checksum processor.ChecksumFunc
		if cs, ok := opts.Adapter.(reader.Checksummer); ok {
			// A checksum covers the venue's own depth, so the book keeps at
			// least that many levels and BookDepth only trims query results.
			checksum = cs.Checksum
			depth = 0
		}
		if d, ok := opts.Adapter.(reader.DepthLimiter); ok && (depth <= 0 || d.Depth() < depth) {
			depth = d.Depth()
		}
		c.book = processor.NewBook(depth, checksum)
		c.viewDepth = opts.BookDepth
	case models.Tape:
		c.tape = processor.NewTape(opts.TapeCapacity)
	}
	c.stats.update(func(s *Stats) { s.State = c.state })
	return c, nil
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Channel() models.Channel { return c.ch }

// Ready is closed once the channel is subscribed for the first time.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// Failed is closed when the connection gives up; Err then reports why.
func (c *Connection) Failed() <-chan struct{} { return c.failed }

// Done is closed when the connection goroutine has exited and released its
// session.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the failure cause once Failed is closed, nil before.
func (c *Connection) Err() error {
	select {
	case <-c.failed:
		return c.failErr
	default:
		return nil
	}
}

// Start launches the connection goroutine. It stops when ctx is cancelled
// or Stop is called.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already running", c.ch)
	}
	c.running = true
	c.mu.Unlock()

	c.log.WithComponent("connection").WithFields(logger.Fields{
		"channel":       c.ch.String(),
		"connection_id": c.id,
		"url":           c.adapter.Endpoint(),
	}).Info("starting connection")

	go c.run(ctx)
	return nil
}

// Stop asks the connection to unsubscribe and exit. It does not wait; use
// Done for that.
func (c *Connection) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
