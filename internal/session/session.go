// Package session owns the link to one ELM327 adapter: it connects with
// retries and backoff, initialises the adapter, keeps track of the asserted
// ECU header and runs commands one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/elm"
	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/obd"
)

// Config holds session tuning. Zero values take the defaults noted on
// each field.
type Config struct {
	Dialer link.Dialer
	Diag   diag.Sink

	Attempts       int           // transport open attempts per Connect (3)
	Backoff        time.Duration // connect embargo after a link failure (10m)
	CommandTimeout time.Duration // caller-side deadline per exchange (5s)
	AdapterTimeout byte          // AT ST value, 4 ms units (125)
	InitResets     int           // reset/echo/linefeed passes on connect (3)
	DefaultHeader  string        // header for requests naming no ECU (7DF)

	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Diag == nil {
		c.Diag = diag.Log{}
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 10 * time.Minute
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.AdapterTimeout == 0 {
		c.AdapterTimeout = 125
	}
	if c.InitResets <= 0 {
		c.InitResets = 3
	}
	if c.DefaultHeader == "" {
		c.DefaultHeader = elm.DefaultHeader
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// noHeader is the asserted-header value of a fresh link. No real header is
// empty, so the first addressed command always asserts its header.
const noHeader = ""

// Session is safe for concurrent use; commands are serialised internally
// because the adapter link is half-duplex.
type Session struct {
	mu  sync.Mutex
	cfg Config

	dev       link.Device
	hasDevice bool

	tr          link.Transport
	connected   bool
	nextConnect time.Time
	lastHeader  string
	vin         string
	id          string
}

// New creates a session with no device assigned.
func New(cfg Config) *Session {
	cfg.setDefaults()
	return &Session{cfg: cfg, lastHeader: noHeader}
}

// SetDevice drops any current link, assigns dev and lifts the backoff.
func (s *Session) SetDevice(dev link.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect()
	s.dev = dev
	s.hasDevice = true
	s.nextConnect = time.Time{}
}

// Device returns the assigned device.
func (s *Session) Device() (link.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev, s.hasDevice
}

// Name is the assigned device's name and address.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.String()
}

// Connect opens the link if it is not already open. Up to Attempts opens
// are tried; the first success initialises the adapter and returns. When
// every attempt fails the session backs off, reports the error and stays
// disconnected. Inside the backoff Connect returns ErrBackingOff without
// dialing.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if !s.hasDevice {
		return ErrNoDevice
	}
	if s.cfg.Dialer == nil {
		return ErrNoDialer
	}
	if !s.cfg.Now().After(s.nextConnect) {
		return ErrBackingOff
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		tr, err := s.cfg.Dialer.Dial(ctx, s.dev)
		if err == nil && tr == nil {
			err = ErrNoTransport
		}
		if err != nil {
			lastErr = err
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancelled by the caller: no backoff, the link is not at fault.
				return fmt.Errorf("session: connect %s: %w", s.dev, ctxErr)
			}
			continue
		}

		s.tr = tr
		s.connected = true
		s.lastHeader = noHeader
		s.vin = ""
		s.id = uuid.NewString()
		s.cfg.Diag.Message(fmt.Sprintf("obd connected %d %s", attempt, s.dev), true)

		s.initAdapter(ctx)
		if !s.connected {
			return fmt.Errorf("session: %s: link lost during adapter init", s.dev)
		}
		return nil
	}

	s.fail(lastErr)
	return fmt.Errorf("session: connect %s: %w", s.dev, lastErr)
}

// initAdapter configures the adapter. Each step is best effort: failures are
// reported through the diagnostic sink by run and do not abort the session.
// Some clones ignore the first reset, hence the repeated passes.
func (s *Session) initAdapter(ctx context.Context) {
	for i := 0; i < s.cfg.InitResets; i++ {
		s.run(ctx, obd.Reset())
		s.run(ctx, obd.EchoOff())
		s.run(ctx, obd.LineFeedOff())
	}
	s.run(ctx, obd.SelectProtocol(elm.ProtocolAuto))
	s.run(ctx, obd.Timeout(s.cfg.AdapterTimeout))
	s.run(ctx, obd.AdaptiveTiming(1))

	if res, ok := s.run(ctx, obd.VIN()); ok {
		s.vin = res.Calculated
	}
}

// Disconnect closes the link. It is safe to call when not connected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnect()
}

func (s *Session) disconnect() {
	if s.connected && s.tr != nil {
		s.tr.Close()
	}
	s.tr = nil
	s.connected = false
}

// fail handles a link-level failure: back off, report, disconnect.
func (s *Session) fail(err error) {
	s.nextConnect = s.cfg.Now().Add(s.cfg.Backoff)
	s.cfg.Diag.Error("obd error", err)
	s.disconnect()
}

// CanConnect reports whether the backoff period has elapsed.
func (s *Session) CanConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Now().After(s.nextConnect)
}

// NextConnect is the earliest time a connection may be attempted.
func (s *Session) NextConnect() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextConnect
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// VIN returns the VIN read while connecting, or "" when it could not be
// read.
func (s *Session) VIN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vin
}

// ID identifies the current link; a new id is issued on every connect.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Run executes cmd and returns its decoded result. It reports false when
// not connected or when the exchange failed; failures are reported to the
// diagnostic sink, and link failures also disconnect and back off.
func (s *Session) Run(ctx context.Context, cmd obd.Command) (*obd.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, cmd)
}

func (s *Session) run(ctx context.Context, cmd obd.Command) (*obd.Result, bool) {
	if !s.connected {
		return nil, false
	}

	// Stale bytes from an earlier timed-out exchange would be read as the
	// start of this reply.
	if err := s.tr.ResetInputBuffer(); err != nil {
		s.fail(fmt.Errorf("drain input: %w", err))
		return nil, false
	}

	if !obd.IsDirective(cmd) {
		header := noHeader
		if a, ok := cmd.(obd.Addresser); ok {
			header = a.Header()
		}
		if !s.assertHeader(ctx, header) {
			return nil, false
		}
	}

	exCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	raw, err := elm.Exchange(exCtx, s.tr, cmd.Request())
	var res *obd.Result
	if err == nil {
		res, err = cmd.Decode(raw)
	}
	if err != nil {
		s.handleFailure(cmd, err)
		return nil, false
	}

	s.cfg.Diag.Message(res.String(), false)
	return res, true
}

// assertHeader sends AT SH only when the wanted header differs from the one
// last asserted on this link. It reports whether the link is still up.
func (s *Session) assertHeader(ctx context.Context, header string) bool {
	if header == noHeader {
		header = s.cfg.DefaultHeader
	}
	if header == s.lastHeader {
		return true
	}
	s.lastHeader = header
	if _, ok := s.run(ctx, obd.SetHeader(header)); !ok {
		// The adapter state is unknown; force the next command to re-assert.
		s.lastHeader = noHeader
	}
	return s.connected
}

func (s *Session) handleFailure(cmd obd.Command, err error) {
	var e *elm.Error
	if !errors.As(err, &e) || e.Kind == elm.KindTransport {
		s.fail(err)
		return
	}

	line := cmd.Name() + "|||" + e.Raw + "|"
	switch e.Kind {
	case elm.KindNoData:
		s.cfg.Diag.Message("Nodata for command : "+line, false)
	default:
		s.cfg.Diag.Error(e.Kind.String()+" for command : "+line, err)
	}
}
