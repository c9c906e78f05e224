package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/link"
	"github.com/shaunagostinho/obd-telemetry/internal/obd"
	"github.com/shaunagostinho/obd-telemetry/internal/session"
)

var adapter = link.Device{Name: "OBDII", Alias: "traccar", Address: "AA:BB:CC:DD:EE:FF", Port: "/dev/rfcomm0"}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newClock() *clock { return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

// connected returns a session linked to a fresh emulator.
func connected(t *testing.T) (*session.Session, *link.Emulator, *diag.Recorder, *clock) {
	t.Helper()
	dialer := link.NewDemoDialer()
	rec := diag.NewRecorder(1000)
	clk := newClock()
	s := session.New(session.Config{
		Dialer:         dialer,
		Diag:           rec,
		CommandTimeout: 200 * time.Millisecond,
		Now:            clk.Now,
	})
	s.SetDevice(adapter)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, dialer.Emulator, rec, clk
}

func hasEvent(rec *diag.Recorder, level, prefix string) bool {
	for _, ev := range rec.Events() {
		if ev.Level == level && strings.HasPrefix(ev.Message, prefix) {
			return true
		}
	}
	return false
}

func TestConnect(t *testing.T) {
	t.Run("initialises the adapter and reads the VIN", func(t *testing.T) {
		s, emu, rec, _ := connected(t)

		if !s.IsConnected() {
			t.Fatal("expected connected session")
		}
		if s.VIN() != link.DemoVIN {
			t.Errorf("VIN = %q, want %q", s.VIN(), link.DemoVIN)
		}
		if s.ID() == "" {
			t.Error("expected a session id")
		}
		if s.Name() != "OBDII AA:BB:CC:DD:EE:FF" {
			t.Errorf("Name = %q", s.Name())
		}

		counts := map[string]int{
			"ATZ": 3, "ATE0": 3, "ATL0": 3,
			"ATSP0": 1, "ATST7D": 1, "ATAT1": 1,
			"ATSH7DF": 1, "0902": 1,
		}
		for req, want := range counts {
			if got := emu.Count(req); got != want {
				t.Errorf("%s sent %d times, want %d", req, got, want)
			}
		}
		if !hasEvent(rec, "info", "obd connected 1 OBDII") {
			t.Error("missing connected status event")
		}
	})

	t.Run("is a no-op when connected", func(t *testing.T) {
		s, emu, _, _ := connected(t)
		before := len(emu.Requests())
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if len(emu.Requests()) != before {
			t.Error("second Connect talked to the adapter")
		}
	})

	t.Run("gives up after three attempts and backs off", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := link.NewMockDialer(ctrl)
		dialErr := errors.New("host is down")
		dialer.EXPECT().Dial(gomock.Any(), adapter).Return(nil, dialErr).Times(3)

		rec := diag.NewRecorder(0)
		clk := newClock()
		s := session.New(session.Config{Dialer: dialer, Diag: rec, Now: clk.Now})
		s.SetDevice(adapter)

		err := s.Connect(context.Background())
		if !errors.Is(err, dialErr) {
			t.Fatalf("expected dial error, got %v", err)
		}
		if s.IsConnected() {
			t.Error("session must not be connected")
		}
		if s.CanConnect() {
			t.Error("CanConnect must be false right after a failure")
		}
		clk.now = clk.now.Add(599 * time.Second)
		if s.CanConnect() {
			t.Error("CanConnect must stay false inside the backoff")
		}
		clk.now = clk.now.Add(2 * time.Second)
		if !s.CanConnect() {
			t.Error("CanConnect must be true after the backoff")
		}
		if !hasEvent(rec, "error", "obd error") {
			t.Error("missing error event")
		}
	})

	t.Run("stops retrying on first success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := link.NewMockDialer(ctrl)
		emu := link.NewEmulator()
		gomock.InOrder(
			dialer.EXPECT().Dial(gomock.Any(), adapter).Return(nil, errors.New("busy")),
			dialer.EXPECT().Dial(gomock.Any(), adapter).Return(emu, nil),
		)

		s := session.New(session.Config{Dialer: dialer, Diag: diag.NewRecorder(0)})
		s.SetDevice(adapter)
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if !s.IsConnected() || !s.CanConnect() {
			t.Error("a late success must leave the session connected without backoff")
		}
	})

	t.Run("requires a device", func(t *testing.T) {
		s := session.New(session.Config{Dialer: link.NewDemoDialer()})
		if err := s.Connect(context.Background()); !errors.Is(err, session.ErrNoDevice) {
			t.Errorf("expected ErrNoDevice, got %v", err)
		}
	})

	t.Run("cancellation does not back off", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := link.NewMockDialer(ctrl)
		ctx, cancel := context.WithCancel(context.Background())
		dialer.EXPECT().Dial(gomock.Any(), adapter).DoAndReturn(
			func(context.Context, link.Device) (link.Transport, error) {
				cancel()
				return nil, errors.New("dial interrupted")
			}).Times(1)

		rec := diag.NewRecorder(0)
		s := session.New(session.Config{Dialer: dialer, Diag: rec})
		s.SetDevice(adapter)

		err := s.Connect(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if !s.CanConnect() {
			t.Error("a cancelled connect must not start the backoff")
		}
		if hasEvent(rec, "error", "obd error") {
			t.Error("a cancelled connect must not report an adapter error")
		}
	})

	t.Run("SetDevice lifts the backoff", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := link.NewMockDialer(ctrl)
		dialer.EXPECT().Dial(gomock.Any(), gomock.Any()).Return(nil, errors.New("down")).Times(3)

		s := session.New(session.Config{Dialer: dialer, Diag: diag.NewRecorder(0)})
		s.SetDevice(adapter)
		s.Connect(context.Background())
		if s.CanConnect() {
			t.Fatal("expected backoff")
		}
		if err := s.Connect(context.Background()); !errors.Is(err, session.ErrBackingOff) {
			t.Errorf("Connect inside the backoff = %v, want ErrBackingOff", err)
		}
		s.SetDevice(link.Device{Name: "other", Port: "/dev/rfcomm1"})
		if !s.CanConnect() {
			t.Error("SetDevice must reset the backoff")
		}
	})
}

func TestRunDisconnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No expectations: any dial or transport use fails the test.
	dialer := link.NewMockDialer(ctrl)

	s := session.New(session.Config{Dialer: dialer})
	s.SetDevice(adapter)
	if res, ok := s.Run(context.Background(), obd.Speed()); ok || res != nil {
		t.Error("Run on a disconnected session must fail")
	}
}

func TestHeaderCaching(t *testing.T) {
	s, emu, _, _ := connected(t)
	ctx := context.Background()

	soc := obd.NewCalculated("7E4", "228334", obd.FormulaPercent, 1.0)
	for i := 0; i < 2; i++ {
		if _, ok := s.Run(ctx, soc); !ok {
			t.Fatalf("run %d failed", i)
		}
	}
	if got := emu.Count("ATSH7E4"); got != 1 {
		t.Errorf("ATSH7E4 sent %d times, want 1", got)
	}

	before := emu.Count("ATSH7DF")
	if _, ok := s.Run(ctx, obd.NewCalculated("", "01A6", obd.FormulaInt32, 100)); !ok {
		t.Fatal("odometer run failed")
	}
	if got := emu.Count("ATSH7DF") - before; got != 1 {
		t.Errorf("default header asserted %d times, want 1", got)
	}

	before = emu.Count("ATSH7DF")
	s.Run(ctx, obd.Speed())
	s.Run(ctx, obd.RPM())
	if emu.Count("ATSH7DF") != before {
		t.Error("default header re-asserted although unchanged")
	}
	s.Run(ctx, obd.EchoOff())
	if emu.Header() != "7DF" {
		t.Errorf("directive changed header to %q", emu.Header())
	}
}

func TestHeaderReassertedAfterReconnect(t *testing.T) {
	s, emu, _, _ := connected(t)
	ctx := context.Background()

	s.Run(ctx, obd.NewCalculated("7E1", "222889", obd.FormulaA, 1))
	s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	s.Run(ctx, obd.NewCalculated("7E1", "222889", obd.FormulaA, 1))
	if got := emu.Count("ATSH7E1"); got != 2 {
		t.Errorf("ATSH7E1 sent %d times, want 2", got)
	}
}

func TestRunDecodes(t *testing.T) {
	s, emu, rec, _ := connected(t)
	emu.Respond("7E4", "228334", "62 83 34 CC")

	res, ok := s.Run(context.Background(), obd.NewCalculated("7E4", "228334", obd.FormulaPercent, 1.0))
	if !ok {
		t.Fatal("run failed")
	}
	if res.Value != 80 || res.Calculated != "80.0" {
		t.Errorf("unexpected result %+v", res)
	}
	if !hasEvent(rec, "info", "Calculated 7E4 228334 PCT(A)|80.0|80.0|628334CC|") {
		t.Error("missing command event")
	}
}

func TestRunConcurrent(t *testing.T) {
	s, emu, _, _ := connected(t)
	emu.Respond("7E4", "228334", "62 83 34 CC")
	emu.Respond("7E0", "221234", "62 12 34 66")

	cases := []struct {
		cmd  obd.Calculated
		want string
	}{
		{obd.NewCalculated("7E4", "228334", obd.FormulaPercent, 1.0), "80.0"},
		{obd.NewCalculated("7E0", "221234", obd.FormulaPercent, 1.0), "40.0"},
	}

	var wg sync.WaitGroup
	errs := make(chan string, 2*len(cases))
	for _, tc := range cases {
		wg.Add(1)
		go func(cmd obd.Calculated, want string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				res, ok := s.Run(context.Background(), cmd)
				if !ok {
					errs <- cmd.Name() + ": run failed"
					return
				}
				if res.Calculated != want {
					errs <- cmd.Name() + ": got " + res.Calculated + ", want " + want
					return
				}
			}
		}(tc.cmd, tc.want)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
	if !s.IsConnected() {
		t.Error("interleaved requests must not drop the link")
	}
}

func TestRunDrainsStaleInput(t *testing.T) {
	s, emu, _, _ := connected(t)
	emu.Respond("", "010D", "41 0D 3C")
	emu.Inject("41 0D FF\r\r>")

	res, ok := s.Run(context.Background(), obd.Speed())
	if !ok {
		t.Fatal("run failed")
	}
	if res.Calculated != "60" {
		t.Errorf("speed = %q, stale bytes were parsed", res.Calculated)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		level string
		event string
	}{
		{"no data", "NO DATA", "info", "Nodata for command : "},
		{"malformed", "41 0C ZZ", "error", "NonNumericResponse for command : "},
		{"adapter fault", "CAN ERROR", "error", "ResponseError for command : "},
		{"stopped", "STOPPED", "error", "Stopped for command : "},
		{"unable to connect", "UNABLE TO CONNECT", "error", "UnableToConnect for command : "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, emu, rec, _ := connected(t)
			emu.Respond("", "010C", tt.reply)

			if _, ok := s.Run(context.Background(), obd.RPM()); ok {
				t.Fatal("expected failure")
			}
			if !s.IsConnected() || !s.CanConnect() {
				t.Error("protocol failures must keep the session up")
			}
			if !hasEvent(rec, tt.level, tt.event) {
				t.Errorf("missing %s event %q", tt.level, tt.event)
			}
		})
	}
}

func TestRunTransportFailure(t *testing.T) {
	t.Run("write error", func(t *testing.T) {
		s, emu, rec, _ := connected(t)
		emu.FailWrites(errors.New("broken pipe"))

		if _, ok := s.Run(context.Background(), obd.Speed()); ok {
			t.Fatal("expected failure")
		}
		if s.IsConnected() {
			t.Error("transport failure must disconnect")
		}
		if s.CanConnect() {
			t.Error("transport failure must back off")
		}
		if !hasEvent(rec, "error", "obd error") {
			t.Error("missing error event")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		s, emu, _, _ := connected(t)
		emu.Stall("010C")

		if _, ok := s.Run(context.Background(), obd.RPM()); ok {
			t.Fatal("expected failure")
		}
		if s.IsConnected() || s.CanConnect() {
			t.Error("timeout must disconnect and back off")
		}
		if _, ok := s.Run(context.Background(), obd.Speed()); ok {
			t.Error("run after disconnect must fail")
		}
	})
}

func TestInitIsBestEffort(t *testing.T) {
	dialer := link.NewDemoDialer()
	dialer.Emulator.Respond("", "0902", "NO DATA")
	dialer.Emulator.Respond("", "AT SP 0", "?")

	s := session.New(session.Config{Dialer: dialer, Diag: diag.NewRecorder(0)})
	s.SetDevice(adapter)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.IsConnected() {
		t.Error("init failures must not abort the session")
	}
	if s.VIN() != "" {
		t.Errorf("VIN = %q, want empty", s.VIN())
	}
}
