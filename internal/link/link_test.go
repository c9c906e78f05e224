package link

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/obd-telemetry/internal/elm"
)

func TestMatch(t *testing.T) {
	devices := []Device{
		{Name: "Headset", Address: "00:11:22:33:44:55"},
		{Name: "OBDII", Alias: "Traccar OBD", Address: "AA:BB:CC:DD:EE:FF", Port: "/dev/rfcomm0"},
		{Name: "traccar-spare", Address: "AA:BB:CC:DD:EE:00"},
	}

	dev, ok := Match(devices, "traccar")
	if !ok {
		t.Fatal("expected a match")
	}
	if dev.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("matched %v, want the aliased adapter", dev)
	}
	if dev.String() != "OBDII AA:BB:CC:DD:EE:FF" {
		t.Errorf("String() = %q", dev.String())
	}

	if _, ok := Match(devices, "vgate"); ok {
		t.Error("unexpected match")
	}
}

func TestSerialDialerNoPort(t *testing.T) {
	_, err := SerialDialer{}.Dial(context.Background(), Device{Name: "x"})
	if !errors.Is(err, ErrNoPort) {
		t.Errorf("expected ErrNoPort, got %v", err)
	}
}

func TestSerialDialerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SerialDialer{}.Dial(ctx, Device{Port: "/dev/nonexistent"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEmulatorEchoAndHeaders(t *testing.T) {
	emu := NewEmulator()
	ctx := context.Background()

	raw, err := elm.Exchange(ctx, emu, "AT Z")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(raw, "ELM327") {
		t.Errorf("reset reply %q", raw)
	}
	if _, err := elm.Exchange(ctx, emu, "AT E0"); err != nil {
		t.Fatalf("echo off: %v", err)
	}

	raw, err = elm.Exchange(ctx, emu, "09 02")
	if err != nil {
		t.Fatalf("vin: %v", err)
	}
	if !strings.HasPrefix(raw, "0140:490201") {
		t.Errorf("vin reply %q", raw)
	}

	if _, err := elm.Exchange(ctx, emu, "22 83 34"); err == nil {
		t.Error("expected NO DATA under the default header")
	}
	if _, err := elm.Exchange(ctx, emu, "AT SH 7E4"); err != nil {
		t.Fatalf("set header: %v", err)
	}
	if emu.Header() != "7E4" {
		t.Errorf("header = %q", emu.Header())
	}
	raw, err = elm.Exchange(ctx, emu, "228334")
	if err != nil {
		t.Fatalf("soc: %v", err)
	}
	if !strings.HasPrefix(raw, "628334") {
		t.Errorf("soc reply %q", raw)
	}
	if emu.Count("AT SH 7E4") != 1 {
		t.Errorf("Count = %d", emu.Count("AT SH 7E4"))
	}
}

func TestEmulatorScriptedReply(t *testing.T) {
	emu := NewEmulator()
	emu.Respond("", "01 0D", "41 0D 3C")
	raw, err := elm.Exchange(context.Background(), emu, "010D")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Echo is still on, so the request precedes the reply.
	if raw != "010D410D3C" {
		t.Errorf("raw = %q", raw)
	}
}

func TestDemoDialerReopens(t *testing.T) {
	d := NewDemoDialer()
	tr, err := d.Dial(context.Background(), Device{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tr.Close()
	if _, err := tr.Write([]byte("ATZ\r")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := d.Dial(context.Background(), Device{}); err != nil {
		t.Fatalf("redial: %v", err)
	}
	if _, err := tr.Write([]byte("ATZ\r")); err != nil {
		t.Errorf("write after redial: %v", err)
	}
}

func TestEmulatorFaults(t *testing.T) {
	emu := NewEmulator()
	ctx := context.Background()
	elm.Exchange(ctx, emu, "AT E0")

	emu.Respond("", "AT SP 0", "?")
	if _, err := elm.Exchange(ctx, emu, "AT SP 0"); err == nil {
		t.Error("scripted AT reply must override the built-in OK")
	}

	emu.Stall("0902")
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := elm.Exchange(short, emu, "09 02"); !errors.Is(err, elm.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}

	boom := errors.New("broken pipe")
	emu.FailWrites(boom)
	if _, err := elm.Exchange(ctx, emu, "010D"); !errors.Is(err, boom) {
		t.Errorf("expected write error, got %v", err)
	}
	emu.FailWrites(nil)

	emu.Inject("stale>")
	emu.ResetInputBuffer()
	if _, err := elm.Exchange(ctx, emu, "010D"); err != nil {
		t.Errorf("exchange after drain: %v", err)
	}
}
