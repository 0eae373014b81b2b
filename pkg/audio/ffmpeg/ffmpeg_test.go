package ffmpeg

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callpilot/pkg/audio"
)

func testConfig() audio.DeviceConfig {
	return audio.DeviceConfig{
		Mode:          audio.ModeAggregate,
		Driver:        "alsa",
		Device:        "hw:Loopback,1",
		SampleRate:    16000,
		BitDepth:      16,
		FrameDuration: 100 * time.Millisecond,
		Operator:      audio.ChannelGroup{Offset: 0, Count: 2},
		Counterparty:  audio.ChannelGroup{Offset: 2, Count: 2},
	}
}

// shell returns a CommandFunc that ignores the ffmpeg arguments and runs
// script with /bin/sh instead.
func shell(t *testing.T, script string) CommandFunc {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return func(ctx context.Context, _ []string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	args, err := buildArgs(testConfig())
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	got := strings.Join(args, " ")
	want := "-hide_banner -loglevel error -nostdin -f alsa -i hw:Loopback,1 -ac 4 -ar 16000 -f s16le -"
	if got != want {
		t.Errorf("args:\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildArgs_NoDriver32Bit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Driver = ""
	cfg.BitDepth = 32
	cfg.Mode = audio.ModeSingle
	cfg.Counterparty = audio.ChannelGroup{Offset: 0, Count: 1}
	args, err := buildArgs(cfg)
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	got := strings.Join(args, " ")
	want := "-hide_banner -loglevel error -nostdin -i hw:Loopback,1 -ac 1 -ar 16000 -f s32le -"
	if got != want {
		t.Errorf("args:\n got: %s\nwant: %s", got, want)
	}
}

func TestBuildArgs_Invalid(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BitDepth = 24
	if _, err := buildArgs(cfg); err == nil {
		t.Error("expected error for 24-bit capture")
	}

	cfg = testConfig()
	cfg.Device = ""
	if _, err := buildArgs(cfg); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestOpen_ReadsUntilDisconnect(t *testing.T) {
	t.Parallel()

	p := New(WithCommand(shell(t, "head -c 6400 /dev/zero; echo 'device removed' >&2")))
	s, err := p.Open(t.Context(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Stop()

	if got := s.Format(); got.Channels != 4 || got.SampleRate != 16000 {
		t.Errorf("Format() = %+v", got)
	}

	buf := make([]byte, 1600)
	total := 0
	var readErr error
	for readErr == nil {
		var n int
		n, readErr = s.Read(buf)
		total += n
	}
	if total != 6400 {
		t.Errorf("read %d bytes, want 6400", total)
	}
	if !errors.Is(readErr, audio.ErrDeviceDisconnected) {
		t.Fatalf("final Read err = %v, want ErrDeviceDisconnected", readErr)
	}
	if !strings.Contains(readErr.Error(), "device removed") {
		t.Errorf("error %q does not carry ffmpeg stderr", readErr)
	}
}

func TestOpen_ProcessFailsImmediately(t *testing.T) {
	t.Parallel()

	p := New(WithCommand(shell(t, "echo 'hw:Loopback,1: No such device' >&2; exit 1")))
	_, err := p.Open(t.Context(), testConfig())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Open err = %v, want ErrDeviceUnavailable", err)
	}
	if !strings.Contains(err.Error(), "No such device") {
		t.Errorf("error %q does not carry ffmpeg stderr", err)
	}
}

func TestOpen_SilentDeviceTimesOut(t *testing.T) {
	t.Parallel()

	p := New(
		WithCommand(shell(t, "sleep 5")),
		WithOpenTimeout(50*time.Millisecond),
	)
	start := time.Now()
	_, err := p.Open(t.Context(), testConfig())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Open err = %v, want ErrDeviceUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Open took %s, expected the silent process to be killed promptly", elapsed)
	}
}

func TestStop_UnblocksReadAndIsIdempotent(t *testing.T) {
	t.Parallel()

	p := New(WithCommand(shell(t, "exec cat /dev/zero")))
	s, err := p.Open(t.Context(), testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	buf := make([]byte, 4096)
	var readErr error
	for range 1000 {
		if _, readErr = s.Read(buf); readErr != nil {
			break
		}
	}
	if !errors.Is(readErr, io.EOF) {
		t.Errorf("Read after Stop err = %v, want io.EOF", readErr)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	ok := New(WithCommand(shell(t, "exec cat /dev/zero")))
	if err := ok.Probe(t.Context(), testConfig()); err != nil {
		t.Errorf("Probe on working device: %v", err)
	}

	bad := New(WithCommand(shell(t, "exit 1")))
	if err := bad.Probe(t.Context(), testConfig()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Probe on missing device: err = %v, want ErrDeviceUnavailable", err)
	}
}
