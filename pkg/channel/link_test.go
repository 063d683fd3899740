// Link channel tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/metrics"
	"tankdrive-go/pkg/profile"
)

// serveSim connects a Link to a Sim through an in-memory pipe.
func serveSim(t *testing.T, cfg SimConfig) (*Link, *Sim) {
	t.Helper()
	host, dev := net.Pipe()
	sim := NewSim("dev", cfg)
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), dev, sim) }()
	t.Cleanup(func() {
		host.Close()
		dev.Close()
		<-done
	})
	return NewLink("left", host, LinkConfig{MinBufferedPoints: cfg.MinBufferedPoints}), sim
}

func TestLinkPlayback(t *testing.T) {
	link, sim := serveSim(t, SimConfig{MinBufferedPoints: 2, FillRate: 1000})

	assert.True(t, link.IsFinished(), "nothing loaded means nothing left to play")
	require.NoError(t, link.HoldCurrentPosition(), "hold before load is a local no-op")

	require.NoError(t, link.LoadProfile(uniform(t, 3, 0.01)))
	assert.Equal(t, Loaded, link.State())
	assert.Equal(t, Loaded, sim.State())
	assert.False(t, link.IsBufferReady(), "no status polled yet")
	assert.False(t, link.IsFinished())
	assert.ErrorIs(t, link.StartStreaming(), ErrBufferNotReady)

	sim.Advance(10 * time.Millisecond)
	require.NoError(t, link.Poll())
	assert.Equal(t, 3, link.Buffered())
	require.True(t, link.IsBufferReady())

	require.NoError(t, link.StartStreaming())
	assert.Equal(t, Running, sim.State())
	assert.False(t, link.IsFinished())

	sim.Advance(100 * time.Millisecond)
	require.NoError(t, link.Poll())
	assert.Equal(t, LinkStatus{State: Finished}, link.Status())
	assert.True(t, link.IsFinished())

	require.NoError(t, link.HoldCurrentPosition())
	assert.True(t, sim.Holding())
	sp, _ := sim.Setpoint()
	assert.Equal(t, 3.0, sp.Position)
}

func TestLinkDisable(t *testing.T) {
	link, sim := serveSim(t, SimConfig{MinBufferedPoints: 1, FillRate: 1000})
	require.NoError(t, link.LoadProfile(uniform(t, 50, 0.01)))
	require.NoError(t, link.DisableOutput())
	assert.True(t, sim.Disabled())
	assert.Equal(t, Idle, link.State())
}

func TestLinkLoadSendsExactValues(t *testing.T) {
	link, sim := serveSim(t, SimConfig{MinBufferedPoints: 1, FillRate: 1000})
	p, err := profile.New([]profile.Point{{Position: 0.1, Velocity: -2.5e-3, Acceleration: 1e9, DT: 0.015}})
	require.NoError(t, err)
	require.NoError(t, link.LoadProfile(p))

	sim.Advance(10 * time.Millisecond)
	require.NoError(t, sim.StartStreaming())
	sp, ok := sim.Setpoint()
	require.True(t, ok)
	assert.Equal(t, p.At(0), sp)
}

// scripted replays canned controller replies and records what was sent.
type scripted struct {
	sent    bytes.Buffer
	replies *strings.Reader
}

func (s *scripted) Read(p []byte) (int, error)  { return s.replies.Read(p) }
func (s *scripted) Write(p []byte) (int, error) { return s.sent.Write(p) }

func TestLinkControllerErrors(t *testing.T) {
	rw := &scripted{replies: strings.NewReader("ERR buffer full\nSTATUS spinning 1 2\nSTATUS running x 2\n")}
	link := NewLink("left", rw, LinkConfig{})

	err := link.LoadProfile(uniform(t, 1, 0.01))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "buffer full")
	assert.Equal(t, Idle, link.State(), "failed load must not change cached state")

	err = link.Poll()
	assert.True(t, errors.Is(err, errors.ErrChannelIO), "got %v", err)
	err = link.Poll()
	assert.True(t, errors.Is(err, errors.ErrChannelIO), "got %v", err)

	err = link.Poll()
	assert.True(t, errors.Is(err, errors.ErrChannelIO), "EOF: got %v", err)
	assert.ErrorIs(t, err, io.EOF)

	assert.True(t, strings.HasPrefix(rw.sent.String(), "LOAD 1\nPT 1 1 0 0.01\n"), rw.sent.String())
}

// stalling delivers replies in chunks; a nil chunk reads as a timeout.
type stalling struct {
	sent   bytes.Buffer
	chunks [][]byte
}

var errReadTimeout = stderrors.New("read timeout")

func (s *stalling) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	if c == nil {
		return 0, errReadTimeout
	}
	return copy(p, c), nil
}

func (s *stalling) Write(p []byte) (int, error) { return s.sent.Write(p) }

func TestLinkResyncAfterReadTimeout(t *testing.T) {
	rw := &stalling{chunks: [][]byte{
		[]byte("OK\n"),
		nil,
		[]byte("STATUS loaded 5 3\nSYNC 1\nERR disable refused\n"),
	}}
	link := NewLink("left", rw, LinkConfig{MinBufferedPoints: 2})

	require.NoError(t, link.LoadProfile(uniform(t, 3, 0.01)))
	err := link.Poll()
	assert.ErrorIs(t, err, errReadTimeout)

	err = link.DisableOutput()
	require.Error(t, err, "late STATUS reply must not be taken as the DISABLE answer")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "disable refused")
	assert.Equal(t, Loaded, link.State())
	assert.True(t, strings.HasSuffix(rw.sent.String(), "STATUS\nSYNC 1\nDISABLE\n"), rw.sent.String())
}

func TestLinkFailsUntilResynced(t *testing.T) {
	rw := &stalling{chunks: [][]byte{
		[]byte("OK\n"),
		nil,
		nil,
		[]byte("OK\nSYNC 2\nOK\n"),
	}}
	link := NewLink("left", rw, LinkConfig{})

	require.NoError(t, link.LoadProfile(uniform(t, 1, 0.01)))
	assert.Error(t, link.Poll())

	err := link.HoldCurrentPosition()
	assert.ErrorIs(t, err, errReadTimeout, "resync itself timed out")
	assert.Equal(t, Loaded, link.State())
	assert.NotContains(t, rw.sent.String(), "HOLD", "no command is sent before the link resyncs")

	require.NoError(t, link.HoldCurrentPosition())
	assert.Equal(t, Idle, link.State())
	assert.True(t, strings.HasSuffix(rw.sent.String(), "SYNC 1\nSYNC 2\nHOLD\n"), rw.sent.String())
}

func TestServeProtocolErrors(t *testing.T) {
	host, dev := net.Pipe()
	defer host.Close()
	sim := NewSim("dev", SimConfig{})
	go Serve(context.Background(), dev, sim)

	r := bufio.NewReader(host)
	send := func(lines string) string {
		t.Helper()
		go io.WriteString(host, lines)
		reply, err := r.ReadString('\n')
		require.NoError(t, err)
		return strings.TrimSpace(reply)
	}

	assert.Equal(t, "ERR unknown command \"JUMP\"", send("JUMP\n"))
	assert.True(t, strings.HasPrefix(send("LOAD 2\nPT 1 0 0 0.01\nPT bogus\n"), "ERR point 1"))
	assert.Equal(t, "STATUS idle 0 0", send("STATUS\n"), "stream stays in sync after a bad load")
	assert.Equal(t, "OK", send("LOAD 1\nPT 1 0 0 0.01\n"))
	assert.Equal(t, "STATUS loaded 0 1", send("STATUS\n"))
	assert.Equal(t, "SYNC 7", send("SYNC 7\n"))
	assert.True(t, strings.HasPrefix(send("START\n"), "ERR "))
	dev.Close()
}

func TestInstrumentedCountsCalls(t *testing.T) {
	dm := metrics.NewDrivetrainMetrics()
	sim := NewSim("left", SimConfig{MinBufferedPoints: 1, FillRate: 1000})
	ch := Instrument("left", sim, dm)

	require.NoError(t, ch.LoadProfile(uniform(t, 2, 0.01)))
	assert.False(t, ch.IsBufferReady())
	sim.Advance(10 * time.Millisecond)
	assert.True(t, ch.IsBufferReady())
	require.NoError(t, ch.StartStreaming())
	assert.Error(t, ch.LoadProfile(uniform(t, 2, 0.01)))
	require.NoError(t, ch.HoldCurrentPosition())

	assert.Equal(t, uint64(2), dm.ChannelCalls.Get(metrics.Labels{"channel": "left", "call": "load_profile"}))
	assert.Equal(t, uint64(2), dm.ChannelCalls.Get(metrics.Labels{"channel": "left", "call": "is_buffer_ready"}))
	assert.Equal(t, uint64(1), dm.ChannelCalls.Get(metrics.Labels{"channel": "left", "call": "hold"}))
	assert.Equal(t, 2.0, dm.ChannelBuffered.Get(metrics.Labels{"channel": "left"}))
	assert.Equal(t, Idle, ch.State())
	assert.Same(t, sim, ch.Unwrap())
}
