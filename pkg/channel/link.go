// Motion profile channel over a controller link
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package channel

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"tankdrive-go/pkg/errors"
	"tankdrive-go/pkg/log"
	"tankdrive-go/pkg/profile"
	"tankdrive-go/pkg/reactor"
)

// Link protocol, one command per line, host to controller:
//
//	LOAD <n>                   followed by n PT lines, answered once
//	PT <pos> <vel> <acc> <dt>
//	START | HOLD | DISABLE
//	STATUS                     answered with STATUS <state> <buffered> <remaining>
//	SYNC <seq>                 echoed back verbatim
//
// Every other command is answered with "OK" or "ERR <message>".

// maxStaleReplies bounds how many leftover lines a resync discards.
const maxStaleReplies = 64

// LinkStatus is the controller state last reported by STATUS.
type LinkStatus struct {
	State     State
	Buffered  int
	Remaining int
}

// LinkConfig configures a Link.
type LinkConfig struct {
	// MinBufferedPoints is the readiness threshold. Default 10.
	MinBufferedPoints int
}

// Link is a Channel backed by a motor controller speaking the line
// protocol over rw. IsBufferReady and IsFinished read the status cached
// by the last Poll, so they never block on I/O.
type Link struct {
	mu     sync.Mutex
	name   string
	rw     io.ReadWriter
	br     *bufio.Reader
	cfg    LinkConfig
	logger *log.Logger

	total      int
	everLoaded bool
	status     LinkStatus
	polled     bool

	// needSync is set after a failed exchange; the reply to that command
	// may still arrive and must not be taken for the next one.
	needSync bool
	syncSeq  uint64
}

// NewLink wraps rw.
func NewLink(name string, rw io.ReadWriter, cfg LinkConfig) *Link {
	if cfg.MinBufferedPoints <= 0 {
		cfg.MinBufferedPoints = 10
	}
	return &Link{
		name:   name,
		rw:     rw,
		br:     bufio.NewReader(rw),
		cfg:    cfg,
		logger: log.GetLogger("link." + name),
	}
}

// Name returns the channel name.
func (l *Link) Name() string { return l.name }

// State returns the cached controller state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.State
}

// Status returns the cached controller status.
func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Buffered returns the cached count of buffered, unplayed points.
func (l *Link) Buffered() int {
	return l.Status().Buffered
}

// LoadProfile implements Channel.
func (l *Link) LoadProfile(p *profile.Profile) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s := l.status.State; s != Idle && s != Loaded {
		return invalidState("load_profile", s)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "LOAD %d\n", p.Len())
	for i := 0; i < p.Len(); i++ {
		pt := p.At(i)
		fmt.Fprintf(&sb, "PT %s %s %s %s\n", ff(pt.Position), ff(pt.Velocity), ff(pt.Acceleration), ff(pt.DT))
	}
	if _, err := l.exchange("load_profile", sb.String()); err != nil {
		return err
	}
	l.total = p.Len()
	l.everLoaded = true
	l.status = LinkStatus{State: Loaded, Remaining: p.Len()}
	l.polled = false
	return nil
}

// IsBufferReady implements Channel.
func (l *Link) IsBufferReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.status.State {
	case Loaded, WaitingForBuffer:
		return l.polled && l.status.Buffered >= readyThreshold(l.cfg.MinBufferedPoints, l.total)
	case Running, Finished:
		return true
	}
	return false
}

// StartStreaming implements Channel.
func (l *Link) StartStreaming() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.status.State
	if s != Loaded && s != WaitingForBuffer {
		return invalidState("start_streaming", s)
	}
	need := readyThreshold(l.cfg.MinBufferedPoints, l.total)
	if !l.polled || l.status.Buffered < need {
		return bufferNotReady(l.status.Buffered, need)
	}
	if _, err := l.exchange("start_streaming", "START\n"); err != nil {
		return err
	}
	l.status.State = Running
	return nil
}

// IsFinished implements Channel.
func (l *Link) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.status
	return st.State == Finished || (st.State != Running && st.Remaining == 0)
}

// HoldCurrentPosition implements Channel.
func (l *Link) HoldCurrentPosition() error {
	return l.terminal("hold", "HOLD\n")
}

// DisableOutput implements Channel.
func (l *Link) DisableOutput() error {
	return l.terminal("disable", "DISABLE\n")
}

func (l *Link) terminal(op, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.everLoaded {
		return nil
	}
	if _, err := l.exchange(op, cmd); err != nil {
		return err
	}
	l.status = LinkStatus{State: Idle}
	l.total = 0
	return nil
}

// Poll queries the controller and refreshes the cached status.
func (l *Link) Poll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	reply, err := l.exchange("status", "STATUS\n")
	if err != nil {
		return err
	}
	st, err := parseStatus(reply)
	if err != nil {
		return errors.ChannelIOError("status", err)
	}
	l.status = st
	l.polled = true
	return nil
}

// Attach polls the controller from a reactor timer every period.
func (l *Link) Attach(r *reactor.Reactor, period time.Duration) *reactor.Timer {
	return r.Every(period, func(float64) {
		if err := l.Poll(); err != nil {
			l.logger.WithError(err).Warn("status poll failed")
		}
	})
}

// exchange writes cmd and reads one reply line. Caller holds l.mu.
func (l *Link) exchange(op, cmd string) (string, error) {
	if l.needSync {
		if err := l.resync(op); err != nil {
			return "", err
		}
	}
	if _, err := io.WriteString(l.rw, cmd); err != nil {
		l.needSync = true
		return "", errors.ChannelIOError(op, err)
	}
	line, err := l.br.ReadString('\n')
	if err != nil {
		l.needSync = true
		return "", errors.ChannelIOError(op, err)
	}
	line = strings.TrimSpace(line)
	if msg, ok := strings.CutPrefix(line, "ERR"); ok {
		e := errors.New(errors.ErrChannelState, fmt.Sprintf("%s rejected by controller: %s", op, strings.TrimSpace(msg)))
		e.Err = ErrInvalidState
		return "", e
	}
	return line, nil
}

// resync sends SYNC <seq> and discards replies up to its echo. Until it
// succeeds every command fails without being sent. Caller holds l.mu.
func (l *Link) resync(op string) error {
	l.syncSeq++
	want := "SYNC " + strconv.FormatUint(l.syncSeq, 10)
	if _, err := io.WriteString(l.rw, want+"\n"); err != nil {
		return errors.ChannelIOError(op, fmt.Errorf("resync: %w", err))
	}
	for i := 0; i < maxStaleReplies; i++ {
		line, err := l.br.ReadString('\n')
		if err != nil {
			return errors.ChannelIOError(op, fmt.Errorf("resync: %w", err))
		}
		if strings.TrimSpace(line) == want {
			l.needSync = false
			if i > 0 {
				l.logger.Warn("discarded %d stale replies", i)
			}
			return nil
		}
	}
	return errors.ChannelIOError(op, fmt.Errorf("resync: no %q within %d lines", want, maxStaleReplies))
}

func parseStatus(line string) (LinkStatus, error) {
	f := strings.Fields(line)
	if len(f) != 4 || f[0] != "STATUS" {
		return LinkStatus{}, fmt.Errorf("malformed status %q", line)
	}
	state, err := ParseState(f[1])
	if err != nil {
		return LinkStatus{}, err
	}
	buffered, err1 := strconv.Atoi(f[2])
	remaining, err2 := strconv.Atoi(f[3])
	if err1 != nil || err2 != nil {
		return LinkStatus{}, fmt.Errorf("malformed status counts %q", line)
	}
	return LinkStatus{State: state, Buffered: buffered, Remaining: remaining}, nil
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
