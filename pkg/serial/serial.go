// Serial port and socket transport
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package serial opens the raw byte stream to a motor controller, either
// a termios serial device or the unix socket exposed by the simulated
// controller.
package serial

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g. /dev/ttyACM0)
	Device string

	// BaudRate defaults to 115200.
	BaudRate int

	// ReadTimeout bounds each Read. Default 2 seconds.
	ReadTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: 2 * time.Second,
	}
}

// Port is an open controller connection. It implements io.ReadWriteCloser.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	timeout    time.Duration
	closed     bool
	oldTermios *unix.Termios
}

var _ io.ReadWriteCloser = (*Port)(nil)

// Open opens a serial device in raw 8N1 mode.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	def := DefaultConfig()
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	device, err := filepath.EvalSymlinks(cfg.Device)
	if err != nil {
		device = cfg.Device
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	setSpeed(&termios, speed)
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	p := &Port{fd: fd, device: device, timeout: cfg.ReadTimeout, oldTermios: oldTermios}
	if err := p.Flush(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// OpenSocket connects to a unix stream socket, retrying until timeout
// while the listener is not yet up.
func OpenSocket(path string, timeout time.Duration) (*Port, error) {
	if path == "" {
		return nil, errors.New("serial: socket path required")
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: create socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Connect(fd, addr)
		if err == nil {
			break
		}
		retry := errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED)
		if !retry || time.Now().After(deadline) {
			unix.Close(fd)
			return nil, fmt.Errorf("serial: connect to %s: %w", path, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return &Port{fd: fd, device: path, timeout: DefaultConfig().ReadTimeout}, nil
}

// Read reads up to len(buf) bytes, waiting at most the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd, timeout := p.fd, p.timeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("serial: poll: %w", err)
		}
		if n == 0 {
			return 0, ErrTimeout
		}
		break
	}
	if pfd[0].Revents&unix.POLLIN == 0 && pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of buf.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

// Close restores the original termios settings and closes the port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}
	return unix.Close(p.fd)
}

// Device returns the device or socket path.
func (p *Port) Device() string {
	return p.device
}

// SetReadTimeout sets the read timeout.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Flush discards pending input and output on a serial device. It is a
// no-op for sockets.
func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.oldTermios == nil {
		return nil
	}
	if err := unix.IoctlSetInt(p.fd, ioctlTCFlush, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("serial: flush: %w", err)
	}
	return nil
}

// baudRateToSpeed maps a baud rate to its termios speed constant.
func baudRateToSpeed(baud int) (uint32, error) {
	speeds := map[int]uint32{
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}
	for rate, speed := range platformSpeeds() {
		speeds[rate] = speed
	}
	if speed, ok := speeds[baud]; ok {
		return speed, nil
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d on %s", baud, runtime.GOOS)
}
