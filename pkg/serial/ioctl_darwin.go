// Serial port ioctls for Darwin
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build darwin

package serial

import "golang.org/x/sys/unix"

// termios ioctls for macOS
const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
)
