// Serial port ioctls for Linux
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package serial

import "golang.org/x/sys/unix"

// termios ioctls for Linux
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)
