// Serial baud rates for Linux
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build linux

package serial

import "golang.org/x/sys/unix"

// setSpeed sets the baud rate through the CBAUD bits, which is what
// TCSETS reads on Linux.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}

func platformSpeeds() map[int]uint32 {
	return map[int]uint32{
		460800:  unix.B460800,
		500000:  unix.B500000,
		921600:  unix.B921600,
		1000000: unix.B1000000,
	}
}
