// Serial baud rates for Darwin
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

//go:build darwin

package serial

import "golang.org/x/sys/unix"

// setSpeed sets the baud rate on the termios struct for macOS.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = uint64(speed)
	termios.Ospeed = uint64(speed)
}

func platformSpeeds() map[int]uint32 {
	return nil
}
