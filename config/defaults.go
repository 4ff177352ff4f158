package config

import (
	"time"

	"ttybridge/internal/firmware"
	"ttybridge/internal/pump"
	"ttybridge/internal/serial"
	"ttybridge/internal/telnet"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultControlPort is the telnet-style control port.
	DefaultControlPort = 23

	// DefaultOTAPort receives firmware pushes.
	DefaultOTAPort = 8888

	// DefaultHandshakeTimeout bounds each read of the console handshake.
	DefaultHandshakeTimeout = telnet.DefaultHandshakeTimeout

	// DefaultIdleTimeout ends a console session with no traffic.
	DefaultIdleTimeout = pump.DefaultIdleTimeout

	// DefaultAuthLockout is how long connections are refused once
	// max-auth-failures consecutive wrong passwords have been seen.
	DefaultAuthLockout = 30 * time.Second

	// DefaultSerialPath is the bridged UART.
	DefaultSerialPath = "/dev/ttyUSB0"

	// DefaultBaud applies until a rate has been saved.
	DefaultBaud = serial.DefaultBaud

	// DefaultNVSPath holds the persisted settings.
	DefaultNVSPath = "/var/lib/ttybridge/settings.cbor"

	// DefaultFirmwareDir holds the firmware slots and boot selector.
	DefaultFirmwareDir = "/var/lib/ttybridge/firmware"

	// DefaultImageMagic is the first byte every image must start with.
	DefaultImageMagic = firmware.DefaultMagic

	// DefaultSlotCapacity is the size of one firmware slot.
	DefaultSlotCapacity = firmware.DefaultCapacity

	// DefaultDialTimeout bounds client connection attempts.
	DefaultDialTimeout = 10 * time.Second

	// DefaultLogFormat is human-readable console output.
	DefaultLogFormat = "console"
)
