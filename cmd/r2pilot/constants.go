package main

import "time"

// Linux joystick API (from <linux/joystick.h>)
const (
	jsEventButton = 0x01 // button pressed/released
	jsEventAxis   = 0x02 // joystick moved
	jsEventInit   = 0x80 // initial state of device

	jsIOCGAXES    = 0x80016a11 // get number of axes
	jsIOCGBUTTONS = 0x80016a12 // get number of buttons

	jsAxisMax = 32767
)

// Loop timing defaults
const (
	defaultQuantum    = 5 * time.Millisecond
	defaultKeepalive  = 250 * time.Millisecond
	defaultDeviceWait = 5 * time.Second
	defaultMaxBatch   = 64

	// Upper bound for a single actuator write before it is reported as stuck.
	defaultActuatorTimeout = 50 * time.Millisecond

	// Bounded wait for reply channels (IPC/status snapshot round-trips).
	snapshotTimeout = 1 * time.Second
)

// Motion defaults, taken from the stock controller configuration
const (
	defaultSpeedFactor = 0.35
	defaultSpeedMin    = 0.2
	defaultSpeedMax    = 1.0
	defaultSpeedStep   = 0.05
	defaultInvert      = -1
	defaultDeadband    = 0.2
	defaultCurve       = 0.6
	defaultAccelRate   = 0.025
	defaultDomeLimit   = 0.99

	defaultSpeedUpCombo   = "00001111000000001"
	defaultSpeedDownCombo = "00001111000000010"
)

// Remote action defaults
const (
	defaultBaseURL       = "http://localhost:5000/"
	defaultRemoteTimeout = 500 * time.Millisecond
	defaultRemoteQueue   = 32

	defaultStartupCue   = "audio/Happy007"
	defaultSpeedUpCue   = "audio/Happy006"
	defaultSpeedDownCue = "audio/Sad__019"
	defaultDisableDrive = "servo/body/ENABLE_DRIVE/0/0"
	defaultDisableDome  = "servo/body/ENABLE_DOME/0/0"
	defaultAlertCue     = "audio/MOTIVATR"
)

// Sabertooth / SyRen packetized serial
const (
	sabertoothBaudSync = 0xAA

	stCmdMotor1Forward  = 0
	stCmdMotor1Backward = 1
	stCmdDriveForward   = 8
	stCmdDriveBackward  = 9
	stCmdTurnRight      = 10
	stCmdTurnLeft       = 11
	stCmdSerialTimeout  = 14

	stMaxValue = 127
)

// wsMotionCoalesceWindow is the maximum time window during which bursty motion updates
// are coalesced (latest-wins) before broadcasting to clients.
const wsMotionCoalesceWindow = 50 * time.Millisecond
