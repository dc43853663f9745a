package lss

import (
	"errors"

	"github.com/canopenkit/canopenkit/pkg/config"
)

const (
	ServiceSlaveId     = 0x7E4
	ServiceMasterId    = 0x7E5
	NodeIdUnconfigured = 0xFF
	NodeIdMin          = 0x1
	NodeIdMax          = 0x7F
)

var (
	ErrTimeout       = errors.New("no answer received")
	ErrInvalidNodeId = errors.New("invalid node id")
)

type LSSMode uint8

const (
	ModeWaiting       LSSMode = 0
	ModeConfiguration LSSMode = 1
)

const (

	// Switch mode services, used to connect master & slave for configuration
	CmdSwitchStateGlobal            LSSCommand = 4
	CmdSwitchStateSelectiveVendor   LSSCommand = 64
	CmdSwitchStateSelectiveProduct  LSSCommand = 65
	CmdSwitchStateSelectiveRevision LSSCommand = 66
	CmdSwitchStateSelectiveSerialNb LSSCommand = 67
	CmdSwitchStateSelectiveResult   LSSCommand = 68

	// Configuration services, only available in configuration mode
	CmdConfigureNodeId            LSSCommand = 17
	CmdConfigureBitTiming         LSSCommand = 19
	CmdConfigureActivateBitTiming LSSCommand = 21
	CmdConfigureStoreParameters   LSSCommand = 23

	// Inquiry services, only available in configuration mode
	CmdInquireVendor   LSSCommand = 90
	CmdInquireProduct  LSSCommand = 91
	CmdInquireRevision LSSCommand = 92
	CmdInquireSerial   LSSCommand = 93
	CmdInquireNodeId   LSSCommand = 94

	// Identification services, available in operational & configuration mode
	CmdIdentifyFastscan LSSCommand = 0x51
	CmdIdentifySlave    LSSCommand = 0x4F
)

// FastscanField indexes the four identity fields in fixed protocol order.
type FastscanField uint8

const (
	FastscanVendor FastscanField = iota
	FastscanProduct
	FastscanRevision
	FastscanSerial
	fastscanFieldCount
)

// FastscanMode controls how one identity field participates in a Fastscan
// identification run.
type FastscanMode uint8

const (
	// FastscanModeScan performs the 32-step binary search on this field.
	FastscanModeScan FastscanMode = iota
	// FastscanModeMatch skips the search and verifies a known value.
	FastscanModeMatch
	// FastscanModeSkip omits this field from the scan entirely. At most
	// two of the four fields may use this mode, and vendor never may.
	FastscanModeSkip
)

// FastscanRequest describes one Fastscan identification attempt: per-field
// mode and, for MATCH fields, the known value to verify against.
type FastscanRequest struct {
	Modes  [4]FastscanMode
	Values [4]uint32
}

// bitTimingTable maps a bit-rate in kbit/s to the LSS table index sent on
// the wire for CmdConfigureBitTiming. 0 means "auto".
var bitTimingTable = map[uint16]uint8{
	1000: 0,
	800:  1,
	500:  2,
	250:  3,
	125:  4,
	50:   5,
	20:   6,
	10:   7,
	0:    8,
}

// OuterState tracks how many slaves are presently in LSS configuration
// state as far as this master knows: none, one (selected), or all.
type OuterState uint8

const (
	OuterWaiting OuterState = iota
	OuterSelective
	OuterGlobal
)

func (s OuterState) String() string {
	switch s {
	case OuterWaiting:
		return "WAITING"
	case OuterSelective:
		return "CFG_SELECTIVE"
	case OuterGlobal:
		return "CFG_GLOBAL"
	default:
		return "UNKNOWN"
	}
}

// CommandState tracks which service, if any, the master currently has in
// flight. Only one service may be outstanding at a time.
type CommandState uint8

const (
	CommandWaiting CommandState = iota
	CommandSwitchState
	CommandConfigBitTiming
	CommandConfigNodeId
	CommandConfigStore
	CommandInquireVendor
	CommandInquireProduct
	CommandInquireRevision
	CommandInquireSerial
	CommandInquire
	CommandIdentifyFastscan
)

// Result is the discriminated outcome of a driving LSS master call.
type Result uint8

const (
	ResultOk Result = iota
	ResultOkManufacturer
	ResultOkIllegalArgument
	ResultWaitSlave
	ResultTimeout
	ResultInvalidState
	ResultIllegalArgument
	ResultScanNoAck
	ResultScanFailed
	ResultScanFinished
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "OK"
	case ResultOkManufacturer:
		return "OK_MANUFACTURER"
	case ResultOkIllegalArgument:
		return "OK_ILLEGAL_ARGUMENT"
	case ResultWaitSlave:
		return "WAIT_SLAVE"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultInvalidState:
		return "INVALID_STATE"
	case ResultIllegalArgument:
		return "ILLEGAL_ARGUMENT"
	case ResultScanNoAck:
		return "SCAN_NOACK"
	case ResultScanFailed:
		return "SCAN_FAILED"
	case ResultScanFinished:
		return "SCAN_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// fastscanPhase tracks progress through the Fastscan sub-protocol.
type fastscanPhase uint8

const (
	fastscanCheck fastscanPhase = iota
	fastscanScan
	fastscanVerify
)

const (
	ConfigNodeIdOk           = 0
	ConfigNodeIdOutOfRange   = 1
	ConfigNodeIdManufacturer = 0xFF
)

// The LSS address is used to uniquely identify each node on the CANopen network.
// It corresponds to the concatenated values of the identity object (0x1018)
type LSSAddress struct {
	config.Identity
}

type LSSMessage struct {
	raw [8]byte
}

type LSSCommand uint8

func (m *LSSMessage) Command() LSSCommand {
	return LSSCommand(m.raw[0])
}

type LSSState uint8

func (state LSSState) String() string {
	switch state {
	case StateWaiting:
		return "WAITING"
	case StateConfiguration:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LSS states as defined by CiA 305
const (
	// LSS waiting: In this state, the LSS slave devices may be identified. Otherwise the LSS
	// slave device waits for a request to enter LSS configuration state.
	// The LSS slave is operating on its active bit rate.
	// The virtual node-ID and bit rate variables are not changeable by means of LSS in this
	// state.
	StateWaiting LSSState = 1
	// LSS configuration: In this state the virtual node-ID and bit rate variables may be
	// configured at the LSS slave. Device can be configured in this state.
	StateConfiguration LSSState = 2
)
