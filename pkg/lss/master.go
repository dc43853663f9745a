package lss

import (
	"encoding/binary"
	"log/slog"
	"sync"

	canopen "github.com/canopenkit/canopenkit"
)

// DefaultTimeoutUs is the per-service response timeout [NewLSSMaster]
// applies until the caller overrides it with [Master.SetTimeoutUs].
const DefaultTimeoutUs = 1_000_000

// rxSlot is the single-message receive mailbox shared between the
// interrupt-context [Master.Handle] callback and the driving goroutine. At
// most one frame may be pending; a frame that arrives while hasNew is
// already set, or while no command is outstanding, is dropped.
type rxSlot struct {
	mu      sync.Mutex
	hasNew  bool
	payload [8]byte
}

// offer copies data into the slot if accepting is true and the slot is not
// already full, and reports whether it did so.
func (s *rxSlot) offer(data [8]byte, accepting bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !accepting || s.hasNew {
		return false
	}
	s.payload = data
	s.hasNew = true
	return true
}

func (s *rxSlot) take() ([8]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasNew {
		return [8]byte{}, false
	}
	s.hasNew = false
	return s.payload, true
}

func (s *rxSlot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasNew = false
}

// Master implements the LSS master state machine described by CiA DSP-305:
// switch-state, configuration, inquiry and Fastscan identification
// services. Every driving method is non-blocking: it takes the elapsed
// microseconds since the previous call and returns immediately, either with
// a terminal [Result] or with [ResultWaitSlave] asking the caller to call
// again once more time has elapsed.
type Master struct {
	*canopen.BusManager
	logger *slog.Logger

	mu               sync.Mutex
	outer            OuterState
	command          CommandState
	timeoutUs        uint32
	timeoutElapsedUs uint32
	rx               rxSlot

	inquireChain inquireChainState
	fastscan     fastscanState
}

type fastscanState struct {
	phase      fastscanPhase
	request    FastscanRequest
	found      [4]uint32
	lssSub     FastscanField
	nextField  FastscanField
	wrapped    bool
	bitChecked uint8
	idNumber   uint32
	ackSeen    bool
}

// NewLSSMaster creates a [Master] driving frames through bm. It subscribes
// to the fixed LSS slave response identifier.
func NewLSSMaster(bm *canopen.BusManager, logger *slog.Logger) (*Master, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Master{
		BusManager: bm,
		logger:     logger.With("service", "[LSSMaster]"),
		timeoutUs:  DefaultTimeoutUs,
	}
	if err := m.Subscribe(ServiceSlaveId, 0x7FF, false, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetTimeoutUs configures the per-service response timeout in microseconds.
func (m *Master) SetTimeoutUs(timeoutUs uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeoutUs = timeoutUs
}

// OuterState returns the master's current view of the network: whether no,
// one, or all slaves are presently in LSS configuration state.
func (m *Master) OuterState() OuterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outer
}

// Handle implements [canopen.FrameListener]. It runs at receive-callback
// time: it copies the frame into the single-slot mailbox only if the slot
// is empty and a command is currently outstanding, exactly mirroring the
// three gates of the reference protocol (length, overflow, idle).
func (m *Master) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	m.mu.Lock()
	accepting := m.command != CommandWaiting
	m.mu.Unlock()
	if !m.rx.offer(frame.Data, accepting) {
		m.logger.Warn("dropped LSS slave RX frame")
	}
}

func (m *Master) send(data [8]byte) error {
	frame := canopen.NewFrame(ServiceMasterId, 0, 8)
	frame.Data = data
	return m.Send(frame)
}

// beginCommand starts a new service: it must be called with m.mu held. It
// resets the timer and drains any stale reply before the service's first
// frame is transmitted.
func (m *Master) beginCommand(cmd CommandState) {
	m.command = cmd
	m.timeoutElapsedUs = 0
	m.rx.clear()
}

// endCommand terminates the in-flight service and returns to idle.
func (m *Master) endCommand() {
	m.command = CommandWaiting
}

// tickTimeout accumulates elapsed time and reports whether the service
// timed out on this call. On timeout it resets the timer as required by
// the "not cancellable, not retroactively shortened" timeout policy.
func (m *Master) tickTimeout(timeDifferenceUs uint32) bool {
	m.timeoutElapsedUs += timeDifferenceUs
	if m.timeoutElapsedUs >= m.timeoutUs {
		m.timeoutElapsedUs = 0
		m.logger.Warn("no response received from slave, expecting", "command", m.command)
		return true
	}
	return false
}

// SwitchStateGlobal sends a fire-and-forget switch-state-global command to
// every slave on the bus. A successful send updates outer state directly:
// CONFIGURATION enters CFG_GLOBAL, WAITING returns the whole network idle.
func (m *Master) SwitchStateGlobal(mode LSSMode) error {
	data := [8]byte{byte(CmdSwitchStateGlobal), byte(mode)}
	if err := m.send(data); err != nil {
		return err
	}
	m.mu.Lock()
	if mode == ModeConfiguration {
		m.outer = OuterGlobal
	} else {
		m.outer = OuterWaiting
	}
	m.mu.Unlock()
	return nil
}

// SwitchStateSelective drives the selective switch-state service: it
// transmits the four address frames on the first call and then waits for
// the slave's confirmation. On success outer becomes CFG_SELECTIVE.
func (m *Master) SwitchStateSelective(timeDifferenceUs uint32, address LSSAddress) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command == CommandWaiting {
		m.beginCommand(CommandSwitchState)

		var frame [8]byte
		frame[0] = byte(CmdSwitchStateSelectiveVendor)
		binary.LittleEndian.PutUint32(frame[1:], address.VendorId)
		m.send(frame)

		frame[0] = byte(CmdSwitchStateSelectiveProduct)
		binary.LittleEndian.PutUint32(frame[1:], address.ProductCode)
		m.send(frame)

		frame[0] = byte(CmdSwitchStateSelectiveRevision)
		binary.LittleEndian.PutUint32(frame[1:], address.RevisionNumber)
		m.send(frame)

		frame[0] = byte(CmdSwitchStateSelectiveSerialNb)
		binary.LittleEndian.PutUint32(frame[1:], address.SerialNumber)
		m.send(frame)

		return ResultWaitSlave
	}

	if m.command != CommandSwitchState {
		return ResultInvalidState
	}

	if data, ok := m.rx.take(); ok {
		if LSSCommand(data[0]) == CmdSwitchStateSelectiveResult {
			m.endCommand()
			m.outer = OuterSelective
			return ResultOk
		}
		return ResultWaitSlave
	}

	if m.tickTimeout(timeDifferenceUs) {
		m.endCommand()
		m.outer = OuterWaiting
		m.logger.Warn("switch-state-selective timed out, outer reset to WAITING")
		return ResultTimeout
	}
	return ResultWaitSlave
}

// SwitchStateDeselect unconditionally deselects any selected slave and
// returns the whole network to LSS waiting state. It is the network's only
// unconditional recovery gesture and is idempotent.
func (m *Master) SwitchStateDeselect() error {
	m.mu.Lock()
	m.outer = OuterWaiting
	m.command = CommandWaiting
	m.mu.Unlock()
	return m.SwitchStateGlobal(ModeWaiting)
}

// configureCheckWait is the shared confirmation wait used by the three
// "configure ..." services, which all share the same error-code encoding
// in byte 1 of the reply: 0 = OK, 0xFF = manufacturer-specific, else
// illegal-argument.
func (m *Master) configureCheckWait(timeDifferenceUs uint32, expect LSSCommand) Result {
	if data, ok := m.rx.take(); ok {
		if LSSCommand(data[0]) != expect {
			m.logger.Warn("received unexpected response, ignoring", "command", LSSCommand(data[0]), "expecting", expect)
			return ResultWaitSlave
		}
		m.endCommand()
		switch data[1] {
		case ConfigNodeIdOk:
			return ResultOk
		case ConfigNodeIdManufacturer:
			return ResultOkManufacturer
		default:
			m.logger.Warn("slave rejected configure request", "command", expect, "errorCode", data[1])
			return ResultOkIllegalArgument
		}
	}
	if m.tickTimeout(timeDifferenceUs) {
		m.endCommand()
		m.outer = OuterWaiting
		return ResultTimeout
	}
	return ResultWaitSlave
}

// ConfigureBitTiming drives the configure-bit-timing service. bitrateKbps
// must be one of {1000, 800, 500, 250, 125, 50, 20, 10, 0=auto}.
func (m *Master) ConfigureBitTiming(timeDifferenceUs uint32, bitrateKbps uint16) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command == CommandWaiting {
		if m.outer != OuterSelective {
			return ResultInvalidState
		}
		index, ok := bitTimingTable[bitrateKbps]
		if !ok {
			return ResultIllegalArgument
		}
		m.beginCommand(CommandConfigBitTiming)
		m.send([8]byte{byte(CmdConfigureBitTiming), 0, index})
		return ResultWaitSlave
	}
	if m.command != CommandConfigBitTiming {
		return ResultInvalidState
	}
	return m.configureCheckWait(timeDifferenceUs, CmdConfigureBitTiming)
}

// ConfigureNodeId drives the configure-node-ID service. nodeId must be in
// 1..127, or 0xFF to un-configure. Un-configuring is the only configure
// service allowed while CFG_GLOBAL instead of CFG_SELECTIVE.
func (m *Master) ConfigureNodeId(timeDifferenceUs uint32, nodeId uint8) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command == CommandWaiting {
		if !(nodeId >= NodeIdMin && nodeId <= NodeIdMax || nodeId == NodeIdUnconfigured) {
			return ResultIllegalArgument
		}
		switch {
		case m.outer == OuterSelective:
		case m.outer == OuterGlobal && nodeId == NodeIdUnconfigured:
		default:
			return ResultInvalidState
		}
		m.beginCommand(CommandConfigNodeId)
		m.send([8]byte{byte(CmdConfigureNodeId), nodeId})
		return ResultWaitSlave
	}
	if m.command != CommandConfigNodeId {
		return ResultInvalidState
	}
	return m.configureCheckWait(timeDifferenceUs, CmdConfigureNodeId)
}

// ConfigureStore drives the configure-store service, persisting the
// slave's pending configuration.
func (m *Master) ConfigureStore(timeDifferenceUs uint32) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command == CommandWaiting {
		if m.outer != OuterSelective {
			return ResultInvalidState
		}
		m.beginCommand(CommandConfigStore)
		m.send([8]byte{byte(CmdConfigureStoreParameters)})
		return ResultWaitSlave
	}
	if m.command != CommandConfigStore {
		return ResultInvalidState
	}
	return m.configureCheckWait(timeDifferenceUs, CmdConfigureStoreParameters)
}

// ActivateBitTiming sends the unconfirmed activate-bit-timing command,
// which asks every slave in CFG_GLOBAL to switch to the bit rate
// previously configured, after switchDelayMs.
func (m *Master) ActivateBitTiming(switchDelayMs uint16) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outer != OuterGlobal {
		return ResultInvalidState
	}
	var data [8]byte
	data[0] = byte(CmdConfigureActivateBitTiming)
	binary.LittleEndian.PutUint16(data[1:], switchDelayMs)
	m.send(data)
	return ResultOk
}

// Inquire drives a single inquiry service identified by cs (one of the
// CmdInquire* command specifiers) and returns the 32-bit field value on
// success.
func (m *Master) Inquire(timeDifferenceUs uint32, cs LSSCommand) (Result, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := inquireCommandState(cs)

	if m.command == CommandWaiting {
		if m.outer == OuterWaiting {
			return ResultInvalidState, 0
		}
		m.beginCommand(state)
		m.send([8]byte{byte(cs)})
		return ResultWaitSlave, 0
	}
	if m.command != state {
		return ResultInvalidState, 0
	}
	if data, ok := m.rx.take(); ok {
		if LSSCommand(data[0]) != cs {
			return ResultWaitSlave, 0
		}
		m.endCommand()
		return ResultOk, binary.LittleEndian.Uint32(data[1:5])
	}
	if m.tickTimeout(timeDifferenceUs) {
		m.endCommand()
		m.outer = OuterWaiting
		return ResultTimeout, 0
	}
	return ResultWaitSlave, 0
}

func inquireCommandState(cs LSSCommand) CommandState {
	switch cs {
	case CmdInquireVendor:
		return CommandInquireVendor
	case CmdInquireProduct:
		return CommandInquireProduct
	case CmdInquireRevision:
		return CommandInquireRevision
	case CmdInquireSerial:
		return CommandInquireSerial
	default:
		return CommandInquire
	}
}

// inquireChainState tracks progress through [Master.InquireAddress]'s
// four-field chain.
type inquireChainState struct {
	field   FastscanField
	address LSSAddress
}

func (c *inquireChainState) setField(field FastscanField, value uint32) {
	switch field {
	case FastscanVendor:
		c.address.VendorId = value
	case FastscanProduct:
		c.address.ProductCode = value
	case FastscanRevision:
		c.address.RevisionNumber = value
	case FastscanSerial:
		c.address.SerialNumber = value
	}
}

func inquireCsForField(field FastscanField) LSSCommand {
	switch field {
	case FastscanVendor:
		return CmdInquireVendor
	case FastscanProduct:
		return CmdInquireProduct
	case FastscanRevision:
		return CmdInquireRevision
	default:
		return CmdInquireSerial
	}
}

// InquireAddress runs the four inquiry services in sequence (vendor,
// product, revision, serial number) within a single call chain, starting
// the next request immediately after the prior reply, and returns the
// fully populated [LSSAddress] once every field has replied.
func (m *Master) InquireAddress(timeDifferenceUs uint32) (Result, LSSAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command == CommandWaiting {
		if m.outer == OuterWaiting {
			return ResultInvalidState, LSSAddress{}
		}
		m.inquireChain = inquireChainState{field: FastscanVendor}
		m.beginCommand(CommandInquire)
		m.send([8]byte{byte(inquireCsForField(FastscanVendor))})
		return ResultWaitSlave, LSSAddress{}
	}
	if m.command != CommandInquire {
		return ResultInvalidState, LSSAddress{}
	}

	cs := inquireCsForField(m.inquireChain.field)
	if data, ok := m.rx.take(); ok {
		if LSSCommand(data[0]) != cs {
			return ResultWaitSlave, LSSAddress{}
		}
		value := binary.LittleEndian.Uint32(data[1:5])
		m.inquireChain.setField(m.inquireChain.field, value)
		if m.inquireChain.field == FastscanSerial {
			m.endCommand()
			return ResultOk, m.inquireChain.address
		}
		m.inquireChain.field++
		m.timeoutElapsedUs = 0
		m.rx.clear()
		m.send([8]byte{byte(inquireCsForField(m.inquireChain.field))})
		return ResultWaitSlave, LSSAddress{}
	}
	if m.tickTimeout(timeDifferenceUs) {
		m.endCommand()
		m.outer = OuterWaiting
		return ResultTimeout, LSSAddress{}
	}
	return ResultWaitSlave, LSSAddress{}
}
