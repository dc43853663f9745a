package lss

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	canopen "github.com/canopenkit/canopenkit"
)

// Slave implements the LSS slave side of the protocol: it answers the
// master's switch-state, configuration, inquiry and Fastscan requests for
// a single node. It is primarily a test and reference collaborator for
// exercising [Master] end to end; a production node would wire its reply
// logic into its own boot-up and object-dictionary code instead of this
// goroutine-driven loop.
type Slave struct {
	*canopen.BusManager
	logger         *slog.Logger
	address        LSSAddress
	addressSwitch  LSSAddress
	activeNodeId   uint8
	pendingNodeId  uint8
	bitTimingIndex uint8
	stored         bool
	rx             chan LSSMessage
	state          LSSState
}

// Handle implements [canopen.FrameListener] for frames addressed to the
// master's fixed LSS identifier.
func (l *Slave) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}
	msg := LSSMessage{raw: frame.Data}
	select {
	case l.rx <- msg:
	default:
		l.logger.Warn("dropped LSS master RX frame")
	}
}

// Process runs the slave's reply loop until ctx is cancelled.
func (l *Slave) Process(ctx context.Context) {
	l.logger.Info("starting lss slave process", "address", l.address)
	for {
		select {
		case rx := <-l.rx:
			prevState := l.state
			if err := l.processRequest(rx); err != nil {
				l.logger.Warn("error processing lss request", "err", err)
			}
			if prevState != l.state {
				l.logger.Info("slave moved from state", "previous", prevState.String(), "current", l.state.String())
			}
		case <-ctx.Done():
			l.logger.Info("exiting lss slave process")
			return
		}
	}
}

// State returns the slave's current LSS state (waiting or configuration).
func (l *Slave) State() LSSState {
	return l.state
}

// NodeId returns the slave's currently active node-ID.
func (l *Slave) NodeId() uint8 {
	return l.activeNodeId
}

func (l *Slave) processRequest(rx LSSMessage) error {
	cmd := rx.Command()
	state := l.state

	switch {
	case (cmd >= CmdSwitchStateSelectiveVendor && cmd <= CmdSwitchStateSelectiveResult) || cmd == CmdSwitchStateGlobal:
		return l.processSwitchStateService(rx)

	case cmd == CmdIdentifyFastscan:
		return l.processFastscan(rx)

	case cmd >= CmdConfigureNodeId && cmd <= CmdConfigureStoreParameters:
		if state != StateConfiguration {
			return nil
		}
		return l.processConfigurationService(rx)

	case cmd >= CmdInquireVendor && cmd <= CmdInquireNodeId:
		if state != StateConfiguration {
			return nil
		}
		return l.processInquiryService(cmd)
	}
	return nil
}

func (l *Slave) processSwitchStateService(msg LSSMessage) error {
	switch msg.Command() {
	case CmdSwitchStateGlobal:
		switch LSSMode(msg.raw[1]) {
		case ModeWaiting:
			l.state = StateWaiting
		case ModeConfiguration:
			l.state = StateConfiguration
		default:
			l.logger.Warn("switch mode unknown", "mode", msg.raw[1])
		}

	case CmdSwitchStateSelectiveVendor:
		l.addressSwitch.VendorId = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveProduct:
		l.addressSwitch.ProductCode = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveRevision:
		l.addressSwitch.RevisionNumber = binary.LittleEndian.Uint32(msg.raw[1:5])

	case CmdSwitchStateSelectiveSerialNb:
		l.addressSwitch.SerialNumber = binary.LittleEndian.Uint32(msg.raw[1:5])
		if l.addressSwitch == l.address {
			l.state = StateConfiguration
			return l.send([8]byte{byte(CmdSwitchStateSelectiveResult)})
		}
	}
	return nil
}

func (l *Slave) processInquiryService(cmd LSSCommand) error {
	data := [8]byte{byte(cmd)}
	switch cmd {
	case CmdInquireVendor:
		binary.LittleEndian.PutUint32(data[1:], l.address.VendorId)
	case CmdInquireProduct:
		binary.LittleEndian.PutUint32(data[1:], l.address.ProductCode)
	case CmdInquireRevision:
		binary.LittleEndian.PutUint32(data[1:], l.address.RevisionNumber)
	case CmdInquireSerial:
		binary.LittleEndian.PutUint32(data[1:], l.address.SerialNumber)
	case CmdInquireNodeId:
		data[1] = l.activeNodeId
	default:
		return fmt.Errorf("unknown LSS command %v", cmd)
	}
	return l.send(data)
}

func (l *Slave) processConfigurationService(msg LSSMessage) error {
	switch msg.Command() {
	case CmdConfigureNodeId:
		nodeId := msg.raw[1]
		if !(nodeId >= NodeIdMin && nodeId <= NodeIdMax || nodeId == NodeIdUnconfigured) {
			return l.send([8]byte{byte(msg.Command()), ConfigNodeIdOutOfRange})
		}
		l.pendingNodeId = nodeId
		return l.send([8]byte{byte(msg.Command()), ConfigNodeIdOk})

	case CmdConfigureBitTiming:
		l.bitTimingIndex = msg.raw[2]
		return l.send([8]byte{byte(msg.Command()), ConfigNodeIdOk})

	case CmdConfigureActivateBitTiming:
		// Unconfirmed: the slave applies the previously configured bit
		// timing after the requested switch delay. No reply is sent.
		return nil

	case CmdConfigureStoreParameters:
		l.activeNodeId = l.pendingNodeId
		l.stored = true
		return l.send([8]byte{byte(msg.Command()), ConfigNodeIdOk})

	default:
		return fmt.Errorf("unknown LSS command %v", msg.Command())
	}
}

// processFastscan implements the slave side of the Fastscan binary search:
// it only participates while unconfigured, and acknowledges a probe when
// the checked high bits of its own identity field match the master's
// partial candidate.
func (l *Slave) processFastscan(msg LSSMessage) error {
	if l.activeNodeId != NodeIdUnconfigured {
		return nil
	}
	idNumber := binary.LittleEndian.Uint32(msg.raw[1:5])
	bitChecked := msg.raw[5]
	lssSub := msg.raw[6]
	lssNext := msg.raw[7]

	if bitChecked == fastscanProbeBit {
		return l.sendFastscanAck()
	}
	if lssSub > uint8(FastscanSerial) {
		return nil
	}
	mask := ^uint32(0) << bitChecked
	if idNumber&mask != l.addressField(FastscanField(lssSub))&mask {
		return nil
	}
	if err := l.sendFastscanAck(); err != nil {
		return err
	}
	// Only the final VERIFY has lssNext wrap below lssSub; a SCAN probe
	// always carries lssNext == lssSub.
	if bitChecked == 0 && lssNext < lssSub {
		l.state = StateConfiguration
	}
	return nil
}

func (l *Slave) addressField(field FastscanField) uint32 {
	switch field {
	case FastscanVendor:
		return l.address.VendorId
	case FastscanProduct:
		return l.address.ProductCode
	case FastscanRevision:
		return l.address.RevisionNumber
	default:
		return l.address.SerialNumber
	}
}

func (l *Slave) sendFastscanAck() error {
	return l.send([8]byte{byte(CmdIdentifySlave)})
}

func (l *Slave) send(data [8]byte) error {
	frame := canopen.NewFrame(ServiceSlaveId, 0, 8)
	frame.Data = data
	return l.BusManager.Send(frame)
}

// NewSlave creates an LSS [Slave] answering for address, starting with
// nodeId as its active node-ID (NodeIdUnconfigured if the device has not
// yet been commissioned).
func NewSlave(bm *canopen.BusManager, logger *slog.Logger, address LSSAddress, nodeId uint8) (*Slave, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Slave{
		BusManager:    bm,
		logger:        logger.With("service", "[LSSSlave]"),
		address:       address,
		activeNodeId:  nodeId,
		pendingNodeId: nodeId,
		state:         StateWaiting,
		rx:            make(chan LSSMessage, 10),
	}
	if err := l.Subscribe(ServiceMasterId, 0x7FF, false, l); err != nil {
		return nil, err
	}
	return l, nil
}
