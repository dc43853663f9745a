package lss

import (
	"encoding/binary"
)

// fastscanProbeBit is the sentinel bitChecked value used by the initial
// CHECK-phase probe frame, distinguishing it from any real bit position
// (0..31).
const fastscanProbeBit = 0x80

func validateFastscanRequest(req FastscanRequest) bool {
	if req.Modes[FastscanVendor] == FastscanModeSkip {
		return false
	}
	skipCount := 0
	for _, mode := range req.Modes {
		if mode == FastscanModeSkip {
			skipCount++
		}
	}
	return skipCount <= 2
}

// nextNonSkipField scans fields after current for one that is not SKIP. If
// none remains it wraps back to FastscanVendor, which the wire protocol
// uses to tell the slave to enter LSS configuration mode.
func nextNonSkipField(current FastscanField, req FastscanRequest) (next FastscanField, wrapped bool) {
	for f := current + 1; f < fastscanFieldCount; f++ {
		if req.Modes[f] != FastscanModeSkip {
			return f, false
		}
	}
	return FastscanVendor, true
}

func (m *Master) sendFastscanProbe(idNumber uint32, bitChecked uint8, lssSub uint8, lssNext uint8) {
	var data [8]byte
	data[0] = byte(CmdIdentifyFastscan)
	binary.LittleEndian.PutUint32(data[1:5], idNumber)
	data[5] = bitChecked
	data[6] = lssSub
	data[7] = lssNext
	m.send(data)
}

// IdentifyFastscan drives the Fastscan identification sub-protocol: a
// 128-step bitwise binary search that resolves a single unconfigured
// slave's full LSS address without foreknowledge of its identity. On
// success it returns ResultOk, the resolved address in found, and outer is
// left in CFG_SELECTIVE with exactly that slave selected.
func (m *Master) IdentifyFastscan(timeDifferenceUs uint32, req FastscanRequest) (Result, [4]uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.command == CommandWaiting {
		if !validateFastscanRequest(req) {
			return ResultIllegalArgument, [4]uint32{}
		}
		m.beginCommand(CommandIdentifyFastscan)
		m.fastscan = fastscanState{request: req, phase: fastscanCheck}
		m.sendFastscanProbe(0, fastscanProbeBit, 0, 0)
		return ResultWaitSlave, [4]uint32{}
	}
	if m.command != CommandIdentifyFastscan {
		return ResultInvalidState, [4]uint32{}
	}

	switch m.fastscan.phase {
	case fastscanCheck:
		return m.stepFastscanCheck(timeDifferenceUs)
	case fastscanScan:
		return m.stepFastscanScan(timeDifferenceUs)
	default:
		return m.stepFastscanVerify(timeDifferenceUs)
	}
}

// stepFastscanCheck waits out the full timeout window regardless of when
// the acknowledgement arrives: a reply confirms at least one unconfigured
// slave is present on the bus, but because several slaves may all
// acknowledge the same probe, the slot is drained without short-circuiting
// the wait.
func (m *Master) stepFastscanCheck(timeDifferenceUs uint32) (Result, [4]uint32) {
	if _, ok := m.rx.take(); ok {
		m.fastscan.ackSeen = true
		return ResultWaitSlave, [4]uint32{}
	}
	if m.tickTimeout(timeDifferenceUs) {
		if !m.fastscan.ackSeen {
			m.endCommand()
			m.logger.Warn("fastscan: no slave acknowledged probe")
			return ResultScanNoAck, [4]uint32{}
		}
		m.logger.Info("fastscan: slave present, starting scan")
		m.beginFastscanField(FastscanVendor)
		return ResultWaitSlave, [4]uint32{}
	}
	return ResultWaitSlave, [4]uint32{}
}

// beginFastscanField starts processing field. MATCH fields skip straight
// to VERIFY with the caller-supplied value; SCAN fields start the 32-bit
// search from the most significant bit.
func (m *Master) beginFastscanField(field FastscanField) {
	m.fastscan.lssSub = field
	if m.fastscan.request.Modes[field] == FastscanModeMatch {
		m.fastscan.idNumber = m.fastscan.request.Values[field]
		m.beginFastscanVerify()
		return
	}
	m.fastscan.idNumber = 0
	m.fastscan.bitChecked = 31
	m.fastscan.phase = fastscanScan
	m.timeoutElapsedUs = 0
	m.rx.clear()
	m.sendFastscanProbe(m.fastscan.idNumber, m.fastscan.bitChecked, uint8(field), uint8(field))
}

func (m *Master) stepFastscanScan(timeDifferenceUs uint32) (Result, [4]uint32) {
	if data, ok := m.rx.take(); ok {
		if LSSCommand(data[0]) != CmdIdentifySlave {
			m.endCommand()
			m.logger.Warn("fastscan: unexpected reply during scan", "command", LSSCommand(data[0]), "field", m.fastscan.lssSub)
			return ResultScanFailed, [4]uint32{}
		}
		// Acknowledged: this bit is 0, already reflected in idNumber.
	} else if m.tickTimeout(timeDifferenceUs) {
		// No acknowledgement: this bit must be 1.
		m.fastscan.idNumber |= 1 << m.fastscan.bitChecked
	} else {
		return ResultWaitSlave, [4]uint32{}
	}

	if m.fastscan.bitChecked == 0 {
		m.logger.Info("fastscan: scan complete for field", "field", m.fastscan.lssSub, "value", m.fastscan.idNumber)
		m.beginFastscanVerify()
		return ResultWaitSlave, [4]uint32{}
	}
	m.fastscan.bitChecked--
	m.timeoutElapsedUs = 0
	m.rx.clear()
	m.sendFastscanProbe(m.fastscan.idNumber, m.fastscan.bitChecked, uint8(m.fastscan.lssSub), uint8(m.fastscan.lssSub))
	return ResultWaitSlave, [4]uint32{}
}

func (m *Master) beginFastscanVerify() {
	m.fastscan.phase = fastscanVerify
	next, wrapped := nextNonSkipField(m.fastscan.lssSub, m.fastscan.request)
	m.fastscan.nextField = next
	m.fastscan.wrapped = wrapped
	m.timeoutElapsedUs = 0
	m.rx.clear()
	m.sendFastscanProbe(m.fastscan.idNumber, 0, uint8(m.fastscan.lssSub), uint8(next))
}

func (m *Master) stepFastscanVerify(timeDifferenceUs uint32) (Result, [4]uint32) {
	if data, ok := m.rx.take(); ok {
		if LSSCommand(data[0]) != CmdIdentifySlave {
			m.endCommand()
			m.logger.Warn("fastscan: unexpected reply during verify", "command", LSSCommand(data[0]), "field", m.fastscan.lssSub)
			return ResultScanFailed, [4]uint32{}
		}
		m.fastscan.found[m.fastscan.lssSub] = m.fastscan.idNumber
		if m.fastscan.wrapped {
			m.endCommand()
			m.outer = OuterSelective
			m.logger.Info("fastscan: identified slave", "found", m.fastscan.found)
			return ResultOk, m.fastscan.found
		}
		m.beginFastscanField(m.fastscan.nextField)
		return ResultWaitSlave, [4]uint32{}
	}
	if m.tickTimeout(timeDifferenceUs) {
		m.endCommand()
		if m.fastscan.request.Modes[m.fastscan.lssSub] == FastscanModeMatch {
			m.logger.Warn("fastscan: no slave matched requested identity", "field", m.fastscan.lssSub)
			return ResultScanNoAck, [4]uint32{}
		}
		m.logger.Warn("fastscan: verify timed out", "field", m.fastscan.lssSub)
		return ResultScanFailed, [4]uint32{}
	}
	return ResultWaitSlave, [4]uint32{}
}
