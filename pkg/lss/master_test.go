package lss

import (
	"context"
	"log/slog"
	"testing"
	"time"

	canopen "github.com/canopenkit/canopenkit"
	"github.com/canopenkit/canopenkit/pkg/can/virtual"
	"github.com/canopenkit/canopenkit/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair(t *testing.T, channel string, address LSSAddress, nodeId uint8) (*Master, *Slave, context.CancelFunc) {
	t.Helper()
	logger := slog.Default()

	busA, err := virtual.NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, busA.Connect())
	bmMaster := canopen.NewBusManager(busA)
	require.NoError(t, busA.Subscribe(bmMaster))

	busB, err := virtual.NewBus(channel)
	require.NoError(t, err)
	require.NoError(t, busB.Connect())
	bmSlave := canopen.NewBusManager(busB)
	require.NoError(t, busB.Subscribe(bmSlave))

	master, err := NewLSSMaster(bmMaster, logger)
	require.NoError(t, err)
	master.SetTimeoutUs(20_000)

	slave, err := NewSlave(bmSlave, logger, address, nodeId)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go slave.Process(ctx)

	return master, slave, cancel
}

func driveUntilTerminal(t *testing.T, step func(tickUs uint32) Result, tickUs uint32) Result {
	t.Helper()
	for i := 0; i < 5000; i++ {
		result := step(tickUs)
		if result != ResultWaitSlave {
			return result
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("service never reached a terminal result")
	return ResultTimeout
}

func TestSwitchStateSelectiveSuccess(t *testing.T) {
	address := LSSAddress{config.Identity{
		VendorId:       0x11223344,
		ProductCode:    0x55667788,
		RevisionNumber: 0x99AABBCC,
		SerialNumber:   0xDDEEFF00,
	}}
	master, _, cancel := testPair(t, "test-switch-state-selective", address, NodeIdUnconfigured)
	defer cancel()

	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		return master.SwitchStateSelective(tickUs, address)
	}, 1000)

	assert.Equal(t, ResultOk, result)
	assert.Equal(t, OuterSelective, master.OuterState())
}

func TestSwitchStateSelectiveTimeout(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}}
	wrongAddress := address
	wrongAddress.SerialNumber = 5

	master, _, cancel := testPair(t, "test-switch-state-timeout", address, NodeIdUnconfigured)
	defer cancel()

	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		return master.SwitchStateSelective(tickUs, wrongAddress)
	}, 5000)

	assert.Equal(t, ResultTimeout, result)
	assert.Equal(t, OuterWaiting, master.OuterState())
}

func selectSlave(t *testing.T, master *Master, address LSSAddress) {
	t.Helper()
	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		return master.SwitchStateSelective(tickUs, address)
	}, 1000)
	require.Equal(t, ResultOk, result)
}

func TestConfigureNodeId(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 10, ProductCode: 20, RevisionNumber: 30, SerialNumber: 40}}
	master, slave, cancel := testPair(t, "test-configure-node-id", address, NodeIdUnconfigured)
	defer cancel()

	selectSlave(t, master, address)

	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		return master.ConfigureNodeId(tickUs, 0x20)
	}, 1000)
	assert.Equal(t, ResultOk, result)

	result = driveUntilTerminal(t, func(tickUs uint32) Result {
		return master.ConfigureStore(tickUs)
	}, 1000)
	assert.Equal(t, ResultOk, result)
	assert.Equal(t, uint8(0x20), slave.NodeId())
}

func TestConfigureBitTimingIllegalArgument(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 1, ProductCode: 1, RevisionNumber: 1, SerialNumber: 1}}
	master, _, cancel := testPair(t, "test-configure-bit-timing-illegal", address, NodeIdUnconfigured)
	defer cancel()

	selectSlave(t, master, address)

	result := master.ConfigureBitTiming(1000, 333)
	assert.Equal(t, ResultIllegalArgument, result)
}

func TestConfigureBitTimingSuccess(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 1, ProductCode: 1, RevisionNumber: 1, SerialNumber: 1}}
	master, _, cancel := testPair(t, "test-configure-bit-timing-ok", address, NodeIdUnconfigured)
	defer cancel()

	selectSlave(t, master, address)

	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		return master.ConfigureBitTiming(tickUs, 500)
	}, 1000)
	assert.Equal(t, ResultOk, result)
}

func TestInquireAddress(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 0xAA, ProductCode: 0xBB, RevisionNumber: 0xCC, SerialNumber: 0xDD}}
	master, _, cancel := testPair(t, "test-inquire-address", address, NodeIdUnconfigured)
	defer cancel()

	selectSlave(t, master, address)

	var got LSSAddress
	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		var r Result
		r, got = master.InquireAddress(tickUs)
		return r
	}, 1000)
	assert.Equal(t, ResultOk, result)
	assert.Equal(t, address, got)
}

func TestIdentifyFastscanResolvesIdentity(t *testing.T) {
	address := LSSAddress{config.Identity{
		VendorId:       0x12345678,
		ProductCode:    0x0000ABCD,
		RevisionNumber: 0xFFFFFFFF,
		SerialNumber:   0x00000001,
	}}
	master, _, cancel := testPair(t, "test-fastscan", address, NodeIdUnconfigured)
	defer cancel()

	req := FastscanRequest{
		Modes: [4]FastscanMode{FastscanModeScan, FastscanModeScan, FastscanModeScan, FastscanModeScan},
	}

	var found [4]uint32
	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		var r Result
		r, found = master.IdentifyFastscan(tickUs, req)
		return r
	}, 1000)

	require.Equal(t, ResultOk, result)
	assert.Equal(t, address.VendorId, found[FastscanVendor])
	assert.Equal(t, address.ProductCode, found[FastscanProduct])
	assert.Equal(t, address.RevisionNumber, found[FastscanRevision])
	assert.Equal(t, address.SerialNumber, found[FastscanSerial])
	assert.Equal(t, OuterSelective, master.OuterState())
}

func TestIdentifyFastscanNoAck(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 1, ProductCode: 1, RevisionNumber: 1, SerialNumber: 1}}
	master, _, cancel := testPair(t, "test-fastscan-noack", address, 0x10)
	defer cancel()

	req := FastscanRequest{Modes: [4]FastscanMode{FastscanModeScan, FastscanModeScan, FastscanModeScan, FastscanModeScan}}
	result := driveUntilTerminal(t, func(tickUs uint32) Result {
		var r Result
		r, _ = master.IdentifyFastscan(tickUs, req)
		return r
	}, 5000)

	assert.Equal(t, ResultScanNoAck, result)
}

func TestIdentifyFastscanRejectsVendorSkip(t *testing.T) {
	master, _, cancel := testPair(t, "test-fastscan-illegal", LSSAddress{}, NodeIdUnconfigured)
	defer cancel()

	req := FastscanRequest{Modes: [4]FastscanMode{FastscanModeSkip, FastscanModeScan, FastscanModeScan, FastscanModeScan}}
	result, _ := master.IdentifyFastscan(1000, req)
	assert.Equal(t, ResultIllegalArgument, result)
}

func TestSwitchStateDeselectIsIdempotent(t *testing.T) {
	address := LSSAddress{config.Identity{VendorId: 1, ProductCode: 1, RevisionNumber: 1, SerialNumber: 1}}
	master, _, cancel := testPair(t, "test-deselect-idempotent", address, NodeIdUnconfigured)
	defer cancel()

	require.NoError(t, master.SwitchStateDeselect())
	assert.Equal(t, OuterWaiting, master.OuterState())
	require.NoError(t, master.SwitchStateDeselect())
	assert.Equal(t, OuterWaiting, master.OuterState())
}
