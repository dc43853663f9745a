// Command lssconfig drives the LSS master against a CAN interface to
// commission a single unconfigured slave: it runs Fastscan to discover the
// slave's identity, assigns it a node-ID, sets its bit rate and asks it to
// store the result.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	canopen "github.com/canopenkit/canopenkit"
	"github.com/canopenkit/canopenkit/pkg/can"
	_ "github.com/canopenkit/canopenkit/pkg/can/slcan"
	_ "github.com/canopenkit/canopenkit/pkg/can/socketcan"
	_ "github.com/canopenkit/canopenkit/pkg/can/virtual"
	"github.com/canopenkit/canopenkit/pkg/lss"
)

func main() {
	iface := flag.String("i", "virtual", "can interface driver: socketcan, slcan, virtual")
	channel := flag.String("c", "vcan0", "channel name (interface name, serial device, or virtual network name)")
	nodeId := flag.Uint("node", 0x20, "node-id to assign the discovered slave")
	bitrate := flag.Uint("bitrate", 500, "bit rate in kbit/s to configure, or 0 for auto")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	bus, err := can.NewBus(*iface, *channel, 0)
	if err != nil {
		logger.Error("open bus", "err", err)
		os.Exit(1)
	}
	bm := canopen.NewBusManager(bus)
	if err := bm.Connect(); err != nil {
		logger.Error("connect bus", "err", err)
		os.Exit(1)
	}
	defer bm.Disconnect()

	master, err := lss.NewLSSMaster(bm, logger)
	if err != nil {
		logger.Error("create lss master", "err", err)
		os.Exit(1)
	}

	req := lss.FastscanRequest{}
	for f := range req.Modes {
		req.Modes[f] = lss.FastscanModeScan
	}

	logger.Info("running fastscan")
	found, err := runFastscan(master, req)
	if err != nil {
		logger.Error("fastscan failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("discovered slave: vendor=%#x product=%#x revision=%#x serial=%#x\n",
		found[lss.FastscanVendor], found[lss.FastscanProduct],
		found[lss.FastscanRevision], found[lss.FastscanSerial])

	if err := tickUntilOk(func(dt uint32) lss.Result {
		return master.ConfigureNodeId(dt, uint8(*nodeId))
	}); err != nil {
		logger.Error("configure node-id failed", "err", err)
		os.Exit(1)
	}

	if err := tickUntilOk(func(dt uint32) lss.Result {
		return master.ConfigureBitTiming(dt, uint16(*bitrate))
	}); err != nil {
		logger.Error("configure bit-timing failed", "err", err)
		os.Exit(1)
	}

	if err := tickUntilOk(func(dt uint32) lss.Result {
		return master.ConfigureStore(dt)
	}); err != nil {
		logger.Error("configure store failed", "err", err)
		os.Exit(1)
	}

	if err := master.SwitchStateDeselect(); err != nil {
		logger.Error("deselect failed", "err", err)
		os.Exit(1)
	}
	logger.Info("slave commissioned", "nodeId", *nodeId, "bitrateKbps", *bitrate)
}

const tickInterval = 10 * time.Millisecond

func runFastscan(master *lss.Master, req lss.FastscanRequest) ([4]uint32, error) {
	result, found := master.IdentifyFastscan(0, req)
	for result == lss.ResultWaitSlave {
		time.Sleep(tickInterval)
		result, found = master.IdentifyFastscan(uint32(tickInterval.Microseconds()), req)
	}
	if result != lss.ResultOk {
		return found, fmt.Errorf("fastscan: %v", result)
	}
	return found, nil
}

func tickUntilOk(step func(dt uint32) lss.Result) error {
	result := step(0)
	for result == lss.ResultWaitSlave {
		time.Sleep(tickInterval)
		result = step(uint32(tickInterval.Microseconds()))
	}
	switch result {
	case lss.ResultOk, lss.ResultOkManufacturer:
		return nil
	default:
		return fmt.Errorf("%v", result)
	}
}
