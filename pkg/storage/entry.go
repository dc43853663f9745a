package storage

import "github.com/canopenkit/canopenkit/internal/crc"

// Attr is a bitset of the behaviours a registered [Entry] opts into.
type Attr uint8

const (
	// AttrAuto marks an entry for byte-incremental background auto-save
	// instead of explicit save commands. Auto entries skip CRC
	// verification at init since they may be mid-write across a reset.
	AttrAuto Attr = 1 << iota
	// AttrRestore marks an entry as eligible for the restore-defaults
	// command.
	AttrRestore
)

func (a Attr) has(flag Attr) bool {
	return a&flag != 0
}

// Entry describes one region of caller-owned RAM the storage engine
// persists to EEPROM. Data, Attr and SubIndexOD are set by the caller at
// registration and never change afterwards; the remaining fields are
// owned by the engine.
type Entry struct {
	// Data is the live RAM region mirrored to and from EEPROM. Its
	// length is fixed for the lifetime of the entry.
	Data []byte
	// Attr selects auto-save and/or restore-defaults behaviour.
	Attr Attr
	// SubIndexOD is the OD 1010h/1011h sub-index that triggers this
	// entry's save/restore handler. Must be >= 2 (0 is reserved, 1 is
	// the standard max-sub-index entry).
	SubIndexOD uint8

	eepromAddr          int
	eepromAddrSignature int
	crc                 crc.CRC16
	offset              int
}
