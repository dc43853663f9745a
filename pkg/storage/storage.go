// Package storage implements a CRC-protected, signature-addressed
// non-volatile parameter store over an [EEPROM]-like block device: entries
// are registered once at startup, persisted atomically on "save", erased
// on "restore defaults", and streamed byte-by-byte by a background
// auto-saver for entries that change too often to persist on every write.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	canopen "github.com/canopenkit/canopenkit"
	"github.com/canopenkit/canopenkit/internal/crc"
)

var (
	// ErrIllegalArgument is returned for malformed entry registration or
	// an unknown sub-index in a save/restore request. It wraps the root
	// [canopen.ErrIllegalArgument] so callers can match on either the
	// storage-specific sentinel or the package-agnostic one.
	ErrIllegalArgument = fmt.Errorf("storage: illegal argument: %w", canopen.ErrIllegalArgument)
	// ErrOutOfMemory is returned when the EEPROM address space is too
	// small for the registered entries. Wraps [canopen.ErrOutOfMemory].
	ErrOutOfMemory = fmt.Errorf("storage: eeprom too small for registered entries: %w", canopen.ErrOutOfMemory)
	// ErrDataCorrupt is returned from [New] when one or more entries
	// failed signature or CRC verification; the caller's RAM defaults
	// remain in place for those entries. Wraps [canopen.ErrDataCorrupt].
	ErrDataCorrupt = fmt.Errorf("storage: one or more entries failed verification: %w", canopen.ErrDataCorrupt)
	// ErrHardware is returned when a save or restore write could not be
	// verified by reading it back from the EEPROM. There is no root
	// equivalent: a failed read-back is a storage-layer concern only,
	// nothing above this package observes raw EEPROM I/O.
	ErrHardware = errors.New("storage: eeprom write failed verification")
)

// unsetSignature marks an entry's signature slot as erased by restore, or
// never written.
const unsetSignature = 0xFFFFFFFF

// Storage is the persistence engine: an EEPROM adapter plus the table of
// entries registered against it. It has no internal concurrency of its
// own; callers drive Save/Restore from object-dictionary write callbacks
// and AutoSave from a periodic tick, the same single-threaded discipline
// the LSS master uses.
type Storage struct {
	logger  *slog.Logger
	eeprom  EEPROM
	entries []*Entry
	enabled bool
}

// New initializes storage against eeprom and the given entries, reading
// back whatever was previously persisted. InitError accumulates one bit
// per corrupt entry (bit index = min(SubIndexOD, 31)) so the caller learns
// exactly which entries were affected; a non-nil error is ErrDataCorrupt,
// ErrOutOfMemory or ErrIllegalArgument.
func New(logger *slog.Logger, eeprom EEPROM, entries []*Entry) (*Storage, uint32, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[Storage]")

	if len(entries) == 0 {
		return nil, 0, ErrIllegalArgument
	}
	for i, entry := range entries {
		if entry.Data == nil || len(entry.Data) == 0 || entry.SubIndexOD < 2 {
			return nil, uint32(i), ErrIllegalArgument
		}
	}

	if err := eeprom.Init(); err != nil {
		return nil, 0xFFFFFFFF, ErrDataCorrupt
	}

	s := &Storage{logger: logger, eeprom: eeprom, entries: entries}

	signaturesSize := len(entries) * 4
	signaturesAddr, err := eeprom.GetAddr(false, signaturesSize)
	if err != nil {
		return nil, 0, ErrOutOfMemory
	}
	rawSignatures := make([]byte, signaturesSize)
	if err := eeprom.ReadBlock(rawSignatures, signaturesAddr); err != nil {
		return nil, 0, ErrOutOfMemory
	}

	var initError uint32
	var corrupted bool

	for i, entry := range entries {
		entry.eepromAddrSignature = signaturesAddr + 4*i
		isAuto := entry.Attr.has(AttrAuto)

		addr, err := eeprom.GetAddr(isAuto, len(entry.Data))
		if err != nil {
			return nil, uint32(i), ErrOutOfMemory
		}
		entry.eepromAddr = addr
		entry.offset = 0

		signature := binary.LittleEndian.Uint32(rawSignatures[4*i : 4*i+4])
		sigLo := uint16(signature)
		sigHi := uint16(signature >> 16)
		entry.crc = crc.CRC16(sigHi)

		corrupt := false
		if sigLo != uint16(len(entry.Data)) {
			corrupt = true
		} else {
			stored := make([]byte, len(entry.Data))
			if err := eeprom.ReadBlock(stored, entry.eepromAddr); err != nil {
				corrupt = true
			} else if !isAuto && crc.Block(stored, 0) != entry.crc {
				corrupt = true
			} else {
				copy(entry.Data, stored)
			}
		}

		if corrupt {
			bit := entry.SubIndexOD
			if bit > 31 {
				bit = 31
			}
			initError |= uint32(1) << bit
			corrupted = true
			logger.Warn("entry failed verification at init", "subIndex", entry.SubIndexOD)
		}
	}

	s.enabled = true
	if corrupted {
		return s, initError, ErrDataCorrupt
	}
	return s, initError, nil
}

func (s *Storage) findEntry(subIndexOD uint8) *Entry {
	for _, entry := range s.entries {
		if entry.SubIndexOD == subIndexOD {
			return entry
		}
	}
	return nil
}

// Save persists the entry registered under subIndexOD: it recomputes the
// entry's CRC, writes the data block, verifies it by reading back a
// device-computed CRC, then writes and verifies the combined signature
// word. A verification mismatch at either step is reported as
// [ErrHardware] and leaves the previous persisted state undisturbed as far
// as the caller can tell.
func (s *Storage) Save(subIndexOD uint8) error {
	entry := s.findEntry(subIndexOD)
	if entry == nil {
		return ErrIllegalArgument
	}

	entry.crc = crc.Block(entry.Data, 0)
	if err := s.eeprom.WriteBlock(entry.Data, entry.eepromAddr); err != nil {
		s.logger.Warn("save: data block write failed", "subIndex", subIndexOD, "err", err)
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}
	readCrc, err := s.eeprom.CrcBlock(entry.eepromAddr, len(entry.Data))
	if err != nil || readCrc != entry.crc {
		s.logger.Warn("save: data block read-back CRC mismatch", "subIndex", subIndexOD)
		return ErrHardware
	}

	signature := uint32(entry.crc)<<16 | uint32(uint16(len(entry.Data)))
	var sigBytes [4]byte
	binary.LittleEndian.PutUint32(sigBytes[:], signature)
	if err := s.eeprom.WriteBlock(sigBytes[:], entry.eepromAddrSignature); err != nil {
		s.logger.Warn("save: signature write failed", "subIndex", subIndexOD, "err", err)
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}

	var readBack [4]byte
	if err := s.eeprom.ReadBlock(readBack[:], entry.eepromAddrSignature); err != nil {
		s.logger.Warn("save: signature read-back failed", "subIndex", subIndexOD, "err", err)
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}
	if binary.LittleEndian.Uint32(readBack[:]) != signature {
		s.logger.Warn("save: signature read-back mismatch", "subIndex", subIndexOD)
		return ErrHardware
	}
	return nil
}

// Restore erases the signature word for the entry registered under
// subIndexOD, causing the next [New] to treat it as uninitialized and
// leave the caller's compiled-in defaults in RAM. The data region itself
// is not touched.
func (s *Storage) Restore(subIndexOD uint8) error {
	entry := s.findEntry(subIndexOD)
	if entry == nil {
		return ErrIllegalArgument
	}
	if !entry.Attr.has(AttrRestore) {
		return ErrIllegalArgument
	}

	var sigBytes [4]byte
	binary.LittleEndian.PutUint32(sigBytes[:], unsetSignature)
	if err := s.eeprom.WriteBlock(sigBytes[:], entry.eepromAddrSignature); err != nil {
		s.logger.Warn("restore: signature erase failed", "subIndex", subIndexOD, "err", err)
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}

	var readBack [4]byte
	if err := s.eeprom.ReadBlock(readBack[:], entry.eepromAddrSignature); err != nil {
		s.logger.Warn("restore: signature read-back failed", "subIndex", subIndexOD, "err", err)
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}
	if binary.LittleEndian.Uint32(readBack[:]) != unsetSignature {
		s.logger.Warn("restore: signature read-back mismatch", "subIndex", subIndexOD)
		return ErrHardware
	}
	return nil
}

// AutoSave drives the background wear-amortized saver for every AUTO
// entry. With saveAll false (the normal periodic-tick case) it updates a
// single byte per entry and advances that entry's offset; with saveAll
// true it sweeps every byte of every AUTO entry in one call, used for a
// clean shutdown.
func (s *Storage) AutoSave(saveAll bool) {
	if !s.enabled {
		return
	}
	for _, entry := range s.entries {
		if !entry.Attr.has(AttrAuto) {
			continue
		}
		if saveAll {
			for i := 0; i < len(entry.Data); {
				if ok, _ := s.eeprom.UpdateByte(entry.Data[i], entry.eepromAddr+i); ok {
					i++
				}
			}
			continue
		}
		if ok, _ := s.eeprom.UpdateByte(entry.Data[entry.offset], entry.eepromAddr+entry.offset); ok {
			entry.offset++
			if entry.offset >= len(entry.Data) {
				entry.offset = 0
			}
		}
	}
}
