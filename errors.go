package canopen

import "errors"

var (
	// ErrIllegalArgument is returned when a caller passes a nil or
	// out-of-range argument to a constructor.
	ErrIllegalArgument = errors.New("canopen: illegal argument")
	// ErrOutOfMemory is returned when a backing store (e.g. EEPROM) does
	// not have enough room for a requested allocation.
	ErrOutOfMemory = errors.New("canopen: out of memory")
	// ErrDataCorrupt is returned when stored data fails a CRC or
	// signature check on read back.
	ErrDataCorrupt = errors.New("canopen: data corrupt")
)
