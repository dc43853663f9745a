package storage

import "bytes"

// Object-dictionary indices standardized by CiA 301 for the store and
// restore commands. The object-dictionary implementation itself is an
// external collaborator: this package only reacts to the write payload it
// is handed.
const (
	ODIndexStoreParameters          uint16 = 0x1010
	ODIndexRestoreDefaultParameters uint16 = 0x1011
)

var (
	magicSave = []byte("save")
	magicLoad = []byte("load")
)

// HandleODWrite reacts to an object-dictionary write at (index, subIndex)
// the way OD 1010h/1011h are specified to: a write of the four-byte ASCII
// magic word "save" or "load" at a sub-index >= 2 invokes that entry's
// save or restore handler; any other payload, index or sub-index is
// rejected rather than silently ignored, mirroring the standard's
// abort-code behaviour for malformed store/restore requests.
func (s *Storage) HandleODWrite(index uint16, subIndex uint8, data []byte) error {
	if subIndex < 2 {
		return ErrIllegalArgument
	}
	switch index {
	case ODIndexStoreParameters:
		if !bytes.Equal(data, magicSave) {
			return ErrIllegalArgument
		}
		return s.Save(subIndex)
	case ODIndexRestoreDefaultParameters:
		if !bytes.Equal(data, magicLoad) {
			return ErrIllegalArgument
		}
		return s.Restore(subIndex)
	default:
		return ErrIllegalArgument
	}
}
