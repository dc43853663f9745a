package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveRoundTrip(t *testing.T) {
	eeprom := NewMemoryEEPROM(4096)
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	entry := &Entry{Data: data, Attr: AttrRestore, SubIndexOD: 2}

	// A blank device holds no valid signature yet, so the entry is
	// reported as corrupt until it is first saved.
	s, initError, err := New(nil, eeprom, []*Entry{entry})
	require.ErrorIs(t, err, ErrDataCorrupt)
	require.Equal(t, uint32(1)<<2, initError)

	require.NoError(t, s.Save(2))

	// Simulate a reboot: fresh RAM, re-init against the same EEPROM.
	reloaded := make([]byte, 64)
	entry2 := &Entry{Data: reloaded, Attr: AttrRestore, SubIndexOD: 2}
	s2, initError2, err := New(nil, eeprom, []*Entry{entry2})
	require.NoError(t, err)
	require.Zero(t, initError2)
	assert.Equal(t, data, reloaded)
	_ = s2
}

func TestCorruptionDetection(t *testing.T) {
	eeprom := NewMemoryEEPROM(4096)
	data := make([]byte, 64)
	entry := &Entry{Data: data, Attr: AttrRestore, SubIndexOD: 5}

	s, _, err := New(nil, eeprom, []*Entry{entry})
	require.ErrorIs(t, err, ErrDataCorrupt)
	require.NoError(t, s.Save(5))

	eeprom.Corrupt(entry.eepromAddr + 7)

	reloaded := make([]byte, 64)
	entry2 := &Entry{Data: reloaded, Attr: AttrRestore, SubIndexOD: 5}
	_, initError, err := New(nil, eeprom, []*Entry{entry2})
	assert.ErrorIs(t, err, ErrDataCorrupt)
	assert.Equal(t, uint32(1)<<5, initError)
}

func TestRestoreErasesSignature(t *testing.T) {
	eeprom := NewMemoryEEPROM(4096)
	data := []byte{1, 2, 3, 4}
	entry := &Entry{Data: data, Attr: AttrRestore, SubIndexOD: 3}

	s, _, err := New(nil, eeprom, []*Entry{entry})
	require.ErrorIs(t, err, ErrDataCorrupt)
	require.NoError(t, s.Save(3))
	require.NoError(t, s.Restore(3))

	reloaded := []byte{9, 9, 9, 9}
	entry2 := &Entry{Data: reloaded, Attr: AttrRestore, SubIndexOD: 3}
	_, initError, err := New(nil, eeprom, []*Entry{entry2})
	require.ErrorIs(t, err, ErrDataCorrupt)
	assert.Equal(t, uint32(1)<<3, initError)
	assert.Equal(t, []byte{9, 9, 9, 9}, reloaded)
}

func TestAutoSaveSweep(t *testing.T) {
	eeprom := NewMemoryEEPROM(4096)
	data := make([]byte, 16)
	entry := &Entry{Data: data, Attr: AttrAuto, SubIndexOD: 2}

	s, _, err := New(nil, eeprom, []*Entry{entry})
	require.ErrorIs(t, err, ErrDataCorrupt)

	for i := range data {
		data[i] = 0xAA
	}

	for i := 0; i < 16; i++ {
		assert.Equal(t, i, entry.offset)
		s.AutoSave(false)
	}
	assert.Equal(t, 0, entry.offset)

	persisted := make([]byte, 16)
	require.NoError(t, eeprom.ReadBlock(persisted, entry.eepromAddr))
	assert.Equal(t, data, persisted)
}

func TestHandleODWriteRejectsWrongMagic(t *testing.T) {
	eeprom := NewMemoryEEPROM(4096)
	entry := &Entry{Data: make([]byte, 4), Attr: AttrRestore, SubIndexOD: 2}
	s, _, err := New(nil, eeprom, []*Entry{entry})
	require.ErrorIs(t, err, ErrDataCorrupt)

	err = s.HandleODWrite(ODIndexStoreParameters, 2, []byte("nope"))
	assert.ErrorIs(t, err, ErrIllegalArgument)

	err = s.HandleODWrite(ODIndexStoreParameters, 2, []byte("save"))
	assert.NoError(t, err)
}

func TestIllegalArgumentOnBadEntry(t *testing.T) {
	eeprom := NewMemoryEEPROM(4096)
	entry := &Entry{Data: nil, Attr: AttrRestore, SubIndexOD: 2}
	_, _, err := New(nil, eeprom, []*Entry{entry})
	assert.ErrorIs(t, err, ErrIllegalArgument)

	entry2 := &Entry{Data: make([]byte, 4), Attr: AttrRestore, SubIndexOD: 1}
	_, _, err = New(nil, eeprom, []*Entry{entry2})
	assert.ErrorIs(t, err, ErrIllegalArgument)
}
