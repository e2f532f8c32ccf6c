package dafile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtkflash/internal/mtk/mtkerr"
)

// buildContainer assembles a minimal valid DA container image from the
// given entries, for use as test fixtures.
func buildContainer(t *testing.T, entries []Entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	var ident [headerIdentifierLen]byte
	var desc [headerDescriptionLen]byte
	copy(ident[:], "test-da")
	copy(desc[:], "test container")
	buf.Write(ident[:])
	buf.Write(desc[:])
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(InfoVersion)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(InfoMagic)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(entries))))

	for _, e := range entries {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.Magic))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.HWCode))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.HWSubCode))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.HWVer))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.SWVer))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.ChipEvolution))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.FeatureSet))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.EntryRegionIndex))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.LoadRegionsCount))
		for _, r := range e.LoadRegions {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, r.Offset))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, r.Len))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, r.StartAddr))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, r.SigOffset))
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, r.SigLen))
		}
	}

	return buf.Bytes()
}

func simpleEntry(hwCode, hwVer, swVer uint16) Entry {
	return Entry{Magic: EntryMagic, HWCode: hwCode, HWVer: hwVer, SWVer: swVer}
}

func TestParseExposesEntriesInFileOrder(t *testing.T) {
	entries := []Entry{
		simpleEntry(0xAAAA, 1, 1),
		simpleEntry(0xAAAA, 2, 1),
		simpleEntry(0xBBBB, 1, 1),
	}
	data := buildContainer(t, entries)

	info, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, info.Entries(), 3)
	assert.Equal(t, uint16(1), info.Entries()[0].HWVer)
	assert.Equal(t, uint16(2), info.Entries()[1].HWVer)
	assert.Equal(t, uint16(0xBBBB), info.Entries()[2].HWCode)
}

func TestParseTruncatedFileFails(t *testing.T) {
	data := buildContainer(t, []Entry{simpleEntry(1, 1, 1)})
	_, err := Parse(data[:len(data)-1])
	require.Error(t, err)
	var containerErr *mtkerr.Container
	assert.ErrorAs(t, err, &containerErr)
}

func TestParseBadMagicFails(t *testing.T) {
	data := buildContainer(t, nil)
	// da_info_magic follows the two fixed-size string fields and da_info_ver.
	offset := headerIdentifierLen + headerDescriptionLen + 4
	binary.LittleEndian.PutUint32(data[offset:], 0x22668898)

	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseBadVersionFails(t *testing.T) {
	data := buildContainer(t, nil)
	offset := headerIdentifierLen + headerDescriptionLen
	binary.LittleEndian.PutUint32(data[offset:], 0x5)

	_, err := Parse(data)
	require.Error(t, err)
}

func TestFindEntryFirstMatchWins(t *testing.T) {
	entries := []Entry{
		simpleEntry(0xAAAA, 1, 1),
		simpleEntry(0xAAAA, 2, 1),
		simpleEntry(0xAAAA, 1, 1),
	}
	data := buildContainer(t, entries)
	info, err := Parse(data)
	require.NoError(t, err)

	entry, err := info.FindEntry(0xAAAA, 1, 1)
	require.NoError(t, err)
	assert.Same(t, &info.Entries()[0], entry)
}

func TestFindEntryNoMatchFails(t *testing.T) {
	entries := []Entry{simpleEntry(0xAAAA, 1, 1)}
	data := buildContainer(t, entries)
	info, err := Parse(data)
	require.NoError(t, err)

	_, err = info.FindEntry(0xAAAA, 9, 9)
	require.Error(t, err)
	var containerErr *mtkerr.Container
	assert.ErrorAs(t, err, &containerErr)
}

func TestSelectStagesBadEntryRegionIndex(t *testing.T) {
	e := simpleEntry(0xAAAA, 1, 1)
	e.EntryRegionIndex = 3
	e.LoadRegionsCount = 2

	_, _, err := SelectStages(&e)
	require.Error(t, err)
}

func TestSelectStagesBadSignatureTail(t *testing.T) {
	e := simpleEntry(0xAAAA, 1, 1)
	e.LoadRegionsCount = 2
	e.EntryRegionIndex = 0
	e.LoadRegions[0] = LoadRegion{Offset: 0, Len: 100, SigOffset: 0, SigLen: 10} // 0+10 != 100
	e.LoadRegions[1] = LoadRegion{Offset: 100, Len: 50, SigOffset: 40, SigLen: 10}

	_, _, err := SelectStages(&e)
	require.Error(t, err)
}

func TestSelectStagesHappyPath(t *testing.T) {
	e := simpleEntry(0xAAAA, 1, 1)
	e.LoadRegionsCount = 2
	e.EntryRegionIndex = 0
	e.LoadRegions[0] = LoadRegion{Offset: 0, Len: 100, SigOffset: 90, SigLen: 10}
	e.LoadRegions[1] = LoadRegion{Offset: 100, Len: 50, SigOffset: 40, SigLen: 10}

	stage1, stage2, err := SelectStages(&e)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stage1.Offset)
	assert.Equal(t, uint32(100), stage2.Offset)
}
