// Package dafile parses the vendor Download Agent (DA) container file: a
// fixed header followed by an array of DA entries, each carrying up to ten
// load regions. All scalars in the file are little-endian and the layout
// is packed without padding.
package dafile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
)

const (
	// InfoVersion is the only accepted da_info_ver.
	InfoVersion = 0x4
	// InfoMagic is the only accepted da_info_magic.
	InfoMagic = 0x22668899
	// EntryMagic is the only accepted per-entry magic.
	EntryMagic = 0xdada
	// MaxLoadRegions bounds load_regions_count.
	MaxLoadRegions = 10

	headerIdentifierLen  = 32
	headerDescriptionLen = 64
	headerFixedLen       = headerIdentifierLen + headerDescriptionLen + 4 + 4 + 4 // + da_info_ver + da_info_magic + da_count
	loadRegionLen        = 20                                                     // 5 x u32
	entryFixedLen        = 2 + 2 + 2 + 2 + 2 + 2 + 4 + 2 + 2                      // through load_regions_count
	entryLen             = entryFixedLen + MaxLoadRegions*loadRegionLen
)

// LoadRegion describes one code region within a DA entry: its location in
// the container file, its target load address, and the span of the
// trailing signature (if any).
type LoadRegion struct {
	Offset    uint32
	Len       uint32
	StartAddr uint32
	SigOffset uint32
	SigLen    uint32
}

// SignedAtTail reports whether the region's signature occupies the tail of
// the region, i.e. SigOffset+SigLen == Len — the invariant both DA stages
// must satisfy.
func (r LoadRegion) SignedAtTail() bool {
	return r.SigOffset+r.SigLen == r.Len
}

// Entry is one DA entry: a selector triple (HWCode, HWVer, SWVer) plus the
// ordered load regions that make up its code.
type Entry struct {
	Magic             uint16
	HWCode            uint16
	HWSubCode         uint16
	HWVer             uint16
	SWVer             uint16
	ChipEvolution     uint16
	FeatureSet        uint32
	EntryRegionIndex  uint16
	LoadRegionsCount  uint16
	LoadRegions       [MaxLoadRegions]LoadRegion
}

// Matches reports whether the entry's selector triple matches the device
// identity triple reported by the Preloader.
func (e *Entry) Matches(hwCode, hwVer, swVer uint16) bool {
	return e.HWCode == hwCode && e.HWVer == hwVer && e.SWVer == swVer
}

// Info is the parsed, read-only view over a DA container file.
type Info struct {
	Identifier  string
	Description string
	Count       uint32
	entries     []Entry
	data        []byte
}

// Entries returns the parsed DA entries in file order.
func (i *Info) Entries() []Entry { return i.entries }

// StageIO returns an I/O callback that sources a load region's bytes from
// the DA container itself, mirroring the original tool's use of a single
// file_info whose offset is repointed at da_stage1->offset / da_stage2->offset
// before each SEND_DA.
func (i *Info) StageIO(region *LoadRegion) iocb.Func {
	base := int64(region.Offset)
	return iocb.NewReaderFunc(bytesReaderAt(i.data), base)
}

// bytesReaderAt adapts a byte slice to io.ReaderAt without copying.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, fmt.Errorf("offset %d out of range", off)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read: got %d, want %d", n, len(p))
	}
	return n, nil
}

// Load reads and validates the DA container at path. It does not validate
// per-entry magic or region counts — those are invariants the orchestrator
// asserts at the moment of use, so that entries never exercised by the
// current device don't cause startup failure.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &mtkerr.Container{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Parse(data)
}

// Parse validates and decodes an in-memory DA container image.
func Parse(data []byte) (*Info, error) {
	if len(data) < headerFixedLen {
		return nil, &mtkerr.Container{Reason: "file too short for header"}
	}

	r := bytes.NewReader(data)

	var identRaw [headerIdentifierLen]byte
	var descRaw [headerDescriptionLen]byte
	if _, err := r.Read(identRaw[:]); err != nil {
		return nil, &mtkerr.Container{Reason: "short read on da_identifier"}
	}
	if _, err := r.Read(descRaw[:]); err != nil {
		return nil, &mtkerr.Container{Reason: "short read on da_description"}
	}

	var infoVer, infoMagic, count uint32
	if err := binary.Read(r, binary.LittleEndian, &infoVer); err != nil {
		return nil, &mtkerr.Container{Reason: "short read on da_info_ver"}
	}
	if err := binary.Read(r, binary.LittleEndian, &infoMagic); err != nil {
		return nil, &mtkerr.Container{Reason: "short read on da_info_magic"}
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, &mtkerr.Container{Reason: "short read on da_count"}
	}

	if infoMagic != InfoMagic {
		return nil, &mtkerr.Container{Reason: fmt.Sprintf("bad da_info_magic: 0x%08x", infoMagic)}
	}
	if infoVer != InfoVersion {
		return nil, &mtkerr.Container{Reason: fmt.Sprintf("bad da_info_ver: 0x%x", infoVer)}
	}

	required := headerFixedLen + int(count)*entryLen
	if len(data) < required {
		return nil, &mtkerr.Container{Reason: fmt.Sprintf("file too short: need %d bytes for %d entries, have %d", required, count, len(data))}
	}

	info := &Info{
		Identifier:  trimNUL(identRaw[:]),
		Description: trimNUL(descRaw[:]),
		Count:       count,
		entries:     make([]Entry, count),
		data:        data,
	}

	for i := uint32(0); i < count; i++ {
		entry, err := parseEntry(r)
		if err != nil {
			return nil, &mtkerr.Container{Reason: fmt.Sprintf("entry %d: %v", i, err)}
		}
		info.entries[i] = entry
	}

	return info, nil
}

func parseEntry(r *bytes.Reader) (Entry, error) {
	var e Entry
	fields := []any{
		&e.Magic, &e.HWCode, &e.HWSubCode, &e.HWVer, &e.SWVer,
		&e.ChipEvolution, &e.FeatureSet, &e.EntryRegionIndex, &e.LoadRegionsCount,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return e, err
		}
	}
	for i := 0; i < MaxLoadRegions; i++ {
		var region LoadRegion
		regionFields := []any{&region.Offset, &region.Len, &region.StartAddr, &region.SigOffset, &region.SigLen}
		for _, f := range regionFields {
			if err := binary.Read(r, binary.LittleEndian, f); err != nil {
				return e, err
			}
		}
		e.LoadRegions[i] = region
	}
	return e, nil
}

func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// FindEntry returns the first entry matching the device identity triple,
// validating its magic as it scans. Unmatched entries with a bad magic do
// not fail the lookup — only the chosen entry's invariants are asserted by
// SelectStages.
func (i *Info) FindEntry(hwCode, hwVer, swVer uint16) (*Entry, error) {
	for idx := range i.entries {
		e := &i.entries[idx]
		if e.Magic != EntryMagic {
			continue
		}
		if e.Matches(hwCode, hwVer, swVer) {
			return e, nil
		}
	}
	return nil, &mtkerr.Container{Reason: fmt.Sprintf("no DA entry for hw_code=0x%04x hw_ver=0x%04x sw_ver=0x%04x", hwCode, hwVer, swVer)}
}

// SelectStages validates the chosen entry's bounds and returns its Stage 1
// and Stage 2 load regions. Stage 1 is the first region from
// EntryRegionIndex (inclusive) with a non-zero SigLen; Stage 2 is the
// region immediately after it. Both must have their signature at the tail
// of the region.
func SelectStages(e *Entry) (stage1, stage2 *LoadRegion, err error) {
	if e.Magic != EntryMagic {
		return nil, nil, &mtkerr.Container{Reason: "DA entry has invalid magic"}
	}
	if e.LoadRegionsCount > MaxLoadRegions {
		return nil, nil, &mtkerr.Container{Reason: "invalid load regions count in DA entry"}
	}
	if e.EntryRegionIndex >= e.LoadRegionsCount {
		return nil, nil, &mtkerr.Container{Reason: "invalid entry region index"}
	}

	var idx = -1
	for i := int(e.EntryRegionIndex); i+1 < int(e.LoadRegionsCount); i++ {
		if e.LoadRegions[i].SigLen > 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, &mtkerr.Container{Reason: "unable to find valid load region for DA entry"}
	}

	s1 := &e.LoadRegions[idx]
	if !s1.SignedAtTail() {
		return nil, nil, &mtkerr.Container{Reason: "DA Stage 1 signature is not at end of load region"}
	}

	s2 := &e.LoadRegions[idx+1]
	if !s2.SignedAtTail() {
		return nil, nil, &mtkerr.Container{Reason: "DA Stage 2 signature is not at end of load region"}
	}

	return s1, s2, nil
}
