// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/base"
)

// Wire format for HummockVersion and HummockVersionDelta.
//
// Both records are a sequence of (tag, length, payload) fields terminated by
// EOF. Length-prefixing every field lets a decoder skip fields it does not
// know, which is how old decoders survive new optional fields and new
// decoders default fields absent from old payloads. Tags carrying the
// non-safe-ignore bit must be understood; skipping them would silently drop
// required state.
//
// Two decode entry points exist: the persisted form tolerates unknown
// ignorable tags, the RPC form rejects any unknown tag since both ends run
// the same build.

var errCorruptVersion = errors.New("hummock: corrupt version encoding")

const tagNonSafeIgnoreMask = 1 << 6

// HummockVersion field tags.
const (
	tagVersionID         = 1
	tagMaxCommittedEpoch = 2
	tagSafeEpoch         = 3
	tagGroupLevels       = 4
	tagTableWatermark    = 5
	tagSnapshotGroup     = 6
)

// HummockVersionDelta field tags.
const (
	tagDeltaID            = 1
	tagDeltaPrevID        = 2
	tagDeltaMaxCommitted  = 3
	tagDeltaSafeEpoch     = 4
	tagDeltaTrivialMove   = 5
	tagDeltaGroupDeltas   = 6
	tagDeltaGCObjectID    = 7
	tagDeltaWatermark     = 8
	tagDeltaRemovedTable  = 9
	tagDeltaSnapshotGroup = 10
)

// The custom tags sub-format used inside an encoded SstableInfo.
const (
	customTagTerminate        = 1
	customTagUncompressedSize = 2
	customTagTableIDs         = 3
	customTagMetaOffset       = 4
	customTagKeyCounts        = 5
)

// Group delta kinds on the wire.
const (
	deltaKindIntraLevel = 1
	deltaKindConstruct  = 2
	deltaKindDestroy    = 3
	deltaKindMerge      = 4
)

type fieldWriter struct {
	buf bytes.Buffer
	tmp bytes.Buffer
}

func (w *fieldWriter) uvarintField(tag uint64, v uint64) {
	w.tmp.Reset()
	writeUvarint(&w.tmp, v)
	w.bytesField(tag, w.tmp.Bytes())
}

func (w *fieldWriter) bytesField(tag uint64, payload []byte) {
	writeUvarint(&w.buf, tag)
	writeUvarint(&w.buf, uint64(len(payload)))
	w.buf.Write(payload)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	buf.Write(scratch[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// Encode writes the wire encoding of v to w.
func (v *HummockVersion) Encode(w io.Writer) error {
	var fw fieldWriter
	fw.uvarintField(tagVersionID, v.ID)
	fw.uvarintField(tagMaxCommittedEpoch, uint64(v.MaxCommittedEpoch))
	fw.uvarintField(tagSafeEpoch, uint64(v.SafeEpoch))
	for _, groupID := range sortedKeys(v.Levels) {
		var payload bytes.Buffer
		encodeLevels(&payload, v.Levels[groupID])
		fw.bytesField(tagGroupLevels, payload.Bytes())
	}
	for _, tableID := range sortedKeys(v.TableWatermarks) {
		var payload bytes.Buffer
		wm := v.TableWatermarks[tableID]
		writeUvarint(&payload, uint64(tableID))
		writeUvarint(&payload, uint64(wm.Epoch))
		writeBytes(&payload, wm.Watermark)
		fw.bytesField(tagTableWatermark, payload.Bytes())
	}
	for _, groupID := range sortedKeys(v.SnapshotGroups) {
		var payload bytes.Buffer
		g := v.SnapshotGroups[groupID]
		writeUvarint(&payload, uint64(g.ID))
		writeTableIDs(&payload, g.TableIDs)
		writeUvarint(&payload, uint64(g.CommittedEpoch))
		writeUvarint(&payload, uint64(g.SafeEpoch))
		fw.bytesField(tagSnapshotGroup, payload.Bytes())
	}
	_, err := w.Write(fw.buf.Bytes())
	return err
}

// DecodeHummockVersion decodes a persisted version, defaulting fields absent
// from older payloads and skipping unknown ignorable tags.
func DecodeHummockVersion(r io.Reader) (*HummockVersion, error) {
	return decodeHummockVersion(r, false)
}

// DecodeHummockVersionStrict decodes an RPC-transferred version, rejecting
// any unknown tag.
func DecodeHummockVersionStrict(r io.Reader) (*HummockVersion, error) {
	return decodeHummockVersion(r, true)
}

func decodeHummockVersion(r io.Reader, strict bool) (*HummockVersion, error) {
	v := NewHummockVersion()
	err := decodeFields(r, strict, tagSnapshotGroup, func(tag uint64, payload []byte) error {
		d := &payloadDecoder{buf: payload}
		switch tag {
		case tagVersionID:
			v.ID = d.uvarint()
		case tagMaxCommittedEpoch:
			v.MaxCommittedEpoch = base.Epoch(d.uvarint())
		case tagSafeEpoch:
			v.SafeEpoch = base.Epoch(d.uvarint())
		case tagGroupLevels:
			levels, err := decodeLevels(d)
			if err != nil {
				return err
			}
			v.Levels[levels.GroupID] = levels
		case tagTableWatermark:
			tableID := base.TableID(d.uvarint())
			v.TableWatermarks[tableID] = TableWatermark{
				Epoch:     base.Epoch(d.uvarint()),
				Watermark: slices.Clone(d.bytes()),
			}
		case tagSnapshotGroup:
			g := &SnapshotGroup{ID: SnapshotGroupID(d.uvarint())}
			g.TableIDs = d.tableIDs()
			g.CommittedEpoch = base.Epoch(d.uvarint())
			g.SafeEpoch = base.Epoch(d.uvarint())
			v.SnapshotGroups[g.ID] = g
		}
		return d.err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Encode writes the wire encoding of d to w.
func (d *HummockVersionDelta) Encode(w io.Writer) error {
	var fw fieldWriter
	fw.uvarintField(tagDeltaID, d.ID)
	fw.uvarintField(tagDeltaPrevID, d.PrevID)
	fw.uvarintField(tagDeltaMaxCommitted, uint64(d.MaxCommittedEpoch))
	fw.uvarintField(tagDeltaSafeEpoch, uint64(d.SafeEpoch))
	if d.TrivialMove {
		fw.uvarintField(tagDeltaTrivialMove, 1)
	}
	for _, groupID := range sortedKeys(d.GroupDeltas) {
		var payload bytes.Buffer
		writeUvarint(&payload, uint64(groupID))
		deltas := d.GroupDeltas[groupID]
		writeUvarint(&payload, uint64(len(deltas)))
		for _, gd := range deltas {
			if err := encodeGroupDelta(&payload, gd); err != nil {
				return err
			}
		}
		fw.bytesField(tagDeltaGroupDeltas, payload.Bytes())
	}
	for _, id := range d.GCObjectIDs {
		fw.uvarintField(tagDeltaGCObjectID, id)
	}
	for _, tableID := range sortedKeys(d.NewTableWatermarks) {
		var payload bytes.Buffer
		wm := d.NewTableWatermarks[tableID]
		writeUvarint(&payload, uint64(tableID))
		writeUvarint(&payload, uint64(wm.Epoch))
		writeBytes(&payload, wm.Watermark)
		fw.bytesField(tagDeltaWatermark, payload.Bytes())
	}
	for _, tableID := range d.RemovedTableIDs {
		fw.uvarintField(tagDeltaRemovedTable, uint64(tableID))
	}
	for i := range d.SnapshotGroupDeltas {
		var payload bytes.Buffer
		sgd := &d.SnapshotGroupDeltas[i]
		writeUvarint(&payload, uint64(sgd.GroupID))
		writeUvarint(&payload, uint64(sgd.Kind))
		writeUvarint(&payload, uint64(sgd.Epoch))
		writeTableIDs(&payload, sgd.TableIDs)
		fw.bytesField(tagDeltaSnapshotGroup, payload.Bytes())
	}
	_, err := w.Write(fw.buf.Bytes())
	return err
}

// DecodeHummockVersionDelta decodes a persisted delta, tolerating unknown
// ignorable tags.
func DecodeHummockVersionDelta(r io.Reader) (*HummockVersionDelta, error) {
	return decodeHummockVersionDelta(r, false)
}

// DecodeHummockVersionDeltaStrict decodes an RPC-transferred delta.
func DecodeHummockVersionDeltaStrict(r io.Reader) (*HummockVersionDelta, error) {
	return decodeHummockVersionDelta(r, true)
}

func decodeHummockVersionDelta(r io.Reader, strict bool) (*HummockVersionDelta, error) {
	delta := &HummockVersionDelta{
		GroupDeltas:        make(map[CompactionGroupID][]GroupDelta),
		NewTableWatermarks: make(map[base.TableID]TableWatermark),
	}
	err := decodeFields(r, strict, tagDeltaSnapshotGroup, func(tag uint64, payload []byte) error {
		d := &payloadDecoder{buf: payload}
		switch tag {
		case tagDeltaID:
			delta.ID = d.uvarint()
		case tagDeltaPrevID:
			delta.PrevID = d.uvarint()
		case tagDeltaMaxCommitted:
			delta.MaxCommittedEpoch = base.Epoch(d.uvarint())
		case tagDeltaSafeEpoch:
			delta.SafeEpoch = base.Epoch(d.uvarint())
		case tagDeltaTrivialMove:
			delta.TrivialMove = d.uvarint() != 0
		case tagDeltaGroupDeltas:
			groupID := CompactionGroupID(d.uvarint())
			n := int(d.uvarint())
			for i := 0; i < n && d.err == nil; i++ {
				gd, err := decodeGroupDelta(d)
				if err != nil {
					return err
				}
				delta.GroupDeltas[groupID] = append(delta.GroupDeltas[groupID], gd)
			}
		case tagDeltaGCObjectID:
			delta.GCObjectIDs = append(delta.GCObjectIDs, d.uvarint())
		case tagDeltaWatermark:
			tableID := base.TableID(d.uvarint())
			delta.NewTableWatermarks[tableID] = TableWatermark{
				Epoch:     base.Epoch(d.uvarint()),
				Watermark: slices.Clone(d.bytes()),
			}
		case tagDeltaRemovedTable:
			delta.RemovedTableIDs = append(delta.RemovedTableIDs, base.TableID(d.uvarint()))
		case tagDeltaSnapshotGroup:
			sgd := SnapshotGroupDelta{
				GroupID: SnapshotGroupID(d.uvarint()),
				Kind:    SnapshotGroupDeltaKind(d.uvarint()),
				Epoch:   base.Epoch(d.uvarint()),
			}
			sgd.TableIDs = d.tableIDs()
			delta.SnapshotGroupDeltas = append(delta.SnapshotGroupDeltas, sgd)
		}
		return d.err
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

func encodeGroupDelta(buf *bytes.Buffer, gd GroupDelta) error {
	switch t := gd.(type) {
	case *IntraLevelDelta:
		writeUvarint(buf, deltaKindIntraLevel)
		writeUvarint(buf, uint64(t.LevelIdx))
		writeUvarint(buf, t.L0SubLevelID)
		writeUvarint(buf, uint64(len(t.RemovedSstIDs)))
		for _, id := range t.RemovedSstIDs {
			writeUvarint(buf, uint64(id))
		}
		writeUvarint(buf, uint64(len(t.InsertedTables)))
		for i := range t.InsertedTables {
			encodeSstableInfo(buf, &t.InsertedTables[i])
		}
	case *GroupConstruct:
		writeUvarint(buf, deltaKindConstruct)
		writeUvarint(buf, uint64(t.ParentGroupID))
		writeBytes(buf, t.SplitKey)
		writeUvarint(buf, uint64(t.NewSstStartID))
		writeTableIDs(buf, t.TableIDs)
	case *GroupDestroy:
		writeUvarint(buf, deltaKindDestroy)
	case *GroupMerge:
		writeUvarint(buf, deltaKindMerge)
		writeUvarint(buf, uint64(t.RightGroupID))
	default:
		return errors.AssertionFailedf("unknown group delta type %T", gd)
	}
	return nil
}

func decodeGroupDelta(d *payloadDecoder) (GroupDelta, error) {
	switch kind := d.uvarint(); kind {
	case deltaKindIntraLevel:
		gd := &IntraLevelDelta{
			LevelIdx:     uint32(d.uvarint()),
			L0SubLevelID: d.uvarint(),
		}
		n := int(d.uvarint())
		for i := 0; i < n; i++ {
			gd.RemovedSstIDs = append(gd.RemovedSstIDs, SstableID(d.uvarint()))
		}
		n = int(d.uvarint())
		for i := 0; i < n && d.err == nil; i++ {
			sst, err := decodeSstableInfo(d)
			if err != nil {
				return nil, err
			}
			gd.InsertedTables = append(gd.InsertedTables, sst)
		}
		return gd, d.err
	case deltaKindConstruct:
		gd := &GroupConstruct{ParentGroupID: CompactionGroupID(d.uvarint())}
		gd.SplitKey = slices.Clone(d.bytes())
		gd.NewSstStartID = SstableID(d.uvarint())
		gd.TableIDs = d.tableIDs()
		return gd, d.err
	case deltaKindDestroy:
		return &GroupDestroy{}, d.err
	case deltaKindMerge:
		return &GroupMerge{RightGroupID: CompactionGroupID(d.uvarint())}, d.err
	default:
		return nil, errors.Wrapf(errCorruptVersion, "unknown group delta kind %d", kind)
	}
}

func encodeLevels(buf *bytes.Buffer, l *Levels) {
	writeUvarint(buf, uint64(l.GroupID))
	writeTableIDs(buf, l.MemberTableIDs)
	writeUvarint(buf, uint64(len(l.L0)))
	for i := range l.L0 {
		encodeLevel(buf, &l.L0[i])
	}
	writeUvarint(buf, uint64(len(l.Levels)))
	for i := range l.Levels {
		encodeLevel(buf, &l.Levels[i])
	}
}

// decodeLevels materializes every slice it reads, even empty ones, so that a
// decoded Levels compares equal to the in-memory form produced by Clone.
func decodeLevels(d *payloadDecoder) (*Levels, error) {
	l := &Levels{GroupID: CompactionGroupID(d.uvarint())}
	l.MemberTableIDs = d.tableIDs()
	n := int(d.uvarint())
	l.L0 = make([]Level, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		level, err := decodeLevel(d)
		if err != nil {
			return nil, err
		}
		l.L0 = append(l.L0, level)
	}
	n = int(d.uvarint())
	l.Levels = make([]Level, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		level, err := decodeLevel(d)
		if err != nil {
			return nil, err
		}
		l.Levels = append(l.Levels, level)
	}
	return l, d.err
}

func encodeLevel(buf *bytes.Buffer, l *Level) {
	writeUvarint(buf, uint64(l.LevelIdx))
	writeUvarint(buf, uint64(l.Type))
	writeUvarint(buf, l.SubLevelID)
	writeUvarint(buf, uint64(len(l.Tables)))
	for i := range l.Tables {
		encodeSstableInfo(buf, &l.Tables[i])
	}
}

func decodeLevel(d *payloadDecoder) (Level, error) {
	l := Level{
		LevelIdx:   uint32(d.uvarint()),
		Type:       LevelType(d.uvarint()),
		SubLevelID: d.uvarint(),
	}
	n := int(d.uvarint())
	l.Tables = make([]SstableInfo, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		sst, err := decodeSstableInfo(d)
		if err != nil {
			return Level{}, err
		}
		l.Tables = append(l.Tables, sst)
	}
	l.recomputeSizes()
	return l, d.err
}

// encodeSstableInfo writes the required fields positionally, followed by a
// custom-tag sub-format for fields added after the original layout. Custom
// tags below the ignore mask are safe for old decoders to skip.
func encodeSstableInfo(buf *bytes.Buffer, s *SstableInfo) {
	writeUvarint(buf, uint64(s.ID))
	writeUvarint(buf, s.ObjectID)
	writeBytes(buf, s.KeyRange.Left)
	writeBytes(buf, s.KeyRange.Right)
	if s.KeyRange.RightExclusive {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUvarint(buf, s.FileSize)

	var field bytes.Buffer
	if s.UncompressedSize != 0 {
		writeUvarint(buf, customTagUncompressedSize)
		field.Reset()
		writeUvarint(&field, s.UncompressedSize)
		writeBytes(buf, field.Bytes())
	}
	if len(s.TableIDs) > 0 {
		writeUvarint(buf, customTagTableIDs)
		field.Reset()
		writeTableIDs(&field, s.TableIDs)
		writeBytes(buf, field.Bytes())
	}
	if s.MetaOffset != 0 {
		writeUvarint(buf, customTagMetaOffset)
		field.Reset()
		writeUvarint(&field, s.MetaOffset)
		writeBytes(buf, field.Bytes())
	}
	if s.TotalKeyCount != 0 || s.StaleKeyCount != 0 {
		writeUvarint(buf, customTagKeyCounts)
		field.Reset()
		writeUvarint(&field, s.StaleKeyCount)
		writeUvarint(&field, s.TotalKeyCount)
		writeBytes(buf, field.Bytes())
	}
	writeUvarint(buf, customTagTerminate)
}

func decodeSstableInfo(d *payloadDecoder) (SstableInfo, error) {
	s := SstableInfo{
		ID:       SstableID(d.uvarint()),
		ObjectID: d.uvarint(),
	}
	s.KeyRange.Left = slices.Clone(d.bytes())
	s.KeyRange.Right = slices.Clone(d.bytes())
	s.KeyRange.RightExclusive = d.byte() == 1
	s.FileSize = d.uvarint()
	for d.err == nil {
		customTag := d.uvarint()
		if customTag == customTagTerminate {
			break
		}
		field := d.bytes()
		fd := &payloadDecoder{buf: field}
		switch customTag {
		case customTagUncompressedSize:
			s.UncompressedSize = fd.uvarint()
		case customTagTableIDs:
			s.TableIDs = fd.tableIDs()
		case customTagMetaOffset:
			s.MetaOffset = fd.uvarint()
		case customTagKeyCounts:
			s.StaleKeyCount = fd.uvarint()
			s.TotalKeyCount = fd.uvarint()
		default:
			if customTag&tagNonSafeIgnoreMask != 0 {
				return SstableInfo{}, errors.Wrapf(errCorruptVersion,
					"sstable custom field not supported: %d", customTag)
			}
		}
		if fd.err != nil {
			return SstableInfo{}, fd.err
		}
	}
	return s, d.err
}

func writeTableIDs(buf *bytes.Buffer, ids []base.TableID) {
	writeUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		writeUvarint(buf, uint64(id))
	}
}

type byteReader interface {
	io.ByteReader
	io.Reader
}

// decodeFields drives the (tag, length, payload) field loop. Tags above
// maxKnownTag were added by a newer writer: skipped when tolerated, an error
// when strict or non-ignorable.
func decodeFields(r io.Reader, strict bool, maxKnownTag uint64, fn func(tag uint64, payload []byte) error) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		length, err := binary.ReadUvarint(br)
		if err != nil {
			return errors.Wrap(errCorruptVersion, "truncated field length")
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return errors.Wrap(errCorruptVersion, "truncated field payload")
		}
		if tag == 0 || tag > maxKnownTag {
			if strict || tag&tagNonSafeIgnoreMask != 0 {
				return errors.Wrapf(errCorruptVersion, "unknown field tag %d", tag)
			}
			continue
		}
		if err := fn(tag, payload); err != nil {
			return err
		}
	}
}

type payloadDecoder struct {
	buf []byte
	err error
}

func (d *payloadDecoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.Wrap(errCorruptVersion, "truncated uvarint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *payloadDecoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) == 0 {
		d.err = errors.Wrap(errCorruptVersion, "truncated byte")
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *payloadDecoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = errors.Wrap(errCorruptVersion, "truncated byte string")
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *payloadDecoder) tableIDs() []base.TableID {
	n := int(d.uvarint())
	var ids []base.TableID
	for i := 0; i < n && d.err == nil; i++ {
		ids = append(ids, base.TableID(d.uvarint()))
	}
	return ids
}

func sortedKeys[K ~uint32 | ~uint64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
