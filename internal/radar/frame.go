package radar

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Report frame layout shared by both sensor variants: a header marker, three
// 8-byte target records, a 2-byte tail. Only the first record carries data in
// single-target mode.
const (
	frameLen       = 30 // full frame including header and tail
	recordLen      = 8  // one target record: x, y, speed, resolution
	firstRecordOff = 4  // records start after the 4 header bytes
)

var (
	// reportHeaderLD2450 is the 4-byte report marker of the LD2450-class
	// sensor. The RD03D-class sensor marks frames with the first two bytes
	// only.
	reportHeaderLD2450 = []byte{0xAA, 0xFF, 0x03, 0x00}
	reportHeaderRD03D  = []byte{0xAA, 0xFF}
	reportTail         = []byte{0x55, 0xCC}
)

// Buffer management: under sustained garbage the accumulation buffer is
// capped so a disconnected or misconfigured link cannot grow memory.
const (
	bufferHighWater = 300
	bufferKeep      = 150
)

// decodeSignMagnitude decodes a little-endian 16-bit sign-magnitude value as
// emitted by the sensors: bit 15 set means positive, clear means negative,
// the low 15 bits carry the magnitude. This is deliberately not a two's
// complement cast.
func decodeSignMagnitude(lo, hi byte) int16 {
	raw := uint16(lo) | uint16(hi)<<8
	mag := int16(raw & 0x7FFF)
	if raw&0x8000 != 0 {
		return mag
	}
	return -mag
}

// encodeSignMagnitude is the inverse of decodeSignMagnitude. Zero encodes as
// positive zero (0x8000).
func encodeSignMagnitude(v int16) (lo, hi byte) {
	var raw uint16
	if v >= 0 {
		raw = 0x8000 | uint16(v)
	} else {
		raw = uint16(-v)
	}
	return byte(raw), byte(raw >> 8)
}

// Decoder incrementally extracts report frames from a raw sensor byte
// stream. It is pure and synchronous; the reader task owns the I/O.
type Decoder struct {
	header []byte
	buf    []byte
}

// NewDecoder returns a Decoder that recognises frames starting with the
// given header marker.
func NewDecoder(header []byte) *Decoder {
	return &Decoder{header: header}
}

// nextFrame scans data for one complete, validated frame. It returns the
// frame, the unconsumed remainder, and whether a frame was found. Corrupt
// spans (header present but tail mismatch) are discarded past the bad header
// and scanning resumes, so the decoder never stalls on garbage.
func (d *Decoder) nextFrame(data []byte) (frame, rest []byte, ok bool) {
	for {
		start := bytes.Index(data, d.header)
		if start < 0 {
			// No header: keep the buffer (it may hold the prefix of a
			// header split across reads); the caller caps its growth.
			return nil, data, false
		}
		if start+frameLen > len(data) {
			// Header found but the frame is not complete yet.
			return nil, data[start:], false
		}
		end := start + frameLen
		if bytes.Equal(data[end-len(reportTail):end], reportTail) {
			return data[start:end], data[end:], true
		}
		// Tail mismatch: drop everything through the bad header and rescan.
		data = data[start+len(d.header):]
	}
}

// decodeRecord decodes one 8-byte target record. An all-zero record means
// "no target", not a target at the origin.
func decodeRecord(rec []byte, now time.Time) *Target {
	x := decodeSignMagnitude(rec[0], rec[1])
	y := decodeSignMagnitude(rec[2], rec[3])
	speed := decodeSignMagnitude(rec[4], rec[5])
	if x == 0 && y == 0 && speed == 0 {
		return nil
	}
	return &Target{
		X:          x,
		Y:          y,
		Speed:      speed,
		Resolution: binary.LittleEndian.Uint16(rec[6:8]),
		Time:       now,
	}
}

// decodeFrame returns the first populated target record of a validated
// frame, or nil if the frame reports no target.
func decodeFrame(frame []byte, now time.Time) *Target {
	for off := firstRecordOff; off+recordLen <= frameLen-len(reportTail); off += recordLen {
		if t := decodeRecord(frame[off:off+recordLen], now); t != nil {
			return t
		}
	}
	return nil
}

// Feed appends newly read bytes, extracts every complete frame, and decodes
// the most recent one. It returns the decoded target (nil for an explicit
// "no target" frame) and whether any frame was seen at all.
func (d *Decoder) Feed(p []byte, now time.Time) (*Target, bool) {
	d.buf = append(d.buf, p...)
	if len(d.buf) > bufferHighWater {
		d.buf = append(d.buf[:0:0], d.buf[len(d.buf)-bufferKeep:]...)
	}

	var latest []byte
	data := d.buf
	for {
		frame, rest, ok := d.nextFrame(data)
		data = rest
		if !ok {
			break
		}
		latest = frame
	}
	d.buf = append(d.buf[:0], data...)

	if latest == nil {
		return nil, false
	}
	return decodeFrame(latest, now), true
}
