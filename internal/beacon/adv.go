// Package beacon decodes wireless credential advertisements and matches
// them against the configured set of known credentials.
package beacon

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	appleCompanyID  = 0x004C
	eddystoneUUID16 = 0xFEAA

	ibeaconType   = 0x02
	ibeaconLength = 0x15

	eddystoneFrameUID = 0x00
	eddystoneFrameURL = 0x10
	eddystoneFrameTLM = 0x20
)

// IBeacon is a decoded proximity frame from manufacturer data.
type IBeacon struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

// ParseIBeacon decodes the Apple manufacturer-data payload: type and length
// markers, 16-byte proximity UUID, then big-endian major and minor.
func ParseIBeacon(data []byte) (IBeacon, bool) {
	if len(data) < 23 || data[0] != ibeaconType || data[1] != ibeaconLength {
		return IBeacon{}, false
	}
	id, err := uuid.FromBytes(data[2:18])
	if err != nil {
		return IBeacon{}, false
	}
	return IBeacon{
		UUID:  id,
		Major: binary.BigEndian.Uint16(data[18:20]),
		Minor: binary.BigEndian.Uint16(data[20:22]),
	}, true
}

// UIDFrame is a decoded Eddystone UID record. Namespace and Instance are
// upper-case hex strings, matching how they appear in configuration.
type UIDFrame struct {
	Namespace string
	Instance  string
}

// ParseEddystoneUID decodes a UID service-data payload: frame type, TX
// power, 10-byte namespace, 6-byte instance.
func ParseEddystoneUID(payload []byte) (UIDFrame, bool) {
	if len(payload) < 18 || payload[0] != eddystoneFrameUID {
		return UIDFrame{}, false
	}
	return UIDFrame{
		Namespace: strings.ToUpper(hex.EncodeToString(payload[2:12])),
		Instance:  strings.ToUpper(hex.EncodeToString(payload[12:18])),
	}, true
}

// Compressed URL encoding tables. The scheme byte selects a prefix; within
// the body certain byte values expand to common domain suffixes and
// everything else is literal text.
var urlSchemes = map[byte]string{
	0x00: "http://www.",
	0x01: "https://www.",
	0x02: "http://",
	0x03: "https://",
}

var urlSuffixes = map[byte]string{
	0x00: ".com/", 0x01: ".org/", 0x02: ".edu/", 0x03: ".net/",
	0x04: ".info/", 0x05: ".biz/", 0x06: ".gov/",
	0x07: ".com", 0x08: ".org", 0x09: ".edu", 0x0A: ".net",
	0x0B: ".info", 0x0C: ".biz", 0x0D: ".gov",
}

// ParseEddystoneURL decodes a URL service-data payload: frame type, TX
// power, then the compressed URL starting with its scheme byte.
func ParseEddystoneURL(payload []byte) (string, bool) {
	if len(payload) < 4 || payload[0] != eddystoneFrameURL {
		return "", false
	}
	return decodeURLBody(payload[2:])
}

func decodeURLBody(p []byte) (string, bool) {
	scheme, ok := urlSchemes[p[0]]
	if !ok {
		return "", false
	}
	var b strings.Builder
	b.WriteString(scheme)
	for i := 1; i < len(p); i++ {
		if suffix, ok := urlSuffixes[p[i]]; ok {
			b.WriteString(suffix)
			continue
		}
		start := i
		for i < len(p) {
			if _, ok := urlSuffixes[p[i]]; ok {
				break
			}
			i++
		}
		b.Write(p[start:i])
		i--
	}
	return b.String(), true
}
