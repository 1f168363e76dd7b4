package scsi

import "fmt"

// Sense keys
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
)

// ASC 04h: logical unit not ready
const ascNotReady = 0x04

// ASCQ values under ASC 04h
const (
	ascqBecomingReady      = 0x01
	ascqInitCmdRequired    = 0x02
	ascqManualIntervention = 0x03
	ascqStandby            = 0x0b
	ascqUnavailable        = 0x0c
)

// Sense is the decoded key/ASC/ASCQ triple of a sense buffer
type Sense struct {
	Key  byte
	ASC  byte
	ASCQ byte
}

// ParseSense decodes fixed (70h/71h) and descriptor (72h/73h) format sense
// data. It reports false when the buffer holds no usable sense.
func ParseSense(b []byte) (Sense, bool) {
	if len(b) == 0 {
		return Sense{}, false
	}
	switch b[0] & 0x7f {
	case 0x70, 0x71:
		if len(b) < 14 {
			return Sense{}, false
		}
		return Sense{Key: b[2] & 0x0f, ASC: b[12], ASCQ: b[13]}, true
	case 0x72, 0x73:
		if len(b) < 4 {
			return Sense{}, false
		}
		return Sense{Key: b[1] & 0x0f, ASC: b[2], ASCQ: b[3]}, true
	}
	return Sense{}, false
}

// NotReady reports a Not Ready key with ASC 04h
func (s Sense) NotReady() bool {
	return s.Key == SenseNotReady && s.ASC == ascNotReady
}

// Standby reports that the logical unit sits behind a standby or
// unavailable controller port
func (s Sense) Standby() bool {
	return s.NotReady() && (s.ASCQ == ascqStandby || s.ASCQ == ascqUnavailable)
}

// NeedsStart reports that the unit must be spun up before it serves I/O
func (s Sense) NeedsStart() bool {
	return s.NotReady() && (s.ASCQ == ascqInitCmdRequired || s.ASCQ == ascqManualIntervention || s.ASCQ == ascqBecomingReady)
}

func (s Sense) String() string {
	return fmt.Sprintf("key=%02xh asc=%02xh ascq=%02xh", s.Key, s.ASC, s.ASCQ)
}

// FixedSense builds a minimal fixed-format sense buffer
func FixedSense(key, asc, ascq byte) []byte {
	b := make([]byte, 18)
	b[0] = 0x70
	b[2] = key & 0x0f
	b[7] = 10
	b[12] = asc
	b[13] = ascq
	return b
}
