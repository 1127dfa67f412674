package hrm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Heart Rate Measurement flags
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
const (
	hrFlagUint16           = 0x01 // Bit 0: 0 = UINT8, 1 = UINT16
	hrFlagContactDetected  = 0x02 // Bit 1: sensor contact detected
	hrFlagContactSupported = 0x04 // Bit 2: sensor contact feature supported
	hrFlagEnergyExpended   = 0x08 // Bit 3: energy expended present
	hrFlagRRInterval       = 0x10 // Bit 4: RR intervals present
)

// HeartRateMeasurement is a fully decoded Heart Rate Measurement notification.
type HeartRateMeasurement struct {
	BPM              uint16
	ContactSupported bool
	ContactDetected  bool
	EnergyExpended   bool
	Energy           uint16 // kJ, valid when EnergyExpended
	RR               []time.Duration
}

// DecodeHeartRate returns the beats-per-minute value of a Heart Rate
// Measurement payload. The UINT16 format keeps its full range.
func DecodeHeartRate(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("heart rate data too short: %d bytes: %w", len(buf), ErrMalformedPayload)
	}

	if buf[0]&hrFlagUint16 == 0 {
		return uint16(buf[1]), nil
	}
	if len(buf) < 3 {
		return 0, fmt.Errorf("heart rate UINT16 data too short: %d bytes: %w", len(buf), ErrMalformedPayload)
	}
	return binary.LittleEndian.Uint16(buf[1:3]), nil
}

// DecodeHeartRateMeasurement decodes every field of a Heart Rate
// Measurement payload.
func DecodeHeartRateMeasurement(buf []byte) (HeartRateMeasurement, error) {
	bpm, err := DecodeHeartRate(buf)
	if err != nil {
		return HeartRateMeasurement{}, err
	}

	flags := buf[0]
	m := HeartRateMeasurement{
		BPM:              bpm,
		ContactSupported: flags&hrFlagContactSupported != 0,
		ContactDetected:  flags&hrFlagContactDetected != 0,
		EnergyExpended:   flags&hrFlagEnergyExpended != 0,
	}

	offset := 2
	if flags&hrFlagUint16 != 0 {
		offset = 3
	}

	if m.EnergyExpended {
		if offset+2 > len(buf) {
			return m, fmt.Errorf("buffer too short for energy expended at offset %d: %w", offset, ErrMalformedPayload)
		}
		m.Energy = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
	}

	if flags&hrFlagRRInterval != 0 {
		rrData := buf[offset:]
		if len(rrData)%2 != 0 {
			return m, fmt.Errorf("odd RR interval length %d: %w", len(rrData), ErrMalformedPayload)
		}
		m.RR = make([]time.Duration, 0, len(rrData)/2)
		for i := 0; i < len(rrData); i += 2 {
			// RR intervals have 1/1024 second resolution
			m.RR = append(m.RR, time.Duration(binary.LittleEndian.Uint16(rrData[i:]))*time.Second/1024)
		}
	}

	return m, nil
}

// EncodeHeartRateMeasurement is the inverse of DecodeHeartRateMeasurement.
// The UINT16 format is only used when the rate does not fit a byte.
func EncodeHeartRateMeasurement(m HeartRateMeasurement) []byte {
	var flags byte
	if m.BPM > 0xFF {
		flags |= hrFlagUint16
	}
	if m.ContactSupported {
		flags |= hrFlagContactSupported
	}
	if m.ContactDetected {
		flags |= hrFlagContactDetected
	}
	if m.EnergyExpended {
		flags |= hrFlagEnergyExpended
	}
	if len(m.RR) > 0 {
		flags |= hrFlagRRInterval
	}

	buf := []byte{flags}
	if flags&hrFlagUint16 != 0 {
		buf = binary.LittleEndian.AppendUint16(buf, m.BPM)
	} else {
		buf = append(buf, byte(m.BPM))
	}
	if m.EnergyExpended {
		buf = binary.LittleEndian.AppendUint16(buf, m.Energy)
	}
	for _, rr := range m.RR {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(rr*1024/time.Second))
	}
	return buf
}

// DecodeSensorLocation maps a Body Sensor Location payload to a
// SensorLocation. Reserved values and empty payloads have no location.
func DecodeSensorLocation(buf []byte) (SensorLocation, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	raw := buf[0]
	if raw > byte(LocationFoot) {
		return 0, false
	}
	return SensorLocation(raw), true
}

// DecodeText interprets a string characteristic. Invalid UTF-8 has no value.
func DecodeText(buf []byte) (string, bool) {
	if !utf8.Valid(buf) {
		return "", false
	}
	// GAP strings are often NUL padded
	return string(bytes.TrimRight(buf, "\x00")), true
}
