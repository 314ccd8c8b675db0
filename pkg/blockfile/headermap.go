package blockfile

import (
	"fmt"
	"math"
)

// Header field names as used by the acquisition software.
const (
	FieldID              = "ID"
	FieldMagic           = "MAGIC"
	FieldDataOffset1     = "Data_offset_1"
	FieldDataOffset2     = "Data_offset_2"
	FieldUnknown1        = "UNKNOWN1"
	FieldDPSize          = "DP_SZ"
	FieldDPRotation      = "DP_rotation"
	FieldNX              = "NX"
	FieldNY              = "NY"
	FieldScanRotation    = "Scan_rotation"
	FieldSX              = "SX"
	FieldSY              = "SY"
	FieldBeamEnergy      = "Beam_energy"
	FieldSDP             = "SDP"
	FieldCameraLength    = "Camera_length"
	FieldAcquisitionTime = "Aquisiton_time"
)

// CenteringField returns the name of the i-th centering value (Centering_N0..N7).
func CenteringField(i int) string { return fmt.Sprintf("Centering_N%d", i) }

// DistortionField returns the name of the i-th distortion value (Distortion_N00..N13).
func DistortionField(i int) string { return fmt.Sprintf("Distortion_N%02d", i) }

// FieldNames lists every header field in on-disk order.
func FieldNames() []string {
	names := []string{
		FieldID, FieldMagic, FieldDataOffset1, FieldDataOffset2, FieldUnknown1,
		FieldDPSize, FieldDPRotation, FieldNX, FieldNY, FieldScanRotation,
		FieldSX, FieldSY, FieldBeamEnergy, FieldSDP, FieldCameraLength,
		FieldAcquisitionTime,
	}
	for i := range centeringCount {
		names = append(names, CenteringField(i))
	}

	for i := range distortionCount {
		names = append(names, DistortionField(i))
	}

	return names
}

// Map returns the header as a field name to value mapping. Integer fields
// keep their declared Go width; ID is a string.
func (h Header) Map() map[string]any {
	m := map[string]any{
		FieldID:              string(h.ID[:]),
		FieldMagic:           h.Magic,
		FieldDataOffset1:     h.DataOffset1,
		FieldDataOffset2:     h.DataOffset2,
		FieldUnknown1:        h.Unknown1,
		FieldDPSize:          h.DPSize,
		FieldDPRotation:      h.DPRotation,
		FieldNX:              h.NX,
		FieldNY:              h.NY,
		FieldScanRotation:    h.ScanRotation,
		FieldSX:              h.SX,
		FieldSY:              h.SY,
		FieldBeamEnergy:      h.BeamEnergy,
		FieldSDP:             h.SDP,
		FieldCameraLength:    h.CameraLength,
		FieldAcquisitionTime: h.AcquisitionTime,
	}
	for i, v := range h.Centering {
		m[CenteringField(i)] = v
	}

	for i, v := range h.Distortion {
		m[DistortionField(i)] = v
	}

	return m
}

// HeaderFromMap builds a header from a mapping such as the one produced by
// Map or decoded from JSON. Missing fields are zero and unknown keys are
// ignored. Integer fields must be whole numbers within their width.
func HeaderFromMap(m map[string]any) (Header, error) {
	var h Header

	if v, ok := m[FieldID]; ok {
		switch id := v.(type) {
		case string:
			copy(h.ID[:], id)
		case []byte:
			copy(h.ID[:], id)
		default:
			return h, fmt.Errorf("%w: field %s has type %T", ErrMalformedHeader, FieldID, v)
		}
	}

	var err error
	u16 := func(name string, dst *uint16) {
		if err == nil {
			var v uint64
			v, err = uintField(m, name, math.MaxUint16)
			*dst = uint16(v)
		}
	}
	u32 := func(name string, dst *uint32) {
		if err == nil {
			var v uint64
			v, err = uintField(m, name, math.MaxUint32)
			*dst = uint32(v)
		}
	}
	f64 := func(name string, dst *float64) {
		if err == nil {
			*dst, err = floatField(m, name)
		}
	}

	u16(FieldMagic, &h.Magic)
	u32(FieldDataOffset1, &h.DataOffset1)
	u32(FieldDataOffset2, &h.DataOffset2)
	u32(FieldUnknown1, &h.Unknown1)
	u16(FieldDPSize, &h.DPSize)
	u16(FieldDPRotation, &h.DPRotation)
	u16(FieldNX, &h.NX)
	u16(FieldNY, &h.NY)
	u16(FieldScanRotation, &h.ScanRotation)
	f64(FieldSX, &h.SX)
	f64(FieldSY, &h.SY)
	u32(FieldBeamEnergy, &h.BeamEnergy)
	u16(FieldSDP, &h.SDP)
	u32(FieldCameraLength, &h.CameraLength)
	f64(FieldAcquisitionTime, &h.AcquisitionTime)

	for i := range h.Centering {
		f64(CenteringField(i), &h.Centering[i])
	}

	for i := range h.Distortion {
		f64(DistortionField(i), &h.Distortion[i])
	}

	return h, err
}

func floatField(m map[string]any, name string) (float64, error) {
	v, ok := m[name]
	if !ok {
		return 0, nil
	}

	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%w: field %s has type %T", ErrMalformedHeader, name, v)
	}
}

func uintField(m map[string]any, name string, limit uint64) (uint64, error) {
	v, ok := m[name]
	if !ok {
		return 0, nil
	}

	var u uint64

	switch n := v.(type) {
	case uint16:
		u = uint64(n)
	case uint32:
		u = uint64(n)
	case uint64:
		u = n
	case uint:
		u = uint64(n)
	case int:
		if n < 0 {
			return 0, fmt.Errorf("%w: field %s = %d", ErrOutOfRange, name, n)
		}

		u = uint64(n)
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("%w: field %s = %d", ErrOutOfRange, name, n)
		}

		u = uint64(n)
	case float64:
		if n < 0 || n != math.Trunc(n) || n > float64(limit) {
			return 0, fmt.Errorf("%w: field %s = %g", ErrOutOfRange, name, n)
		}

		u = uint64(n)
	default:
		return 0, fmt.Errorf("%w: field %s has type %T", ErrMalformedHeader, name, v)
	}

	if u > limit {
		return 0, fmt.Errorf("%w: field %s = %d exceeds %d", ErrOutOfRange, name, u, limit)
	}

	return u, nil
}
