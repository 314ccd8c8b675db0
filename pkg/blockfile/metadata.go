package blockfile

import (
	"strings"
	"time"
)

// Mapping converts one raw header field into a calibrated metadata value
// stored under Path in the metadata tree.
type Mapping struct {
	Field   string
	Path    string
	Convert func(Header) any
}

// Mappings is the fixed set of header conversions applied on read.
var Mappings = []Mapping{
	{
		Field:   FieldBeamEnergy,
		Path:    "Acquisition_instrument.TEM.beam_energy",
		Convert: func(h Header) any { return BeamEnergyKV(h.BeamEnergy) },
	},
	{
		Field:   FieldAcquisitionTime,
		Path:    "General.time",
		Convert: func(h Header) any { return FromSerialDate(h.AcquisitionTime) },
	},
	{
		Field:   FieldCameraLength,
		Path:    "Acquisition_instrument.TEM.camera_length",
		Convert: func(h Header) any { return CameraLengthM(h.CameraLength) },
	},
	{
		Field:   FieldScanRotation,
		Path:    "Acquisition_instrument.TEM.scan_rotation",
		Convert: func(h Header) any { return ScanRotationDeg(h.ScanRotation) },
	},
}

// BeamEnergyKV converts volts to kilovolts.
func BeamEnergyKV(v uint32) float64 { return float64(v) * 1e-3 }

// CameraLengthM converts tenths of a millimetre to metres.
func CameraLengthM(v uint32) float64 { return float64(v) * 1e-4 }

// ScanRotationDeg converts hundredths of a degree to degrees.
func ScanRotationDeg(v uint16) float64 { return float64(v) * 1e-2 }

// Metadata holds the calibrated quantities derived from a header.
type Metadata struct {
	BeamEnergy      float64   // kV
	AcquisitionTime time.Time // UTC
	CameraLength    float64   // m
	ScanRotation    float64   // degrees
}

// DeriveMetadata applies Mappings to h.
func DeriveMetadata(h Header) Metadata {
	return Metadata{
		BeamEnergy:      BeamEnergyKV(h.BeamEnergy),
		AcquisitionTime: FromSerialDate(h.AcquisitionTime),
		CameraLength:    CameraLengthM(h.CameraLength),
		ScanRotation:    ScanRotationDeg(h.ScanRotation),
	}
}

// MetadataTree returns the converted header values as a nested map keyed by
// the dotted paths in Mappings.
func MetadataTree(h Header) map[string]any {
	root := map[string]any{}

	for _, m := range Mappings {
		parts := strings.Split(m.Path, ".")
		node := root

		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}

			node = child
		}

		node[parts[len(parts)-1]] = m.Convert(h)
	}

	return root
}
