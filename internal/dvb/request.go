package dvb

import "fmt"

// RequestType is the 4-bit capacity request type of a SAC entry.
type RequestType uint8

const (
	RequestVBDC         RequestType = 0
	RequestRBDC         RequestType = 1
	RequestAVBDC        RequestType = 2
	RequestCRA          RequestType = 3
	RequestSlottedAloha RequestType = 4
)

func (t RequestType) String() string {
	switch t {
	case RequestVBDC:
		return "VBDC"
	case RequestRBDC:
		return "RBDC"
	case RequestAVBDC:
		return "AVBDC"
	case RequestCRA:
		return "CRA"
	case RequestSlottedAloha:
		return "SALOHA"
	default:
		return fmt.Sprintf("RequestType(%d)", uint8(t))
	}
}

// Quantisation constants of the SAC request field.
const (
	// RBDCGranularity is the RBDC step in kbit/s at scale 0.
	RBDCGranularity = 2
	// RBDCScalingFactor multiplies the granularity at scale 1.
	RBDCScalingFactor = 16
	// RBDCScalingFactor2 multiplies the granularity at scale 2.
	RBDCScalingFactor2 = 32
	// RBDCScalingOffset is the largest RBDC value encoded at scale 0.
	RBDCScalingOffset = 510
	// VBDCScalingFactor multiplies the value at scale 1.
	VBDCScalingFactor = 16
	// VBDCScalingOffset is the largest VBDC value encoded at scale 0.
	VBDCScalingOffset = 255

	// MaxRBDCInSAC is the largest RBDC request (kbit/s) a SAC can carry.
	MaxRBDCInSAC = 255 * RBDCGranularity * RBDCScalingFactor2
	// MaxVBDCInSAC is the largest VBDC request (packets) a SAC can carry.
	MaxVBDCInSAC = 255 * VBDCScalingFactor
)

// EncodeRequest quantises value into the (scale, value8) pair carried on the
// wire. Divisions round to nearest with ties rounding up. Values whose
// quantised form does not fit 8 bits are rejected with ErrRequestOutOfRange;
// callers clamp against MaxRBDCInSAC / MaxVBDCInSAC first.
func EncodeRequest(value uint32, t RequestType) (scale uint8, value8 uint8, err error) {
	var q uint32
	switch t {
	case RequestVBDC, RequestAVBDC:
		if value <= VBDCScalingOffset {
			return 0, uint8(value), nil
		}
		scale, q = 1, roundedDiv(value, VBDCScalingFactor)
	case RequestRBDC:
		switch {
		case value <= RBDCScalingOffset:
			scale, q = 0, roundedDiv(value, RBDCGranularity)
		case value <= RBDCScalingOffset*RBDCScalingFactor:
			scale, q = 1, roundedDiv(value, RBDCGranularity*RBDCScalingFactor)
		default:
			scale, q = 2, roundedDiv(value, RBDCGranularity*RBDCScalingFactor2)
		}
	default:
		// CRA and Slotted Aloha entries carry the raw value.
		if value > 0xff {
			return 0, 0, fmt.Errorf("%s value %d: %w", t, value, ErrRequestOutOfRange)
		}
		return 0, uint8(value), nil
	}
	if q > 0xff {
		return 0, 0, fmt.Errorf("%s value %d quantises to %d at scale %d: %w",
			t, value, q, scale, ErrRequestOutOfRange)
	}
	return scale, uint8(q), nil
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(scale uint8, value8 uint8, t RequestType) (uint32, error) {
	v := uint32(value8)
	switch t {
	case RequestVBDC, RequestAVBDC:
		switch scale {
		case 0:
			return v, nil
		case 1:
			return v * VBDCScalingFactor, nil
		}
	case RequestRBDC:
		switch scale {
		case 0:
			return v * RBDCGranularity, nil
		case 1:
			return v * RBDCGranularity * RBDCScalingFactor, nil
		case 2:
			return v * RBDCGranularity * RBDCScalingFactor2, nil
		}
	default:
		if scale == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%s with scale %d: %w", t, scale, ErrRequestOutOfRange)
}

// FloorRequest returns the largest value not above value that a SAC
// carries exactly, so that what a terminal accounts for is what the NCC
// decodes. Values above the SAC maximum floor to that maximum.
func FloorRequest(value uint32, t RequestType) uint32 {
	switch t {
	case RequestVBDC, RequestAVBDC:
		value = min(value, MaxVBDCInSAC)
	case RequestRBDC:
		value = min(value, MaxRBDCInSAC)
	}
	scale, value8, err := EncodeRequest(value, t)
	if err != nil {
		return 0
	}
	v, err := DecodeRequest(scale, value8, t)
	if err != nil {
		return 0
	}
	if v > value && value8 > 0 {
		// rounded up: take the step below at the same scale
		v, _ = DecodeRequest(scale, value8-1, t)
	}
	return v
}

func roundedDiv(value, step uint32) uint32 {
	quot, rem := value/step, value%step
	if rem >= step/2 {
		return quot + 1
	}
	return quot
}
