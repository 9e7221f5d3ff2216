package dvb

import (
	"fmt"
	"math"

	"github.com/gopacket/gopacket"
)

const (
	// MaxRequestsPerSAC bounds the number of capacity requests in one SAC.
	MaxRequestsPerSAC = 2
	// DefaultCNI is the forward link C/N reported before any measurement,
	// low enough to force the most robust MODCOD.
	DefaultCNI = -100.0

	sacFixedLen = 2 + 1 + 1 + 4
	sacEntryLen = 2
)

// EntryLayout selects the byte layout of SAC request entries. Historical
// peers emitted the packed bit-field in host order, so both layouts exist on
// the wire and the choice must be made explicitly.
type EntryLayout uint8

const (
	// BigEndianLayout is [type<<4 | prio<<2 | scale, value].
	BigEndianLayout EntryLayout = iota
	// LittleEndianLayout is [value, type<<4 | scale<<2 | prio].
	LittleEndianLayout
)

// DefaultLayout is used by the gopacket decoder registered for LayerTypeSAC.
var DefaultLayout = BigEndianLayout

func (l EntryLayout) String() string {
	switch l {
	case BigEndianLayout:
		return "big-endian"
	case LittleEndianLayout:
		return "little-endian"
	default:
		return fmt.Sprintf("EntryLayout(%d)", uint8(l))
	}
}

// ParseEntryLayout maps "big"/"big-endian" and "little"/"little-endian" to a
// layout.
func ParseEntryLayout(s string) (EntryLayout, error) {
	switch s {
	case "", "big", "big-endian", "be":
		return BigEndianLayout, nil
	case "little", "little-endian", "le":
		return LittleEndianLayout, nil
	}
	return 0, fmt.Errorf("unknown SAC entry layout %q", s)
}

// CapacityRequest is one decoded SAC entry. Value is expressed in kbit/s for
// RBDC and in packets for VBDC.
type CapacityRequest struct {
	Priority uint8
	Type     RequestType
	Value    uint32
}

// SAC is the Satellite Access Control message sent by a terminal once per
// OBR period.
type SAC struct {
	BaseLayer
	Layout   EntryLayout
	TalID    uint16
	GroupID  uint8
	CNI      float64
	Requests []CapacityRequest
}

// NewSAC returns a SAC with the default CNI and no requests.
func NewSAC(talID uint16, groupID uint8) *SAC {
	return &SAC{TalID: talID, GroupID: groupID, CNI: DefaultCNI}
}

// AddRequest appends a capacity request, refusing more than
// MaxRequestsPerSAC entries.
func (s *SAC) AddRequest(prio uint8, t RequestType, value uint32) error {
	if len(s.Requests) >= MaxRequestsPerSAC {
		return ErrTooManyRequests
	}
	if prio > 3 {
		return fmt.Errorf("priority %d does not fit 2 bits", prio)
	}
	s.Requests = append(s.Requests, CapacityRequest{Priority: prio, Type: t, Value: value})
	return nil
}

func (s *SAC) MsgType() MsgType { return MsgTypeSAC }

func (s *SAC) LayerType() gopacket.LayerType { return LayerTypeSAC }

func (s *SAC) CanDecode() gopacket.LayerClass { return LayerClassSAC }

func (s *SAC) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// DecodeFromBytes decodes the SAC body (without the common header) and
// dequantises each entry.
func (s *SAC) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(sacFixedLen, "SAC"); err != nil {
		df.SetTruncated()
		return err
	}
	s.TalID = r.u16()
	s.GroupID = r.u8()
	count := int(r.u8())
	s.CNI = cniFromWire(r.u32())
	if count > MaxRequestsPerSAC {
		return fmt.Errorf("SAC declares %d requests: %w", count, ErrTooManyRequests)
	}
	if err := r.need(count*sacEntryLen, "SAC requests"); err != nil {
		df.SetTruncated()
		return err
	}
	s.Requests = s.Requests[:0]
	for i := 0; i < count; i++ {
		prio, typ, scale, value8 := s.Layout.unpack(r.bytes(sacEntryLen))
		value, err := DecodeRequest(scale, value8, typ)
		if err != nil {
			return fmt.Errorf("SAC request %d: %w", i, err)
		}
		s.Requests = append(s.Requests, CapacityRequest{Priority: prio, Type: typ, Value: value})
	}
	if err := r.done("SAC"); err != nil {
		return err
	}
	s.BaseLayer = BaseLayer{Contents: data}
	return nil
}

// SerializeTo quantises and writes the SAC body.
func (s *SAC) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(s.Requests) > MaxRequestsPerSAC {
		return ErrTooManyRequests
	}
	bytes, err := b.PrependBytes(sacFixedLen + len(s.Requests)*sacEntryLen)
	if err != nil {
		return err
	}
	w := newWriter(bytes)
	w.u16(s.TalID)
	w.u8(s.GroupID)
	w.u8(uint8(len(s.Requests)))
	w.u32(cniToWire(s.CNI))
	for i, req := range s.Requests {
		scale, value8, err := EncodeRequest(req.Value, req.Type)
		if err != nil {
			return fmt.Errorf("SAC request %d: %w", i, err)
		}
		w.bytes(s.Layout.pack(req.Priority, req.Type, scale, value8))
	}
	return nil
}

func (s *SAC) String() string {
	return fmt.Sprintf("TalID=%d, GroupID=%d, CNI=%.2f, Requests=%v", s.TalID, s.GroupID, s.CNI, s.Requests)
}

func (l EntryLayout) pack(prio uint8, t RequestType, scale, value8 uint8) []byte {
	if l == LittleEndianLayout {
		return []byte{value8, uint8(t)&0x0f<<4 | scale&0x03<<2 | prio&0x03}
	}
	return []byte{uint8(t)&0x0f<<4 | prio&0x03<<2 | scale&0x03, value8}
}

func (l EntryLayout) unpack(b []byte) (prio uint8, t RequestType, scale, value8 uint8) {
	if l == LittleEndianLayout {
		bits := b[1]
		return bits & 0x03, RequestType(bits >> 4), (bits >> 2) & 0x03, b[0]
	}
	bits := b[0]
	return (bits >> 2) & 0x03, RequestType(bits >> 4), bits & 0x03, b[1]
}

// The CNI travels as a signed hundredth of dB.
func cniToWire(cni float64) uint32 {
	return uint32(int32(math.Round(cni * 100)))
}

func cniFromWire(v uint32) float64 {
	return float64(int32(v)) / 100
}

func decodeSAC(data []byte, pb gopacket.PacketBuilder) error {
	s := &SAC{Layout: DefaultLayout}
	err := s.DecodeFromBytes(data, pb)
	pb.AddLayer(s)
	return err
}
