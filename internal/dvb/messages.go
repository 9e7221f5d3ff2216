package dvb

import (
	"fmt"

	"github.com/gopacket/gopacket"
)

// SOF is the start-of-superframe tick broadcast by the NCC.
type SOF struct {
	BaseLayer
	SuperframeNumber uint16
}

func (s *SOF) MsgType() MsgType                  { return MsgTypeSOF }
func (s *SOF) LayerType() gopacket.LayerType     { return LayerTypeSOF }
func (s *SOF) CanDecode() gopacket.LayerClass    { return LayerClassSOF }
func (s *SOF) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }
func (s *SOF) String() string                    { return fmt.Sprintf("Superframe=%d", s.SuperframeNumber) }

func (s *SOF) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(2, "SOF"); err != nil {
		df.SetTruncated()
		return err
	}
	s.SuperframeNumber = r.u16()
	s.BaseLayer = BaseLayer{Contents: data}
	return r.done("SOF")
}

func (s *SOF) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(2)
	if err != nil {
		return err
	}
	newWriter(bytes).u16(s.SuperframeNumber)
	return nil
}

// LogonRequest is sent by a terminal to join the network. Rates are in
// kbit/s and MaxVBDC in kbits.
type LogonRequest struct {
	BaseLayer
	MAC         uint16
	RTBandwidth uint16
	MaxRBDC     uint16
	MaxVBDC     uint16
	IsSCPC      bool
}

const logonRequestLen = 2 + 2 + 2 + 2 + 1

func (l *LogonRequest) MsgType() MsgType                  { return MsgTypeLogonReq }
func (l *LogonRequest) LayerType() gopacket.LayerType     { return LayerTypeLogonRequest }
func (l *LogonRequest) CanDecode() gopacket.LayerClass    { return LayerClassLogonRequest }
func (l *LogonRequest) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (l *LogonRequest) String() string {
	return fmt.Sprintf("MAC=%d, RTBandwidth=%d, MaxRBDC=%d, MaxVBDC=%d, SCPC=%t",
		l.MAC, l.RTBandwidth, l.MaxRBDC, l.MaxVBDC, l.IsSCPC)
}

func (l *LogonRequest) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(logonRequestLen, "logon request"); err != nil {
		df.SetTruncated()
		return err
	}
	l.MAC = r.u16()
	l.RTBandwidth = r.u16()
	l.MaxRBDC = r.u16()
	l.MaxVBDC = r.u16()
	l.IsSCPC = r.u8() != 0
	l.BaseLayer = BaseLayer{Contents: data}
	return r.done("logon request")
}

func (l *LogonRequest) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(logonRequestLen)
	if err != nil {
		return err
	}
	w := newWriter(bytes)
	w.u16(l.MAC)
	w.u16(l.RTBandwidth)
	w.u16(l.MaxRBDC)
	w.u16(l.MaxVBDC)
	if l.IsSCPC {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return nil
}

// LogonResponse is the NCC answer to a logon request.
type LogonResponse struct {
	BaseLayer
	MAC     uint16
	GroupID uint8
	LogonID uint16
}

const logonResponseLen = 2 + 1 + 2

func (l *LogonResponse) MsgType() MsgType                  { return MsgTypeLogonResp }
func (l *LogonResponse) LayerType() gopacket.LayerType     { return LayerTypeLogonResponse }
func (l *LogonResponse) CanDecode() gopacket.LayerClass    { return LayerClassLogonResponse }
func (l *LogonResponse) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (l *LogonResponse) String() string {
	return fmt.Sprintf("MAC=%d, GroupID=%d, LogonID=%d", l.MAC, l.GroupID, l.LogonID)
}

func (l *LogonResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(logonResponseLen, "logon response"); err != nil {
		df.SetTruncated()
		return err
	}
	l.MAC = r.u16()
	l.GroupID = r.u8()
	l.LogonID = r.u16()
	l.BaseLayer = BaseLayer{Contents: data}
	return r.done("logon response")
}

func (l *LogonResponse) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(logonResponseLen)
	if err != nil {
		return err
	}
	w := newWriter(bytes)
	w.u16(l.MAC)
	w.u8(l.GroupID)
	w.u16(l.LogonID)
	return nil
}

// Logoff announces that a terminal leaves the network.
type Logoff struct {
	BaseLayer
	MAC uint16
}

func (l *Logoff) MsgType() MsgType                  { return MsgTypeLogoff }
func (l *Logoff) LayerType() gopacket.LayerType     { return LayerTypeLogoff }
func (l *Logoff) CanDecode() gopacket.LayerClass    { return LayerClassLogoff }
func (l *Logoff) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }
func (l *Logoff) String() string                    { return fmt.Sprintf("MAC=%d", l.MAC) }

func (l *Logoff) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(2, "logoff"); err != nil {
		df.SetTruncated()
		return err
	}
	l.MAC = r.u16()
	l.BaseLayer = BaseLayer{Contents: data}
	return r.done("logoff")
}

func (l *Logoff) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(2)
	if err != nil {
		return err
	}
	newWriter(bytes).u16(l.MAC)
	return nil
}

// MaxBurstLen is the largest DVB-RCS burst, header included.
const MaxBurstLen = 1200

// BurstOverhead is the room taken by the header and burst fields.
const BurstOverhead = HeaderLen + 2 + 1

// BurstPacketOverhead is the length prefix written before each packet.
const BurstPacketOverhead = 2

// Burst is a DVB-RCS data burst carrying encapsulated packets. Each packet is
// preceded by its 16-bit length.
type Burst struct {
	BaseLayer
	Modcod  uint8
	Packets [][]byte
}

// Len is the serialized burst length including the common header.
func (d *Burst) Len() int {
	n := BurstOverhead
	for _, p := range d.Packets {
		n += BurstPacketOverhead + len(p)
	}
	return n
}

func (d *Burst) MsgType() MsgType                  { return MsgTypeDVBBurst }
func (d *Burst) LayerType() gopacket.LayerType     { return LayerTypeBurst }
func (d *Burst) CanDecode() gopacket.LayerClass    { return LayerClassBurst }
func (d *Burst) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (d *Burst) String() string {
	return fmt.Sprintf("Modcod=%d, Packets=%d", d.Modcod, len(d.Packets))
}

func (d *Burst) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(3, "burst"); err != nil {
		df.SetTruncated()
		return err
	}
	qty := int(r.u16())
	d.Modcod = r.u8()
	d.Packets = make([][]byte, 0, qty)
	for i := 0; i < qty; i++ {
		if err := r.need(BurstPacketOverhead, fmt.Sprintf("burst packet %d length", i)); err != nil {
			df.SetTruncated()
			return err
		}
		n := int(r.u16())
		if err := r.need(n, fmt.Sprintf("burst packet %d", i)); err != nil {
			df.SetTruncated()
			return err
		}
		d.Packets = append(d.Packets, r.bytes(n))
	}
	d.BaseLayer = BaseLayer{Contents: data}
	return r.done("burst")
}

func (d *Burst) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(d.Packets) > 0xffff {
		return fmt.Errorf("burst with %d packets: %w", len(d.Packets), ErrLengthMismatch)
	}
	bytes, err := b.PrependBytes(d.Len() - HeaderLen)
	if err != nil {
		return err
	}
	w := newWriter(bytes)
	w.u16(uint16(len(d.Packets)))
	w.u8(d.Modcod)
	for i, p := range d.Packets {
		if len(p) > 0xffff {
			return fmt.Errorf("burst packet %d of %d bytes: %w", i, len(p), ErrLengthMismatch)
		}
		w.u16(uint16(len(p)))
		w.bytes(p)
	}
	return nil
}

func decodeSOF(data []byte, pb gopacket.PacketBuilder) error {
	s := &SOF{}
	err := s.DecodeFromBytes(data, pb)
	pb.AddLayer(s)
	return err
}

func decodeLogonRequest(data []byte, pb gopacket.PacketBuilder) error {
	l := &LogonRequest{}
	err := l.DecodeFromBytes(data, pb)
	pb.AddLayer(l)
	return err
}

func decodeLogonResponse(data []byte, pb gopacket.PacketBuilder) error {
	l := &LogonResponse{}
	err := l.DecodeFromBytes(data, pb)
	pb.AddLayer(l)
	return err
}

func decodeLogoff(data []byte, pb gopacket.PacketBuilder) error {
	l := &Logoff{}
	err := l.DecodeFromBytes(data, pb)
	pb.AddLayer(l)
	return err
}

func decodeBurst(data []byte, pb gopacket.PacketBuilder) error {
	d := &Burst{}
	err := d.DecodeFromBytes(data, pb)
	pb.AddLayer(d)
	return err
}
