// Package dvb encodes and decodes the OpenSAND DVB-RCS control messages
// exchanged between terminals and the NCC: SAC capacity requests, TTP time
// plans, start-of-frame ticks, logon/logoff signalling and data bursts.
//
// Every message starts with the common 3-byte header
// {msg_length:16, corrupted:1, msg_type:7} in network byte order. The header
// is a gopacket layer so captured frames can be decoded with
// gopacket.NewPacket(data, LayerTypeDVB, gopacket.Default).
package dvb

import (
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"
)

// HeaderLen is the length of the common DVB header.
const HeaderLen = 3

// MsgType is the 7-bit message discriminant carried in the common header.
type MsgType uint8

const (
	MsgTypeError      MsgType = 0
	MsgTypeSOF        MsgType = 1
	MsgTypeCorrupted  MsgType = 5
	MsgTypeSAC        MsgType = 10
	MsgTypeCSC        MsgType = 11
	MsgTypeDVBBurst   MsgType = 12
	MsgTypeBBFrame    MsgType = 13
	MsgTypeSalohaData MsgType = 14
	MsgTypeSalohaCtrl MsgType = 15
	MsgTypeTTP        MsgType = 21
	MsgTypeSync       MsgType = 22
	MsgTypeLogonReq   MsgType = 50
	MsgTypeLogoff     MsgType = 51
	MsgTypeLogonResp  MsgType = 52

	maxMsgType MsgType = 0x7f
)

const (
	corruptedFlagMask uint8 = 0x80
	msgTypeFieldMask  uint8 = 0x7f
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeError:
		return "ERROR"
	case MsgTypeSOF:
		return "SOF"
	case MsgTypeCorrupted:
		return "CORRUPTED"
	case MsgTypeSAC:
		return "SAC"
	case MsgTypeCSC:
		return "CSC"
	case MsgTypeDVBBurst:
		return "DVB_BURST"
	case MsgTypeBBFrame:
		return "BBFRAME"
	case MsgTypeSalohaData:
		return "SALOHA_DATA"
	case MsgTypeSalohaCtrl:
		return "SALOHA_CTRL"
	case MsgTypeTTP:
		return "TTP"
	case MsgTypeSync:
		return "SYNC"
	case MsgTypeLogonReq:
		return "LOGON_REQ"
	case MsgTypeLogoff:
		return "LOGOFF"
	case MsgTypeLogonResp:
		return "LOGON_RESP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsData reports whether the message type carries user traffic rather than
// signalling.
func (t MsgType) IsData() bool {
	switch t {
	case MsgTypeBBFrame, MsgTypeDVBBurst, MsgTypeSalohaData, MsgTypeSalohaCtrl:
		return true
	}
	return false
}

// BaseLayer implements the LayerContents and LayerPayload parts of
// gopacket.Layer.
type BaseLayer struct {
	Contents []byte
	Payload  []byte
}

func (b *BaseLayer) LayerContents() []byte { return b.Contents }
func (b *BaseLayer) LayerPayload() []byte  { return b.Payload }

// Header is the common DVB message header.
type Header struct {
	BaseLayer
	// Length is the total message length including the header.
	Length    uint16
	Corrupted bool
	Type      MsgType
}

func (h *Header) LayerType() gopacket.LayerType { return LayerTypeDVB }

func (h *Header) CanDecode() gopacket.LayerClass { return LayerClassDVB }

// NextLayerType returns the layer type of the message body announced by the
// header.
func (h *Header) NextLayerType() gopacket.LayerType {
	if h.Corrupted {
		return gopacket.LayerTypePayload
	}
	return layerTypeForMsg(h.Type)
}

// DecodeFromBytes implements gopacket.DecodingLayer. The payload is cut at
// the declared message length.
func (h *Header) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("header needs %d bytes, have %d: %w", HeaderLen, len(data), ErrTruncated)
	}
	h.Length = binary.BigEndian.Uint16(data[0:2])
	h.Corrupted = data[2]&corruptedFlagMask != 0
	h.Type = MsgType(data[2] & msgTypeFieldMask)
	if int(h.Length) < HeaderLen {
		return fmt.Errorf("declared length %d shorter than header: %w", h.Length, ErrLengthMismatch)
	}
	if int(h.Length) > len(data) {
		df.SetTruncated()
		return fmt.Errorf("declared length %d, have %d bytes: %w", h.Length, len(data), ErrTruncated)
	}
	h.BaseLayer = BaseLayer{Contents: data[:HeaderLen], Payload: data[HeaderLen:h.Length]}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer. With FixLengths the
// length field covers the header and everything serialized after it.
func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if h.Type > maxMsgType {
		return fmt.Errorf("message type %d does not fit 7 bits", h.Type)
	}
	bytes, err := b.PrependBytes(HeaderLen)
	if err != nil {
		return err
	}
	if opts.FixLengths {
		total := len(b.Bytes())
		if total > 0xffff {
			return fmt.Errorf("message of %d bytes exceeds 16-bit length: %w", total, ErrLengthMismatch)
		}
		h.Length = uint16(total)
	}
	binary.BigEndian.PutUint16(bytes[0:2], h.Length)
	bytes[2] = uint8(h.Type) & msgTypeFieldMask
	if h.Corrupted {
		bytes[2] |= corruptedFlagMask
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("Type=%s, Length=%d, Corrupted=%t", h.Type, h.Length, h.Corrupted)
}

func decodeDVB(data []byte, pb gopacket.PacketBuilder) error {
	h := &Header{}
	err := h.DecodeFromBytes(data, pb)
	pb.AddLayer(h)
	if err != nil {
		return err
	}
	return pb.NextDecoder(h.NextLayerType())
}
