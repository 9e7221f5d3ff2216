package dvb

import (
	"fmt"

	"github.com/gopacket/gopacket"
)

// Message is a DVB control or data message body.
type Message interface {
	gopacket.SerializableLayer
	gopacket.DecodingLayer
	MsgType() MsgType
}

// Codec encodes and decodes complete messages (header included). The zero
// value uses the big-endian SAC entry layout.
type Codec struct {
	Layout EntryLayout
}

// Encode serializes msg behind a common header with the length fixed up.
// A SAC is written with the codec layout; msg itself is left untouched.
func (c Codec) Encode(msg Message) ([]byte, error) {
	if sac, ok := msg.(*SAC); ok && sac.Layout != c.Layout {
		cp := *sac
		cp.Layout = c.Layout
		msg = &cp
	}
	buf := gopacket.NewSerializeBuffer()
	hdr := &Header{Type: msg.MsgType()}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, hdr, msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MsgType(), err)
	}
	return buf.Bytes(), nil
}

// Decode parses a complete message. Corrupted messages and message types
// without a body decoder are reported with ErrUnexpectedType; the header is
// still returned so callers can log it.
func (c Codec) Decode(data []byte) (*Header, Message, error) {
	hdr := &Header{}
	if err := hdr.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, nil, err
	}
	if hdr.Corrupted {
		return hdr, nil, fmt.Errorf("%s flagged corrupted: %w", hdr.Type, ErrUnexpectedType)
	}
	var msg Message
	switch hdr.Type {
	case MsgTypeSOF:
		msg = &SOF{}
	case MsgTypeSAC:
		msg = &SAC{Layout: c.Layout}
	case MsgTypeTTP:
		msg = &TTP{}
	case MsgTypeLogonReq:
		msg = &LogonRequest{}
	case MsgTypeLogonResp:
		msg = &LogonResponse{}
	case MsgTypeLogoff:
		msg = &Logoff{}
	case MsgTypeDVBBurst:
		msg = &Burst{}
	default:
		return hdr, nil, fmt.Errorf("no decoder for %s: %w", hdr.Type, ErrUnexpectedType)
	}
	if err := msg.DecodeFromBytes(hdr.Payload, gopacket.NilDecodeFeedback); err != nil {
		return hdr, nil, fmt.Errorf("decode %s: %w", hdr.Type, err)
	}
	return hdr, msg, nil
}

// DecodeSAC decodes data and fails with ErrUnexpectedType unless it is a SAC.
func (c Codec) DecodeSAC(data []byte) (*SAC, error) {
	return decodeAs[*SAC](c, data, MsgTypeSAC)
}

// DecodeTTP decodes data and fails with ErrUnexpectedType unless it is a TTP.
func (c Codec) DecodeTTP(data []byte) (*TTP, error) {
	return decodeAs[*TTP](c, data, MsgTypeTTP)
}

// DecodeSOF decodes data and fails with ErrUnexpectedType unless it is a SOF.
func (c Codec) DecodeSOF(data []byte) (*SOF, error) {
	return decodeAs[*SOF](c, data, MsgTypeSOF)
}

func decodeAs[T Message](c Codec, data []byte, want MsgType) (T, error) {
	var zero T
	hdr, err := peekHeader(data)
	if err != nil {
		return zero, err
	}
	if hdr.Type != want {
		return zero, fmt.Errorf("got %s, want %s: %w", hdr.Type, want, ErrUnexpectedType)
	}
	_, msg, err := c.Decode(data)
	if err != nil {
		return zero, err
	}
	return msg.(T), nil
}

func peekHeader(data []byte) (*Header, error) {
	hdr := &Header{}
	if err := hdr.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return hdr, nil
}
