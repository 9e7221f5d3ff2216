package dvb

import (
	"github.com/gopacket/gopacket"
)

var (
	LayerTypeDVB = gopacket.RegisterLayerType(
		1600,
		gopacket.LayerTypeMetadata{
			Name:    "DVB",
			Decoder: gopacket.DecodeFunc(decodeDVB),
		},
	)
	LayerClassDVB gopacket.LayerClass = LayerTypeDVB

	LayerTypeSOF = gopacket.RegisterLayerType(
		1601,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/SOF",
			Decoder: gopacket.DecodeFunc(decodeSOF),
		},
	)
	LayerClassSOF gopacket.LayerClass = LayerTypeSOF

	LayerTypeSAC = gopacket.RegisterLayerType(
		1602,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/SAC",
			Decoder: gopacket.DecodeFunc(decodeSAC),
		},
	)
	LayerClassSAC gopacket.LayerClass = LayerTypeSAC

	LayerTypeTTP = gopacket.RegisterLayerType(
		1603,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/TTP",
			Decoder: gopacket.DecodeFunc(decodeTTP),
		},
	)
	LayerClassTTP gopacket.LayerClass = LayerTypeTTP

	LayerTypeLogonRequest = gopacket.RegisterLayerType(
		1604,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/LogonRequest",
			Decoder: gopacket.DecodeFunc(decodeLogonRequest),
		},
	)
	LayerClassLogonRequest gopacket.LayerClass = LayerTypeLogonRequest

	LayerTypeLogonResponse = gopacket.RegisterLayerType(
		1605,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/LogonResponse",
			Decoder: gopacket.DecodeFunc(decodeLogonResponse),
		},
	)
	LayerClassLogonResponse gopacket.LayerClass = LayerTypeLogonResponse

	LayerTypeLogoff = gopacket.RegisterLayerType(
		1606,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/Logoff",
			Decoder: gopacket.DecodeFunc(decodeLogoff),
		},
	)
	LayerClassLogoff gopacket.LayerClass = LayerTypeLogoff

	LayerTypeBurst = gopacket.RegisterLayerType(
		1607,
		gopacket.LayerTypeMetadata{
			Name:    "DVB/Burst",
			Decoder: gopacket.DecodeFunc(decodeBurst),
		},
	)
	LayerClassBurst gopacket.LayerClass = LayerTypeBurst
)

func layerTypeForMsg(t MsgType) gopacket.LayerType {
	switch t {
	case MsgTypeSOF:
		return LayerTypeSOF
	case MsgTypeSAC:
		return LayerTypeSAC
	case MsgTypeTTP:
		return LayerTypeTTP
	case MsgTypeLogonReq:
		return LayerTypeLogonRequest
	case MsgTypeLogonResp:
		return LayerTypeLogonResponse
	case MsgTypeLogoff:
		return LayerTypeLogoff
	case MsgTypeDVBBurst:
		return LayerTypeBurst
	default:
		return gopacket.LayerTypePayload
	}
}
