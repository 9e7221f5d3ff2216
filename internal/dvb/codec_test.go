package dvb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gopacket/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSAC() *SAC {
	sac := NewSAC(0x0102, 3)
	_ = sac.AddRequest(2, RequestRBDC, 600)
	_ = sac.AddRequest(0, RequestVBDC, 300)
	return sac
}

func TestSACEncodeBigEndianLayout(t *testing.T) {
	raw, err := Codec{Layout: BigEndianLayout}.Encode(testSAC())
	require.NoError(t, err)

	want := []byte{
		0x00, 0x0f, 0x0a, // header: length 15, type SAC
		0x01, 0x02, // tal_id
		0x03,                   // group_id
		0x02,                   // cr_number
		0xff, 0xff, 0xd8, 0xf0, // cni -100.00 dB
		0x19, 0x13, // RBDC prio 2 scale 1 value 19
		0x01, 0x13, // VBDC prio 0 scale 1 value 19
	}
	assert.Equal(t, want, raw)
}

func TestSACEncodeLittleEndianLayout(t *testing.T) {
	raw, err := Codec{Layout: LittleEndianLayout}.Encode(testSAC())
	require.NoError(t, err)
	require.Len(t, raw, 15)
	assert.Equal(t, []byte{0x13, 0x16}, raw[11:13])
	assert.Equal(t, []byte{0x13, 0x04}, raw[13:15])
}

func TestSACRoundTripBothLayouts(t *testing.T) {
	for _, layout := range []EntryLayout{BigEndianLayout, LittleEndianLayout} {
		t.Run(layout.String(), func(t *testing.T) {
			codec := Codec{Layout: layout}
			in := testSAC()
			in.CNI = 12.34
			raw, err := codec.Encode(in)
			require.NoError(t, err)

			out, err := codec.DecodeSAC(raw)
			require.NoError(t, err)
			assert.Equal(t, uint16(0x0102), out.TalID)
			assert.Equal(t, uint8(3), out.GroupID)
			assert.InDelta(t, 12.34, out.CNI, 0.001)
			want := []CapacityRequest{
				{Priority: 2, Type: RequestRBDC, Value: 608},
				{Priority: 0, Type: RequestVBDC, Value: 304},
			}
			if diff := cmp.Diff(want, out.Requests); diff != "" {
				t.Fatalf("requests mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeLeavesTheSACLayoutAlone(t *testing.T) {
	sac := testSAC()
	sac.Layout = BigEndianLayout

	little, err := Codec{Layout: LittleEndianLayout}.Encode(sac)
	require.NoError(t, err)
	assert.Equal(t, BigEndianLayout, sac.Layout)

	// the same message still encodes the other way afterwards
	big, err := Codec{Layout: BigEndianLayout}.Encode(sac)
	require.NoError(t, err)
	assert.NotEqual(t, little[11:], big[11:])
}

func TestSACLayoutsAreNotInterchangeable(t *testing.T) {
	raw, err := Codec{Layout: LittleEndianLayout}.Encode(testSAC())
	require.NoError(t, err)
	// The little-endian RBDC entry read as big-endian yields scale 3.
	_, err = Codec{Layout: BigEndianLayout}.DecodeSAC(raw)
	require.ErrorIs(t, err, ErrRequestOutOfRange)
}

func TestSACRejectsThirdRequest(t *testing.T) {
	sac := testSAC()
	require.ErrorIs(t, sac.AddRequest(0, RequestVBDC, 1), ErrTooManyRequests)
}

func TestSACEncodeRejectsUnrepresentableValue(t *testing.T) {
	sac := NewSAC(1, 0)
	require.NoError(t, sac.AddRequest(0, RequestRBDC, MaxRBDCInSAC*2))
	_, err := Codec{}.Encode(sac)
	require.ErrorIs(t, err, ErrRequestOutOfRange)
}

func TestSACDecodeTruncated(t *testing.T) {
	raw, err := Codec{}.Encode(testSAC())
	require.NoError(t, err)
	// Keep the header consistent with the shortened body so the body
	// decoder sees the missing entry.
	short := append([]byte(nil), raw[:13]...)
	short[1] = 13
	_, err = Codec{}.DecodeSAC(short)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestTTPTwoFramesScenario(t *testing.T) {
	ttp := NewTTP(7, 42)
	ttp.AddTimePlan(0, TimePlan{TalID: 5, Offset: 0, AssignmentCount: 12, FmtID: 1, Priority: 0})
	ttp.Frames[1] = nil

	raw, err := Codec{}.Encode(ttp)
	require.NoError(t, err)
	require.Len(t, raw, HeaderLen+ttpFixedLen+2*ttpFrameLen+ttpEntryLen)

	out, err := Codec{}.DecodeTTP(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), out.GroupID)
	assert.Equal(t, uint16(42), out.SuperframeCount)
	require.Len(t, out.Frames, 2)
	assert.Empty(t, out.Frames[1])
	want := map[uint8][]TimePlan{
		0: {{TalID: 5, Offset: 0, AssignmentCount: 12, FmtID: 1, Priority: 0}},
		1: {},
	}
	if diff := cmp.Diff(want, out.Frames, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint32(12), out.Assignment(5))
}

func TestTTPFramesWrittenAscending(t *testing.T) {
	ttp := NewTTP(1, 1)
	for _, n := range []uint8{3, 1, 2} {
		ttp.AddTimePlan(n, TimePlan{TalID: uint16(n)})
	}
	raw, err := Codec{}.Encode(ttp)
	require.NoError(t, err)

	off := HeaderLen + ttpFixedLen
	var seen []uint8
	for i := 0; i < 3; i++ {
		seen = append(seen, raw[off])
		off += ttpFrameLen + ttpEntryLen
	}
	assert.Equal(t, []uint8{1, 2, 3}, seen)
}

func TestTTPDecodeEveryPrefixFailsCleanly(t *testing.T) {
	ttp := NewTTP(1, 9)
	ttp.AddTimePlan(0, TimePlan{TalID: 1, AssignmentCount: 3})
	ttp.AddTimePlan(0, TimePlan{TalID: 2, AssignmentCount: 4})
	ttp.AddTimePlan(2, TimePlan{TalID: 1, AssignmentCount: 5})
	raw, err := Codec{}.Encode(ttp)
	require.NoError(t, err)

	body := raw[HeaderLen:]
	for n := 0; n < len(body); n++ {
		var out TTP
		err := out.DecodeFromBytes(body[:n], gopacket.NilDecodeFeedback)
		require.ErrorIs(t, err, ErrTruncated, "prefix of %d bytes", n)
	}
}

func TestTTPDecodeEntryCountBeyondBudget(t *testing.T) {
	body := []byte{
		0x00, 0x01, // group
		0x00, 0x02, // superframe
		0x01,       // one frame
		0x00,       // frame number
		0x10, 0x00, // claims 4096 entries
	}
	var out TTP
	err := out.DecodeFromBytes(body, gopacket.NilDecodeFeedback)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestTTPDecodeTrailingBytes(t *testing.T) {
	raw, err := Codec{}.Encode(NewTTP(1, 1))
	require.NoError(t, err)
	body := append(append([]byte(nil), raw[HeaderLen:]...), 0xaa)
	var out TTP
	require.ErrorIs(t, out.DecodeFromBytes(body, gopacket.NilDecodeFeedback), ErrLengthMismatch)
}

func TestDecodeWrongType(t *testing.T) {
	raw, err := Codec{}.Encode(&SOF{SuperframeNumber: 3})
	require.NoError(t, err)
	_, err = Codec{}.DecodeTTP(raw)
	require.ErrorIs(t, err, ErrUnexpectedType)

	sof, err := Codec{}.DecodeSOF(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), sof.SuperframeNumber)
}

func TestDecodeCorruptedFlag(t *testing.T) {
	raw, err := Codec{}.Encode(&Logoff{MAC: 4})
	require.NoError(t, err)
	raw[2] |= corruptedFlagMask
	hdr, _, err := Codec{}.Decode(raw)
	require.ErrorIs(t, err, ErrUnexpectedType)
	require.NotNil(t, hdr)
	assert.True(t, hdr.Corrupted)
	assert.Equal(t, MsgTypeLogoff, hdr.Type)
}

func TestHeaderDeclaredLengthBeyondBuffer(t *testing.T) {
	_, _, err := Codec{}.Decode([]byte{0x00, 0x10, byte(MsgTypeSOF), 0x00})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestSignallingRoundTrip(t *testing.T) {
	msgs := []Message{
		&LogonRequest{MAC: 12, RTBandwidth: 64, MaxRBDC: 1024, MaxVBDC: 300, IsSCPC: true},
		&LogonResponse{MAC: 12, GroupID: 1, LogonID: 12},
		&Logoff{MAC: 12},
		&SOF{SuperframeNumber: 65535},
		&Burst{Modcod: 4, Packets: [][]byte{{1, 2, 3}, {4}}},
	}
	ignore := cmpopts.IgnoreFields(BaseLayer{}, "Contents", "Payload")
	for _, in := range msgs {
		t.Run(in.MsgType().String(), func(t *testing.T) {
			raw, err := Codec{}.Encode(in)
			require.NoError(t, err)
			_, out, err := Codec{}.Decode(raw)
			require.NoError(t, err)
			if diff := cmp.Diff(in, out, ignore); diff != "" {
				t.Fatalf("round trip mismatch (-in +out):\n%s", diff)
			}
		})
	}
}

func TestGopacketDecodesFullSAC(t *testing.T) {
	raw, err := Codec{}.Encode(testSAC())
	require.NoError(t, err)

	pkt := gopacket.NewPacket(raw, LayerTypeDVB, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	hdr, ok := pkt.Layer(LayerTypeDVB).(*Header)
	require.True(t, ok)
	assert.Equal(t, MsgTypeSAC, hdr.Type)
	sac, ok := pkt.Layer(LayerTypeSAC).(*SAC)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0102), sac.TalID)
	require.Len(t, sac.Requests, 2)
}

func TestBurstLen(t *testing.T) {
	b := &Burst{Packets: [][]byte{make([]byte, 100), make([]byte, 50)}}
	raw, err := Codec{}.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, b.Len(), len(raw))
}
