package dvb

import (
	"fmt"
	"sort"

	"github.com/gopacket/gopacket"
)

const (
	ttpFixedLen = 2 + 2 + 1
	ttpFrameLen = 1 + 2
	ttpEntryLen = 2 + 4 + 2 + 1 + 1

	// MaxAssignment is the largest assignment_count of one time-plan entry.
	MaxAssignment = 0xffff
)

// TimePlan authorises one terminal to transmit in one frame.
type TimePlan struct {
	TalID           uint16
	Offset          uint32
	AssignmentCount uint16
	FmtID           uint8
	Priority        uint8
}

// TTP is the terminal burst time plan broadcast by the NCC. Frames maps a
// frame number to the time plans of that frame; it is written in ascending
// frame-number order.
type TTP struct {
	BaseLayer
	GroupID         uint16
	SuperframeCount uint16
	Frames          map[uint8][]TimePlan
}

// NewTTP returns an empty time plan for a group and superframe.
func NewTTP(groupID, superframeCount uint16) *TTP {
	return &TTP{GroupID: groupID, SuperframeCount: superframeCount, Frames: make(map[uint8][]TimePlan)}
}

// AddTimePlan appends tp to the given frame.
func (t *TTP) AddTimePlan(frame uint8, tp TimePlan) {
	if t.Frames == nil {
		t.Frames = make(map[uint8][]TimePlan)
	}
	t.Frames[frame] = append(t.Frames[frame], tp)
}

// FrameNumbers returns the frame numbers present, ascending.
func (t *TTP) FrameNumbers() []uint8 {
	nums := make([]uint8, 0, len(t.Frames))
	for n := range t.Frames {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Assignment sums assignment_count over every frame entry addressed to
// talID.
func (t *TTP) Assignment(talID uint16) uint32 {
	var total uint32
	for _, plans := range t.Frames {
		for _, tp := range plans {
			if tp.TalID == talID {
				total += uint32(tp.AssignmentCount)
			}
		}
	}
	return total
}

func (t *TTP) MsgType() MsgType { return MsgTypeTTP }

func (t *TTP) LayerType() gopacket.LayerType { return LayerTypeTTP }

func (t *TTP) CanDecode() gopacket.LayerClass { return LayerClassTTP }

func (t *TTP) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// DecodeFromBytes walks the frames with a remaining-length budget: a frame or
// entry claiming more bytes than remain fails with ErrTruncated.
func (t *TTP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	r := newReader(data)
	if err := r.need(ttpFixedLen, "TTP"); err != nil {
		df.SetTruncated()
		return err
	}
	t.GroupID = r.u16()
	t.SuperframeCount = r.u16()
	frameCount := int(r.u8())
	t.Frames = make(map[uint8][]TimePlan, frameCount)
	for i := 0; i < frameCount; i++ {
		if err := r.need(ttpFrameLen, fmt.Sprintf("TTP frame %d", i)); err != nil {
			df.SetTruncated()
			return err
		}
		number := r.u8()
		tpCount := int(r.u16())
		if err := r.need(tpCount*ttpEntryLen, fmt.Sprintf("TTP frame %d entries", number)); err != nil {
			df.SetTruncated()
			return err
		}
		if _, dup := t.Frames[number]; dup {
			return fmt.Errorf("TTP frame %d repeated: %w", number, ErrLengthMismatch)
		}
		plans := make([]TimePlan, 0, tpCount)
		for j := 0; j < tpCount; j++ {
			plans = append(plans, TimePlan{
				TalID:           r.u16(),
				Offset:          r.u32(),
				AssignmentCount: r.u16(),
				FmtID:           r.u8(),
				Priority:        r.u8(),
			})
		}
		t.Frames[number] = plans
	}
	if err := r.done("TTP"); err != nil {
		return err
	}
	t.BaseLayer = BaseLayer{Contents: data}
	return nil
}

// SerializeTo writes the frames in ascending frame-number order.
func (t *TTP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if len(t.Frames) > 0xff {
		return fmt.Errorf("TTP with %d frames: %w", len(t.Frames), ErrLengthMismatch)
	}
	size := ttpFixedLen
	for _, plans := range t.Frames {
		if len(plans) > 0xffff {
			return fmt.Errorf("TTP frame with %d entries: %w", len(plans), ErrLengthMismatch)
		}
		size += ttpFrameLen + len(plans)*ttpEntryLen
	}
	bytes, err := b.PrependBytes(size)
	if err != nil {
		return err
	}
	w := newWriter(bytes)
	w.u16(t.GroupID)
	w.u16(t.SuperframeCount)
	w.u8(uint8(len(t.Frames)))
	for _, number := range t.FrameNumbers() {
		plans := t.Frames[number]
		w.u8(number)
		w.u16(uint16(len(plans)))
		for _, tp := range plans {
			w.u16(tp.TalID)
			w.u32(tp.Offset)
			w.u16(tp.AssignmentCount)
			w.u8(tp.FmtID)
			w.u8(tp.Priority)
		}
	}
	return nil
}

func (t *TTP) String() string {
	return fmt.Sprintf("GroupID=%d, SuperframeCount=%d, Frames=%d", t.GroupID, t.SuperframeCount, len(t.Frames))
}

func decodeTTP(data []byte, pb gopacket.PacketBuilder) error {
	t := &TTP{}
	err := t.DecodeFromBytes(data, pb)
	pb.AddLayer(t)
	return err
}
