package media

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// PayloadTypeSBC динамический тип нагрузки медиапакетов A2DP
	PayloadTypeSBC uint8 = 96

	// MaxFramesPerPacket максимум кадров SBC в одном пакете (4 бита счетчика)
	MaxFramesPerPacket = 0x0F

	frameCountMask byte = 0x0F
)

// Frame медиапакет SBC между конвейером и транспортом.
// Payload содержит только кадры SBC, без заголовка нагрузки.
type Frame struct {
	Sequence   uint16
	Timestamp  uint32
	FrameCount int
	Payload    []byte

	// CPFlag байт SCMS-T, передается при активной защите контента
	CPFlag byte
	HasCP  bool
}

// Len длина полезной нагрузки в байтах
func (f *Frame) Len() int {
	return len(f.Payload)
}

// ToRTP собирает RTP пакет: [CP байт][заголовок нагрузки SBC][кадры]
func (f *Frame) ToRTP(ssrc uint32) *rtp.Packet {
	payload := make([]byte, 0, len(f.Payload)+2)
	if f.HasCP {
		payload = append(payload, f.CPFlag)
	}
	payload = append(payload, byte(f.FrameCount)&frameCountMask)
	payload = append(payload, f.Payload...)

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadTypeSBC,
			SequenceNumber: f.Sequence,
			Timestamp:      f.Timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
}

// FrameFromRTP разбирает RTP пакет. cpActive означает наличие байта SCMS-T
// перед заголовком нагрузки.
func FrameFromRTP(pkt *rtp.Packet, cpActive bool) (*Frame, error) {
	if pkt == nil {
		return nil, NewMediaError(ErrorCodeInvalidFrame, "пустой пакет", nil)
	}
	payload := pkt.Payload
	f := &Frame{
		Sequence:  pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
	}
	if cpActive {
		if len(payload) < 1 {
			return nil, NewMediaError(ErrorCodeInvalidFrame, "нет байта защиты контента",
				map[string]interface{}{"sequence": pkt.SequenceNumber})
		}
		f.CPFlag = payload[0]
		f.HasCP = true
		payload = payload[1:]
	}
	if len(payload) < 1 {
		return nil, NewMediaError(ErrorCodeInvalidFrame, "нет заголовка нагрузки SBC",
			map[string]interface{}{"sequence": pkt.SequenceNumber})
	}
	f.FrameCount = int(payload[0] & frameCountMask)
	f.Payload = payload[1:]
	return f, nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{seq=%d ts=%d frames=%d len=%d}", f.Sequence, f.Timestamp, f.FrameCount, len(f.Payload))
}

// SeqNewer проверяет, что seq1 новее seq2 с учетом переполнения
func SeqNewer(seq1, seq2 uint16) bool {
	return ((seq1 > seq2) && (seq1-seq2 < 32768)) ||
		((seq1 < seq2) && (seq2-seq1 > 32768))
}

// SeqDiff разность номеров последовательности с учетом переполнения
func SeqDiff(newer, older uint16) uint16 {
	return newer - older
}
