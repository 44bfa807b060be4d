package codec

import (
	"encoding/binary"
	"fmt"
)

// Encoder внешний кодировщик SBC. Математика битового потока вне движка.
type Encoder interface {
	// Reset применяет новые параметры
	Reset(p EncoderParams) error
	// Encode кодирует один кадр PCM (16 бит, чередование каналов) в dst.
	// Возвращает число записанных байт.
	Encode(pcm []byte, dst []byte) (int, error)
}

// Decoder внешний декодер SBC
type Decoder interface {
	Reset(p EncoderParams) error
	// Decode декодирует первый кадр из frame в pcm.
	// consumed байт кадра использовано, produced байт PCM записано.
	Decode(frame []byte, pcm []byte) (consumed int, produced int, err error)
}

const (
	// SyncWord первый байт каждого кадра SBC
	SyncWord   = 0x9C
	headerSize = 4
)

// FrameLength длина закодированного кадра SBC в байтах
func FrameLength(p EncoderParams) int {
	channels := p.Channels()
	n := headerSize + (4*p.Subbands*channels)/8
	switch p.ChannelMode {
	case ModeMono, ModeDual:
		n += ceilDiv(p.Blocks*channels*p.Bitpool, 8)
	case ModeStereo:
		n += ceilDiv(p.Blocks*p.Bitpool, 8)
	default:
		n += ceilDiv(p.Subbands+p.Blocks*p.Bitpool, 8)
	}
	return n
}

// PCMFrameBytes размер PCM одного кадра SBC для 16-битных отсчетов
func PCMFrameBytes(p EncoderParams) int {
	return p.Blocks * p.Subbands * p.Channels() * 2
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// FrameHeader разобранный заголовок кадра SBC
type FrameHeader struct {
	Params EncoderParams
	CRC    uint8
}

var (
	headerFreqs  = [4]int{16000, 32000, 44100, 48000}
	headerBlocks = [4]int{4, 8, 12, 16}
)

// ParseFrameHeader разбирает 4-байтный заголовок кадра SBC
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(b) < headerSize {
		return h, fmt.Errorf("короткий кадр SBC: %d байт", len(b))
	}
	if b[0] != SyncWord {
		return h, fmt.Errorf("неверное слово синхронизации 0x%02x", b[0])
	}
	h.Params = EncoderParams{
		SampleRate:  headerFreqs[b[1]>>6],
		Blocks:      headerBlocks[(b[1]>>4)&0x03],
		ChannelMode: ChannelMode((b[1] >> 2) & 0x03),
		Allocation:  Allocation((b[1] >> 1) & 0x01),
		Subbands:    4 + 4*int(b[1]&0x01),
		Bitpool:     int(b[2]),
	}
	h.CRC = b[3]
	if h.CRC != headerCRC(b[1], b[2]) {
		return h, fmt.Errorf("неверная контрольная сумма заголовка")
	}
	return h, nil
}

func putFrameHeader(dst []byte, p EncoderParams) {
	var freq, blocks byte
	for i, f := range headerFreqs {
		if f == p.SampleRate {
			freq = byte(i)
		}
	}
	for i, bl := range headerBlocks {
		if bl == p.Blocks {
			blocks = byte(i)
		}
	}
	var subbands byte
	if p.Subbands == 8 {
		subbands = 1
	}
	dst[0] = SyncWord
	dst[1] = freq<<6 | blocks<<4 | byte(p.ChannelMode)<<2 | byte(p.Allocation)<<1 | subbands
	dst[2] = byte(p.Bitpool)
	dst[3] = headerCRC(dst[1], dst[2])
}

// headerCRC CRC-8 SBC (полином 0x1D, начальное значение 0x0F)
func headerCRC(data ...byte) uint8 {
	crc := uint8(0x0F)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bit := (b >> uint(i)) & 1
			top := crc >> 7
			crc <<= 1
			if top^bit == 1 {
				crc ^= 0x1D
			}
		}
	}
	return crc
}

// FrameCodec детерминированный кодек с кадрами SBC точной длины.
// Полезная нагрузка несет огрубленные старшие байты отсчетов.
// Используется в петлевом стенде и тестах вместо настоящей библиотеки SBC.
type FrameCodec struct {
	params   EncoderParams
	frameLen int
	pcmLen   int
}

func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

func (c *FrameCodec) Reset(p EncoderParams) error {
	if p.Blocks == 0 || p.Subbands == 0 || p.SampleRate == 0 {
		return fmt.Errorf("неполные параметры кодека: %+v", p)
	}
	c.params = p
	c.frameLen = FrameLength(p)
	c.pcmLen = PCMFrameBytes(p)
	return nil
}

// FrameLength длина кадра для текущих параметров
func (c *FrameCodec) FrameLength() int {
	return c.frameLen
}

func (c *FrameCodec) Encode(pcm []byte, dst []byte) (int, error) {
	if c.frameLen == 0 {
		return 0, fmt.Errorf("кодек не инициализирован")
	}
	if len(pcm) < c.pcmLen {
		return 0, fmt.Errorf("мало PCM: %d из %d байт", len(pcm), c.pcmLen)
	}
	if len(dst) < c.frameLen {
		return 0, fmt.Errorf("мало места под кадр: %d из %d байт", len(dst), c.frameLen)
	}

	putFrameHeader(dst, c.params)
	scale := headerSize + (4*c.params.Subbands*c.params.Channels())/8
	for i := headerSize; i < scale; i++ {
		dst[i] = 0
	}

	samples := c.pcmLen / 2
	payload := dst[scale:c.frameLen]
	for i := range payload {
		idx := i * samples / len(payload)
		s := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		payload[i] = byte(s >> 8)
	}
	return c.frameLen, nil
}

func (c *FrameCodec) Decode(frame []byte, pcm []byte) (int, int, error) {
	h, err := ParseFrameHeader(frame)
	if err != nil {
		return 0, 0, err
	}
	frameLen := FrameLength(h.Params)
	if len(frame) < frameLen {
		return 0, 0, fmt.Errorf("обрезанный кадр: %d из %d байт", len(frame), frameLen)
	}
	outLen := PCMFrameBytes(h.Params)
	if len(pcm) < outLen {
		return 0, 0, fmt.Errorf("мало места под PCM: %d из %d байт", len(pcm), outLen)
	}

	scale := headerSize + (4*h.Params.Subbands*h.Params.Channels())/8
	payload := frame[scale:frameLen]
	samples := outLen / 2
	for j := 0; j < samples; j++ {
		var s int16
		if len(payload) > 0 {
			s = int16(int8(payload[j*len(payload)/samples])) << 8
		}
		binary.LittleEndian.PutUint16(pcm[j*2:], uint16(s))
	}
	return frameLen, outLen, nil
}
