// Package codec реализует хранилище возможностей и согласование конфигурации SBC.
//
// Информационный элемент кодека SBC занимает 7 байт:
//
//	[0] LOSC = 6
//	[1] тип медиа (аудио) в старшей тетраде
//	[2] тип кодека (SBC = 0x00)
//	[3] частота дискретизации | режим каналов
//	[4] длина блока | число поддиапазонов | метод распределения
//	[5] минимальный bitpool
//	[6] максимальный bitpool
//
// В возможностях (capabilities) каждое поле может содержать несколько бит,
// в конфигурации ровно один.
package codec

import (
	"fmt"
)

// CodecType идентификатор кодека в информационном элементе
type CodecType uint8

const (
	CodecSBC     CodecType = 0x00
	CodecNonA2DP CodecType = 0xFF
)

const (
	MediaTypeAudio uint8 = 0x00

	// InfoLength длина информационного элемента SBC вместе с LOSC
	InfoLength = 7
	sbcLOSC    = 6
)

// Частота дискретизации, старшая тетрада байта 3
const (
	SampleFreq16000 uint8 = 0x80
	SampleFreq32000 uint8 = 0x40
	SampleFreq44100 uint8 = 0x20
	SampleFreq48000 uint8 = 0x10
	sampleFreqMask  uint8 = 0xF0
)

// Режим каналов, младшая тетрада байта 3
const (
	ChannelMono   uint8 = 0x08
	ChannelDual   uint8 = 0x04
	ChannelStereo uint8 = 0x02
	ChannelJoint  uint8 = 0x01
	channelMask   uint8 = 0x0F
)

// Длина блока, старшая тетрада байта 4
const (
	Block4    uint8 = 0x80
	Block8    uint8 = 0x40
	Block12   uint8 = 0x20
	Block16   uint8 = 0x10
	blockMask uint8 = 0xF0
)

// Число поддиапазонов, биты 2-3 байта 4
const (
	Subbands4    uint8 = 0x08
	Subbands8    uint8 = 0x04
	subbandsMask uint8 = 0x0C
)

// Метод распределения бит, биты 0-1 байта 4
const (
	AllocSNR      uint8 = 0x02
	AllocLoudness uint8 = 0x01
	allocMask     uint8 = 0x03
)

// Границы bitpool
const (
	MinBitpool = 2
	MaxBitpool = 250
)

// SBCInfo разобранный информационный элемент SBC
type SBCInfo struct {
	SampleFreq  uint8
	ChannelMode uint8
	BlockLen    uint8
	Subbands    uint8
	AllocMethod uint8
	MinBitpool  uint8
	MaxBitpool  uint8
}

// ParseSBCInfo разбирает информационный элемент.
// Для конфигурации каждое поле должно содержать ровно один бит.
func ParseSBCInfo(info []byte, isCapability bool) (SBCInfo, error) {
	var s SBCInfo
	if len(info) < InfoLength {
		return s, newNegotiationError(StatusBadParams, "короткий информационный элемент: %d байт", len(info))
	}
	if info[0] != sbcLOSC {
		return s, newNegotiationError(StatusBadParams, "неверный LOSC %d", info[0])
	}
	if CodecType(info[2]) != CodecSBC {
		return s, newNegotiationError(StatusWrongCodec, "кодек 0x%02x не SBC", info[2])
	}

	s = SBCInfo{
		SampleFreq:  info[3] & sampleFreqMask,
		ChannelMode: info[3] & channelMask,
		BlockLen:    info[4] & blockMask,
		Subbands:    info[4] & subbandsMask,
		AllocMethod: info[4] & allocMask,
		MinBitpool:  info[5],
		MaxBitpool:  info[6],
	}

	if s.MinBitpool < MinBitpool || s.MinBitpool > MaxBitpool {
		return s, newNegotiationError(StatusBadParams, "недопустимый min bitpool %d", s.MinBitpool)
	}
	if s.MaxBitpool < MinBitpool || s.MaxBitpool > MaxBitpool || s.MaxBitpool < s.MinBitpool {
		return s, newNegotiationError(StatusBadParams, "недопустимый max bitpool %d", s.MaxBitpool)
	}

	fields := []struct {
		name  string
		value uint8
	}{
		{"частота", s.SampleFreq},
		{"режим каналов", s.ChannelMode},
		{"длина блока", s.BlockLen},
		{"поддиапазоны", s.Subbands},
		{"распределение", s.AllocMethod},
	}
	for _, f := range fields {
		if f.value == 0 {
			return s, newNegotiationError(StatusBadParams, "поле %s пустое", f.name)
		}
		if !isCapability && f.value&(f.value-1) != 0 {
			return s, newNegotiationError(StatusBadParams, "поле %s конфигурации содержит несколько значений 0x%02x", f.name, f.value)
		}
	}
	return s, nil
}

// Bytes собирает информационный элемент
func (s SBCInfo) Bytes() []byte {
	return []byte{
		sbcLOSC,
		MediaTypeAudio << 4,
		byte(CodecSBC),
		s.SampleFreq | s.ChannelMode,
		s.BlockLen | s.Subbands | s.AllocMethod,
		s.MinBitpool,
		s.MaxBitpool,
	}
}

// Bitpool возвращает диапазон bitpool элемента
func (s SBCInfo) Bitpool() BitpoolRange {
	return BitpoolRange{Min: int(s.MinBitpool), Max: int(s.MaxBitpool)}
}

// WithBitpool возвращает копию с заданным диапазоном bitpool
func (s SBCInfo) WithBitpool(r BitpoolRange) SBCInfo {
	s.MinBitpool = uint8(r.Min)
	s.MaxBitpool = uint8(r.Max)
	return s
}

// SampleRate частота в Гц для конфигурации с одним битом частоты
func (s SBCInfo) SampleRate() int {
	switch s.SampleFreq {
	case SampleFreq16000:
		return 16000
	case SampleFreq32000:
		return 32000
	case SampleFreq44100:
		return 44100
	case SampleFreq48000:
		return 48000
	default:
		return 0
	}
}

// Channels число каналов: моно 1, остальные режимы 2
func (s SBCInfo) Channels() int {
	if s.ChannelMode == ChannelMono {
		return 1
	}
	return 2
}

// Blocks длина блока в отсчетах
func (s SBCInfo) Blocks() int {
	switch s.BlockLen {
	case Block4:
		return 4
	case Block8:
		return 8
	case Block12:
		return 12
	case Block16:
		return 16
	default:
		return 0
	}
}

// SubbandCount число поддиапазонов
func (s SBCInfo) SubbandCount() int {
	switch s.Subbands {
	case Subbands4:
		return 4
	case Subbands8:
		return 8
	default:
		return 0
	}
}

// EncoderMode режим каналов в нумерации кодека
func (s SBCInfo) EncoderMode() ChannelMode {
	switch s.ChannelMode {
	case ChannelMono:
		return ModeMono
	case ChannelDual:
		return ModeDual
	case ChannelStereo:
		return ModeStereo
	default:
		return ModeJoint
	}
}

// Allocation метод распределения в нумерации кодека
func (s SBCInfo) Allocation() Allocation {
	if s.AllocMethod == AllocSNR {
		return AllocationSNR
	}
	return AllocationLoudness
}

func (s SBCInfo) String() string {
	return fmt.Sprintf("SBC{%d Гц, mode=0x%02x, blocks=%d, subbands=%d, alloc=0x%02x, bitpool=%d..%d}",
		s.SampleRate(), s.ChannelMode, s.Blocks(), s.SubbandCount(), s.AllocMethod, s.MinBitpool, s.MaxBitpool)
}

// ConfigInCaps проверяет, что конфигурация целиком входит в возможности
func ConfigInCaps(cfg, caps SBCInfo) bool {
	switch {
	case cfg.SampleFreq&caps.SampleFreq == 0:
		return false
	case cfg.ChannelMode&caps.ChannelMode == 0:
		return false
	case cfg.BlockLen&caps.BlockLen == 0:
		return false
	case cfg.Subbands&caps.Subbands == 0:
		return false
	case cfg.AllocMethod&caps.AllocMethod == 0:
		return false
	case cfg.MinBitpool < caps.MinBitpool || cfg.MaxBitpool > caps.MaxBitpool:
		return false
	}
	return true
}

// MatchesCaps проверяет совпадение масок частоты, режима, блока и поддиапазонов.
// Границы bitpool не сравниваются, они подстраиваются при согласовании.
func MatchesCaps(cfg, caps SBCInfo) bool {
	return cfg.SampleFreq&caps.SampleFreq != 0 &&
		cfg.ChannelMode&caps.ChannelMode != 0 &&
		cfg.BlockLen&caps.BlockLen != 0 &&
		cfg.Subbands&caps.Subbands != 0
}

// DefaultConfig конфигурация по умолчанию: 44.1 кГц, joint stereo, 16 блоков, 8 поддиапазонов
func DefaultConfig() SBCInfo {
	return SBCInfo{
		SampleFreq:  SampleFreq44100,
		ChannelMode: ChannelJoint,
		BlockLen:    Block16,
		Subbands:    Subbands8,
		AllocMethod: AllocLoudness,
		MinBitpool:  MinBitpool,
		MaxBitpool:  53,
	}
}

// SourceCaps локальные возможности источника
func SourceCaps(bitpool BitpoolRange) SBCInfo {
	return SBCInfo{
		SampleFreq:  SampleFreq44100 | SampleFreq48000,
		ChannelMode: ChannelMono | ChannelDual | ChannelStereo | ChannelJoint,
		BlockLen:    Block4 | Block8 | Block12 | Block16,
		Subbands:    Subbands4 | Subbands8,
		AllocMethod: AllocSNR | AllocLoudness,
		MinBitpool:  uint8(bitpool.Min),
		MaxBitpool:  uint8(bitpool.Max),
	}
}

// SinkCaps локальные возможности приемника
func SinkCaps() SBCInfo {
	return SBCInfo{
		SampleFreq:  SampleFreq44100 | SampleFreq48000,
		ChannelMode: ChannelMono | ChannelDual | ChannelStereo | ChannelJoint,
		BlockLen:    Block4 | Block8 | Block12 | Block16,
		Subbands:    Subbands4 | Subbands8,
		AllocMethod: AllocSNR | AllocLoudness,
		MinBitpool:  MinBitpool,
		MaxBitpool:  MaxBitpool,
	}
}
