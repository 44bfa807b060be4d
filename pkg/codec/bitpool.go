package codec

import "math"

// BitpoolRange диапазон bitpool [Min, Max]
type BitpoolRange struct {
	Min int
	Max int
}

// Valid true если диапазон не пуст и лежит в границах SBC
func (r BitpoolRange) Valid() bool {
	return r.Min >= MinBitpool && r.Max <= MaxBitpool && r.Min <= r.Max
}

// Contains проверяет, что bitpool лежит в диапазоне
func (r BitpoolRange) Contains(bitpool int) bool {
	return bitpool >= r.Min && bitpool <= r.Max
}

// NegotiateBitpool пересекает локальный диапазон с предпочтением пира.
// Границы пира прижимаются к локальным; результат всегда лежит внутри local.
// nil remote означает отсутствие предпочтения.
func NegotiateBitpool(local BitpoolRange, remote *BitpoolRange) BitpoolRange {
	if remote == nil {
		return local
	}
	out := BitpoolRange{
		Min: clamp(remote.Min, local.Min, local.Max),
		Max: clamp(remote.Max, local.Min, local.Max),
	}
	if out.Min > out.Max {
		return local
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ChannelMode режим каналов в нумерации кодека
type ChannelMode int

const (
	ModeMono ChannelMode = iota
	ModeDual
	ModeStereo
	ModeJoint
)

func (m ChannelMode) String() string {
	switch m {
	case ModeMono:
		return "mono"
	case ModeDual:
		return "dual"
	case ModeStereo:
		return "stereo"
	case ModeJoint:
		return "joint"
	default:
		return "unknown"
	}
}

// Channels число каналов для режима
func (m ChannelMode) Channels() int {
	if m == ModeMono {
		return 1
	}
	return 2
}

type Allocation int

const (
	AllocationLoudness Allocation = iota
	AllocationSNR
)

// Целевые битрейты кодировщика, кбит/с
const (
	DefaultBitRate = 328
	NonEDRMaxRate  = 229
	BitRateStep    = 5
)

// EncoderParams параметры кодировщика/декодера SBC
type EncoderParams struct {
	SampleRate  int
	ChannelMode ChannelMode
	Blocks      int
	Subbands    int
	Allocation  Allocation
	Bitpool     int
	BitRate     int // кбит/с
}

// Channels число каналов кодировщика
func (p EncoderParams) Channels() int {
	return p.ChannelMode.Channels()
}

// SamplesPerFrame число PCM отсчетов на канал в одном кадре SBC
func (p EncoderParams) SamplesPerFrame() int {
	return p.Blocks * p.Subbands
}

// ParamsFromInfo строит параметры кодировщика из конфигурации
func ParamsFromInfo(info SBCInfo) EncoderParams {
	return EncoderParams{
		SampleRate:  info.SampleRate(),
		ChannelMode: info.EncoderMode(),
		Blocks:      info.Blocks(),
		Subbands:    info.SubbandCount(),
		Allocation:  info.Allocation(),
		Bitpool:     int(info.MaxBitpool),
	}
}

// BitpoolResult результат подбора bitpool
type BitpoolResult struct {
	Bitpool   int
	BitRate   int
	Converged bool
}

// ComputeBitpool подбирает bitpool под целевой битрейт в пределах диапазона.
// Если bitpool выходит за диапазон, битрейт сдвигается на BitRateStep.
// Поиск прекращается, когда были и уменьшение, и увеличение битрейта:
// тогда возвращается последнее вычисленное значение и Converged=false.
func ComputeBitpool(p EncoderParams, rng BitpoolRange, targetRate int) BitpoolResult {
	rate := targetRate
	channels := p.Channels()
	var protect int

	for {
		var bitpool int
		if p.ChannelMode == ModeStereo || p.ChannelMode == ModeJoint {
			bitpool = rate*p.Subbands*1000/p.SampleRate -
				(32+4*p.Subbands*channels+int(p.ChannelMode-ModeStereo)*p.Subbands)/p.Blocks

			frameLen := 4 + (4*p.Subbands*channels)/8 +
				(int(p.ChannelMode-ModeStereo)*p.Subbands+p.Blocks*bitpool)/8
			actual := 8 * frameLen * p.SampleRate / (p.Subbands * p.Blocks * 1000)
			if actual > rate {
				bitpool--
			}
			if p.Subbands == 8 {
				bitpool = min(bitpool, 255)
			} else {
				bitpool = min(bitpool, 128)
			}
		} else {
			bitpool = p.Subbands*rate*1000/(p.SampleRate*channels) -
				(32/channels+4*p.Subbands)/p.Blocks
			bitpool = min(bitpool, 16*p.Subbands)
		}
		bitpool = max(bitpool, 0)

		switch {
		case bitpool > rng.Max:
			rate -= BitRateStep
			protect |= 1
		case bitpool < rng.Min:
			next := rate + BitRateStep
			if next > math.MaxUint16 {
				protect = 3
			} else {
				rate = next
			}
			protect |= 2
		default:
			return BitpoolResult{Bitpool: bitpool, BitRate: rate, Converged: true}
		}

		if protect == 3 {
			return BitpoolResult{Bitpool: bitpool, BitRate: rate, Converged: false}
		}
	}
}

// TargetBitRate начальный битрейт с учетом пропускной способности канала
func TargetBitRate(edr bool) int {
	if edr {
		return DefaultBitRate
	}
	return NonEDRMaxRate
}
