package main

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// sineFeed синусоидальный PCM с чередованием каналов.
// 16 бит знаковые little-endian, 8 бит беззнаковые со смещением 128.
type sineFeed struct {
	rate     int
	channels int
	bits     int
	freq     float64
	phase    float64
	pending  []byte // недочитанный остаток сэмпла
}

func newSineFeed(rate, channels, bits int, freq float64) *sineFeed {
	return &sineFeed{rate: rate, channels: channels, bits: bits, freq: freq}
}

func (f *sineFeed) Read(p []byte) (int, error) {
	n := copy(p, f.pending)
	f.pending = f.pending[n:]

	width := f.bits / 8
	frame := make([]byte, width*f.channels)
	step := 2 * math.Pi * f.freq / float64(f.rate)
	for n < len(p) {
		v := int16(math.Sin(f.phase) * 0.3 * math.MaxInt16)
		f.phase += step
		if f.phase > 2*math.Pi {
			f.phase -= 2 * math.Pi
		}
		for ch := 0; ch < f.channels; ch++ {
			if width == 1 {
				frame[ch] = byte(v>>8) + 128
			} else {
				binary.LittleEndian.PutUint16(frame[2*ch:], uint16(v))
			}
		}
		c := copy(p[n:], frame)
		n += c
		if c < len(frame) {
			f.pending = append(f.pending[:0], frame[c:]...)
		}
	}
	return n, nil
}

// FlushFeed сбрасывает фазу при сбросе очереди передачи
func (f *sineFeed) FlushFeed() {
	f.phase = 0
	f.pending = f.pending[:0]
}

// discardSink считает декодированный PCM и отбрасывает его
type discardSink struct {
	bytes  atomic.Int64
	chunks atomic.Int64
}

func (s *discardSink) Deliver(pcm []byte) {
	s.bytes.Add(int64(len(pcm)))
	s.chunks.Add(1)
}
