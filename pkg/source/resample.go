package source

import "encoding/binary"

// upsampler приводит PCM источника к формату кодировщика:
// частота SBC, число каналов кодировщика, 16 бит.
// Линейная интерполяция с целочисленным аккумулятором позиции,
// состояние переносится между вызовами.
type upsampler struct {
	srcRate int
	dstRate int
	srcCh   int
	dstCh   int
	srcBits int

	prev [2]int16
	pos  int // позиция между prev и текущим отсчетом в единицах dstRate
}

func newUpsampler(srcRate, dstRate, srcCh, dstCh, srcBits int) *upsampler {
	return &upsampler{
		srcRate: srcRate,
		dstRate: dstRate,
		srcCh:   srcCh,
		dstCh:   dstCh,
		srcBits: srcBits,
	}
}

func (u *upsampler) reset() {
	u.prev = [2]int16{}
	u.pos = 0
}

// srcFrameBytes размер одного многоканального отсчета источника
func (u *upsampler) srcFrameBytes() int {
	return u.srcCh * u.srcBits / 8
}

// process преобразует src и дописывает результат в dst
func (u *upsampler) process(src []byte, dst []byte) []byte {
	step := u.srcFrameBytes()
	for off := 0; off+step <= len(src); off += step {
		cur := u.sample(src[off:])
		for u.pos < u.dstRate {
			for ch := 0; ch < u.dstCh; ch++ {
				p, c := int(u.prev[ch]), int(cur[ch])
				v := p + (c-p)*u.pos/u.dstRate
				dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v)))
			}
			u.pos += u.srcRate
		}
		u.pos -= u.dstRate
		u.prev = cur
	}
	return dst
}

// sample читает один отсчет источника и раскладывает его по каналам назначения
func (u *upsampler) sample(b []byte) [2]int16 {
	var in [2]int16
	for ch := 0; ch < u.srcCh; ch++ {
		if u.srcBits == 8 {
			in[ch] = (int16(b[ch]) - 128) << 8
		} else {
			in[ch] = int16(binary.LittleEndian.Uint16(b[ch*2:]))
		}
	}
	switch {
	case u.srcCh == 1 && u.dstCh == 2:
		in[1] = in[0]
	case u.srcCh == 2 && u.dstCh == 1:
		in[0] = int16((int(in[0]) + int(in[1])) / 2)
	}
	return in
}

// fraction компенсирует дробное число отсчетов источника на кадр SBC.
// Например 128*32000/48000 = 85.33: читаются 86, 85, 85.
type fraction struct {
	enabled   bool
	max       int
	threshold int
	counter   int
}

func fractionFor(feedRate int) fraction {
	switch feedRate {
	case 32000, 8000:
		return fraction{enabled: true, max: 2, threshold: 0}
	case 16000:
		return fraction{enabled: true, max: 2, threshold: 1}
	default:
		return fraction{}
	}
}

// next возвращает добавку к числу отсчетов для очередного чтения
func (f *fraction) next() int {
	if !f.enabled {
		return 0
	}
	extra := 0
	if f.counter <= f.threshold {
		extra = 1
	}
	f.counter++
	if f.counter > f.max {
		f.counter = 0
	}
	return extra
}
