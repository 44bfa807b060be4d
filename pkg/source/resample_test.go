package source

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

func samples16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// TestUpsampler тестирует линейную интерполяцию.
// Проверяет:
//   - Число выходных отсчетов пропорционально отношению частот
//   - Промежуточные отсчеты интерполируются
//   - Преобразование числа каналов и разрядности
func TestUpsampler(t *testing.T) {
	t.Run("удвоение частоты", func(t *testing.T) {
		u := newUpsampler(8000, 16000, 1, 1, 16)
		out := samples16(u.process(pcm16(1000, 1000, 2000), nil))
		require.Len(t, out, 6)
		assert.Equal(t, []int16{0, 500, 1000, 1000, 1000, 1500}, out)
	})

	t.Run("32 кГц в 48 кГц", func(t *testing.T) {
		u := newUpsampler(32000, 48000, 2, 2, 16)
		src := make([]byte, 256*4)
		out := u.process(src, nil)
		assert.Equal(t, 384*4, len(out))
	})

	t.Run("состояние переносится между вызовами", func(t *testing.T) {
		whole := newUpsampler(16000, 48000, 1, 1, 16)
		parts := newUpsampler(16000, 48000, 1, 1, 16)
		src := pcm16(100, 200, 300, 400, 500, 600)

		a := whole.process(src, nil)
		b := parts.process(src[:6], nil)
		b = parts.process(src[6:], b)
		assert.Equal(t, a, b)
	})

	t.Run("моно в стерео", func(t *testing.T) {
		u := newUpsampler(48000, 48000, 1, 2, 16)
		out := samples16(u.process(pcm16(700, 900), nil))
		assert.Equal(t, []int16{0, 0, 700, 700}, out)
	})

	t.Run("стерео в моно", func(t *testing.T) {
		u := newUpsampler(48000, 48000, 2, 1, 16)
		out := samples16(u.process(pcm16(100, 300, 1000, 2000), nil))
		assert.Equal(t, []int16{0, 200}, out)
	})

	t.Run("8 бит", func(t *testing.T) {
		u := newUpsampler(48000, 48000, 1, 1, 8)
		out := samples16(u.process([]byte{128, 255, 0}, nil))
		assert.Equal(t, []int16{0, 0, 127 << 8}, out)
		u.reset()
		assert.Equal(t, []int16{0}, samples16(u.process([]byte{0}, nil)))
	})
}

// TestFraction проверяет компенсацию дробного числа отсчетов
func TestFraction(t *testing.T) {
	tests := []struct {
		rate  int
		extra []int
	}{
		{32000, []int{1, 0, 0, 1, 0, 0}},
		{8000, []int{1, 0, 0, 1, 0, 0}},
		{16000, []int{1, 1, 0, 1, 1, 0}},
		{44100, []int{0, 0, 0}},
	}
	for _, tt := range tests {
		f := fractionFor(tt.rate)
		got := make([]int, len(tt.extra))
		for i := range got {
			got[i] = f.next()
		}
		assert.Equal(t, tt.extra, got, "частота %d", tt.rate)
	}
}
