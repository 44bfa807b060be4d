package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRTP тестирует упаковку кадра в RTP и обратный разбор.
// Проверяет:
//   - Заголовок нагрузки SBC содержит число кадров
//   - Байт SCMS-T идет первым при активной защите
//   - Кадр переживает сериализацию pion/rtp
func TestFrameRTP(t *testing.T) {
	t.Run("без защиты контента", func(t *testing.T) {
		f := &Frame{Sequence: 7, Timestamp: 1024, FrameCount: 5, Payload: []byte{0x9C, 1, 2, 3}}
		pkt := f.ToRTP(0x1234)

		assert.Equal(t, PayloadTypeSBC, pkt.PayloadType)
		assert.Equal(t, uint32(0x1234), pkt.SSRC)
		assert.Equal(t, byte(5), pkt.Payload[0])

		raw, err := pkt.Marshal()
		require.NoError(t, err)
		var decoded rtp.Packet
		require.NoError(t, decoded.Unmarshal(raw))

		got, err := FrameFromRTP(&decoded, false)
		require.NoError(t, err)
		assert.Equal(t, f.Sequence, got.Sequence)
		assert.Equal(t, f.Timestamp, got.Timestamp)
		assert.Equal(t, 5, got.FrameCount)
		assert.Equal(t, f.Payload, got.Payload)
		assert.False(t, got.HasCP)
	})

	t.Run("с байтом SCMS-T", func(t *testing.T) {
		f := &Frame{Sequence: 1, FrameCount: 2, Payload: []byte{0xAA}, CPFlag: 0x00, HasCP: true}
		pkt := f.ToRTP(1)
		require.Len(t, pkt.Payload, 3)
		assert.Equal(t, byte(0x00), pkt.Payload[0])
		assert.Equal(t, byte(2), pkt.Payload[1])

		got, err := FrameFromRTP(pkt, true)
		require.NoError(t, err)
		assert.True(t, got.HasCP)
		assert.Equal(t, byte(0x00), got.CPFlag)
		assert.Equal(t, 2, got.FrameCount)
		assert.Equal(t, []byte{0xAA}, got.Payload)
	})

	t.Run("счетчик кадров ограничен 4 битами", func(t *testing.T) {
		f := &Frame{FrameCount: 0x1F}
		assert.Equal(t, byte(0x0F), f.ToRTP(0).Payload[0])
	})

	t.Run("пустая нагрузка", func(t *testing.T) {
		_, err := FrameFromRTP(&rtp.Packet{}, false)
		assert.True(t, HasErrorCode(err, ErrorCodeInvalidFrame))

		_, err = FrameFromRTP(&rtp.Packet{Payload: []byte{0x02}}, true)
		assert.True(t, HasErrorCode(err, ErrorCodeInvalidFrame))

		_, err = FrameFromRTP(nil, false)
		assert.Error(t, err)
	})
}

func TestSeqHelpers(t *testing.T) {
	tests := []struct {
		a, b  uint16
		newer bool
	}{
		{2, 1, true},
		{1, 2, false},
		{0, 65535, true},
		{65535, 0, false},
		{5, 5, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.a, tt.b), func(t *testing.T) {
			assert.Equal(t, tt.newer, SeqNewer(tt.a, tt.b))
		})
	}
	assert.Equal(t, uint16(2), SeqDiff(1, 65535))
}

func TestMediaError(t *testing.T) {
	err := WrapMediaError(ErrorCodeDecodeFailed, "s1", "ошибка декодера", errors.New("bad frame"))
	assert.Contains(t, err.Error(), "DecodeFailed")
	assert.Contains(t, err.Error(), "s1")
	assert.Equal(t, "DecodeFailed", err.ErrorCode())
	assert.EqualError(t, errors.Unwrap(err), "bad frame")
	assert.True(t, IsRecoverableError(err))
	assert.False(t, IsRecoverableError(errors.New("x")))
	assert.False(t, IsRecoverableError(ErrQueueReleased))

	wrapped := fmt.Errorf("очередь rx: %w", ErrQueueFull)
	assert.True(t, errors.Is(wrapped, ErrQueueFull))
	assert.False(t, errors.Is(wrapped, ErrQueueFlushing))

	ctxErr := NewMediaError(ErrorCodeSequenceGap, "разрыв", map[string]interface{}{"expected": 5})
	assert.Equal(t, 5, ctxErr.GetContext("expected"))
	assert.Nil(t, ctxErr.GetContext("missing"))
	assert.Equal(t, "Unknown(1)", MediaErrorCode(1).String())
}
