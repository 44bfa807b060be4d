package control

import (
	"context"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/a2dp/pkg/logging"
)

type recorder struct{ acks []Ack }

func (r *recorder) OnAck(a Ack) { r.acks = append(r.acks, a) }

// TestGateSinglePending тестирует единственную ожидающую команду.
// Проверяет:
//   - Вторая команда сразу получает busy
//   - Ожидающая команда не меняется и подтверждается один раз
//   - Подтверждение без команды игнорируется с предупреждением
func TestGateSinglePending(t *testing.T) {
	ctx := context.Background()
	l, hook := test.NewNullLogger()
	rec := &recorder{}
	g := NewGate(rec, logging.FromLogrus(l))

	require.True(t, g.Issue(ctx, CommandStart))
	assert.Equal(t, CommandStart, g.Pending())

	assert.False(t, g.Issue(ctx, CommandStop))
	require.Len(t, rec.acks, 1)
	assert.Equal(t, Ack{Command: CommandStop, Status: AckBusy}, rec.acks[0])
	assert.Equal(t, CommandStart, g.Pending(), "ожидающая команда не изменилась")

	assert.True(t, g.Ack(ctx, AckSuccess))
	require.Len(t, rec.acks, 2)
	assert.Equal(t, Ack{Command: CommandStart, Status: AckSuccess}, rec.acks[1])
	assert.False(t, g.HasPending())

	t.Run("повторное подтверждение", func(t *testing.T) {
		hook.Reset()
		assert.False(t, g.Ack(ctx, AckFailure))
		assert.Len(t, rec.acks, 2)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})

	t.Run("пустая команда", func(t *testing.T) {
		hook.Reset()
		assert.False(t, g.Issue(ctx, CommandNone))
		assert.False(t, g.HasPending())
		assert.Len(t, rec.acks, 2, "пустая команда не подтверждается")
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

		require.True(t, g.Issue(ctx, CommandSuspend))
		assert.False(t, g.Issue(ctx, CommandNone))
		assert.Equal(t, CommandSuspend, g.Pending(), "ожидающая команда не вытесняется")
		assert.Len(t, rec.acks, 2)
	})
}

// TestGateAckWithConfig проверяет ответ на запрос параметров потока
func TestGateAckWithConfig(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	g := NewGate(rec, nil)

	require.True(t, g.Issue(ctx, CommandGetAudioConfig))
	require.True(t, g.AckWithConfig(ctx, AckSuccess, AudioConfig{SampleRate: 48000, Channels: 2}))
	require.Len(t, rec.acks, 1)
	require.NotNil(t, rec.acks[0].AudioConfig)
	assert.Equal(t, 48000, rec.acks[0].AudioConfig.SampleRate)
	assert.Equal(t, CommandGetAudioConfig, rec.acks[0].Command)
	assert.Contains(t, rec.acks[0].String(), "48000")
}

// TestGateRandomSequences проверяет на случайных последовательностях,
// что каждая принятая команда подтверждается ровно один раз
func TestGateRandomSequences(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	commands := []Command{CommandCheckReady, CommandStart, CommandStop, CommandSuspend, CommandGetAudioConfig}

	for run := 0; run < 50; run++ {
		rec := &recorder{}
		g := NewGate(rec, nil)
		accepted, busy := 0, 0

		for step := 0; step < 40; step++ {
			if rng.Intn(2) == 0 {
				pendingBefore := g.Pending()
				if g.Issue(ctx, commands[rng.Intn(len(commands))]) {
					accepted++
				} else {
					busy++
					assert.Equal(t, pendingBefore, g.Pending())
				}
			} else {
				g.Ack(ctx, AckStatus(rng.Intn(2)))
			}
		}
		if g.HasPending() {
			g.Ack(ctx, AckSuccess)
		}

		finals, busies := 0, 0
		for _, a := range rec.acks {
			if a.Status == AckBusy {
				busies++
			} else {
				finals++
			}
		}
		assert.Equal(t, accepted, finals)
		assert.Equal(t, busy, busies)
	}
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "check_ready", CommandCheckReady.String())
	assert.Equal(t, "Command(42)", Command(42).String())
	assert.Equal(t, "busy", AckBusy.String())
	assert.Equal(t, "AckStatus(9)", AckStatus(9).String())

	var got []Ack
	AckerFunc(func(a Ack) { got = append(got, a) }).OnAck(Ack{Command: CommandStop})
	assert.Len(t, got, 1)
}
