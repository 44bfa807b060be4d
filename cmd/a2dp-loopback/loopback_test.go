package main

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/a2dp/pkg/av"
	"github.com/arzzra/a2dp/pkg/config"
	"github.com/arzzra/a2dp/pkg/logging"
)

// TestLoopback тестирует полный путь через канал в памяти.
// Проверяет:
//   - Обе стороны открывают поток по одной команде Connect
//   - Декодированный PCM доходит до получателя приемника
//   - Сценарий останавливает поток и возвращает стороны в Idle
//   - Метрики сторон различаются меткой роли
func TestLoopback(t *testing.T) {
	cfg := config.Default()
	cfg.Source.TickInterval = 10 * time.Millisecond

	l, _ := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	logger := logging.FromLogrus(l)

	reg := prometheus.NewRegistry()
	lb, err := newLoopback(cfg, logger, func(role string) prometheus.Registerer {
		return prometheus.WrapRegistererWith(prometheus.Labels{"role": role}, reg)
	}, 440, 895)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lb.source.Run(gctx) })
	g.Go(func() error { return lb.sink.Run(gctx) })
	g.Go(func() error { return lb.link.run(gctx) })
	g.Go(func() error { return scenario(gctx, lb.source, lb.sink, lb.out, logger, 300*time.Millisecond) })

	require.ErrorIs(t, g.Wait(), errDone)
	assert.Equal(t, av.StateIdle, lb.source.State())
	assert.Equal(t, av.StateIdle, lb.sink.State())
	assert.Greater(t, lb.out.bytes.Load(), int64(0))

	families, err := reg.Gather()
	require.NoError(t, err)
	roles := map[string]bool{}
	for _, mf := range families {
		if mf.GetName() != "a2dp_session_state_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "role" {
					roles[lp.GetValue()] = true
				}
			}
		}
	}
	assert.Equal(t, map[string]bool{"source": true, "sink": true}, roles)
}

// TestSineFeed проверяет чтение произвольными порциями без потери сэмплов
func TestSineFeed(t *testing.T) {
	whole := newSineFeed(44100, 2, 16, 1000)
	ref := make([]byte, 4096)
	n, err := whole.Read(ref)
	require.NoError(t, err)
	require.Equal(t, len(ref), n)

	parts := newSineFeed(44100, 2, 16, 1000)
	got := make([]byte, 0, len(ref))
	for _, size := range []int{3, 1, 7, 100, 2, 513} {
		buf := make([]byte, size)
		n, err := parts.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, ref[:len(got)], got)

	t.Run("каналы совпадают", func(t *testing.T) {
		for i := 0; i+4 <= len(ref); i += 4 {
			assert.Equal(t, binary.LittleEndian.Uint16(ref[i:]), binary.LittleEndian.Uint16(ref[i+2:]))
		}
	})

	t.Run("8 бит", func(t *testing.T) {
		f := newSineFeed(16000, 1, 8, 1000)
		buf := make([]byte, 64)
		n, err := f.Read(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		// первый отсчет синуса нулевой, то есть середина беззнаковой шкалы
		assert.Equal(t, byte(128), buf[0])
		for _, b := range buf[1:5] {
			assert.Greater(t, b, byte(128), "положительный полупериод")
		}
	})
}
