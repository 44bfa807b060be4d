package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/logging"
	"github.com/arzzra/a2dp/pkg/media"
)

// toneFeed бесконечный источник PCM с пилообразным сигналом
type toneFeed struct {
	v     byte
	empty bool
	limit int // если > 0, отдается не больше limit байт за чтение
	reads int
}

func (f *toneFeed) Read(p []byte) (int, error) {
	f.reads++
	if f.empty {
		return 0, nil
	}
	n := len(p)
	if f.limit > 0 && n > f.limit {
		n = f.limit
	}
	for i := 0; i < n; i++ {
		p[i] = f.v
		f.v++
	}
	return n, nil
}

type fakeScheduler struct {
	armed    bool
	interval time.Duration
	arms     int
}

func (s *fakeScheduler) Arm(interval time.Duration) {
	s.armed = true
	s.interval = interval
	s.arms++
}

func (s *fakeScheduler) Disarm() { s.armed = false }

type countingNotifier struct{ n int }

func (c *countingNotifier) DataReady() { c.n++ }

type failingEncoder struct{ codec.FrameCodec }

func (e *failingEncoder) Encode([]byte, []byte) (int, error) {
	return 0, errors.New("сбой кодировщика")
}

// fixedConfig отдает заранее заданную конфигурацию
type fixedConfig struct {
	cfg  codec.SBCInfo
	mtu  int
	pref *codec.BitpoolRange
	cp   bool
}

func (c *fixedConfig) SetCodec(codec.Feeding) (*codec.Selection, error) {
	return &codec.Selection{Config: c.cfg.Bytes()}, nil
}
func (c *fixedConfig) SBCConfig() (codec.SBCInfo, int)              { return c.cfg, c.mtu }
func (c *fixedConfig) RemoteBitpoolPreference() *codec.BitpoolRange { return c.pref }
func (c *fixedConfig) CPActive() bool                               { return c.cp }
func (c *fixedConfig) CPFlag() byte                                 { return codec.CPCopyNever }

type fixture struct {
	p        *Pipeline
	feed     *toneFeed
	sched    *fakeScheduler
	notifier *countingNotifier
	hook     *test.Hook
	reg      *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config, feeding codec.Feeding, mtu int) *fixture {
	t.Helper()
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.TraceLevel)

	f := &fixture{
		feed:     &toneFeed{},
		sched:    &fakeScheduler{},
		notifier: &countingNotifier{},
		hook:     hook,
		reg:      prometheus.NewRegistry(),
	}
	p, err := NewPipeline(Options{
		Config:    cfg,
		Feed:      f.feed,
		Encoder:   codec.NewFrameCodec(),
		Scheduler: f.sched,
		Notifier:  f.notifier,
		Logger:    logging.FromLogrus(l),
		Metrics:   media.NewMetrics(&media.MetricsConfig{Enabled: true, Registerer: f.reg}),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.EncoderInit(ctx, codec.DefaultConfig(), mtu))
	p.FeedingInit(ctx, feeding)
	f.p = p
	return f
}

var cdQuality = codec.Feeding{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

func drain(p *Pipeline) []*media.Frame {
	var out []*media.Frame
	for f := p.Dequeue(); f != nil; f = p.Dequeue() {
		out = append(out, f)
	}
	return out
}

func frameTotal(frames []*media.Frame) int {
	n := 0
	for _, f := range frames {
		n += f.FrameCount
	}
	return n
}

// TestPipelineTick тестирует вычисление числа кадров и упаковку.
// Проверяет:
//   - 44.1 кГц стерео дает 10 кадров за первый тик 30 мс
//   - Пакет не превышает MTU и 15 кадров
//   - Метка времени пакета равна метке первого кадра
//   - Транспорт уведомляется на каждом тике
func TestPipelineTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), cdQuality, 1000)
	p := f.p

	p.Start(ctx)
	assert.True(t, f.sched.armed)
	assert.Equal(t, 30*time.Millisecond, f.sched.interval)

	now := time.Now()
	p.HandleTick(ctx, now)
	assert.Equal(t, 1, f.notifier.n)

	frames := drain(p)
	require.Len(t, frames, 2)
	assert.Equal(t, 8, frames[0].FrameCount)
	assert.Equal(t, 2, frames[1].FrameCount)
	assert.Equal(t, uint32(0), frames[0].Timestamp)
	assert.Equal(t, uint32(8*128), frames[1].Timestamp)
	assert.Equal(t, frames[0].Sequence+1, frames[1].Sequence)
	for _, fr := range frames {
		assert.Less(t, fr.Len(), 1000)
		assert.Equal(t, fr.FrameCount*119, fr.Len())
		assert.False(t, fr.HasCP)
	}

	t.Run("число кадров ограничено за тик", func(t *testing.T) {
		p.HandleTick(ctx, now.Add(time.Second))
		frames := drain(p)
		assert.Equal(t, 21, frameTotal(frames))
		for _, fr := range frames {
			assert.LessOrEqual(t, fr.FrameCount, media.MaxFramesPerPacket)
		}
	})

	t.Run("метки времени монотонны", func(t *testing.T) {
		p.HandleTick(ctx, now.Add(time.Second+30*time.Millisecond))
		frames := drain(p)
		require.NotEmpty(t, frames)
		assert.Equal(t, uint32((10+21)*128), frames[0].Timestamp)
	})
}

// TestPipelineTxQueueBound проверяет, что очередь передачи не растет
// без потребителя и вытесняет старые пакеты
func TestPipelineTxQueueBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), cdQuality, 1000)
	f.p.Start(ctx)

	now := time.Now()
	for i := 0; i < 50; i++ {
		now = now.Add(90 * time.Millisecond)
		f.p.HandleTick(ctx, now)
		assert.LessOrEqual(t, f.p.QueueLen(), DefaultTxQueueSize)
	}
	// 21 кадр занимает 3 пакета (8+8+5), вытесняется ровно столько старых
	assert.Equal(t, DefaultTxQueueSize, f.p.QueueLen())

	frames := drain(f.p)
	for i := 1; i < len(frames); i++ {
		assert.True(t, media.SeqNewer(frames[i].Sequence, frames[i-1].Sequence))
	}
	last := frames[len(frames)-3:]
	assert.Equal(t, []int{8, 8, 5}, []int{last[0].FrameCount, last[1].FrameCount, last[2].FrameCount})

	t.Run("кадров в пакете", func(t *testing.T) {
		assert.Equal(t, 8, f.p.framesPerPacket())

		small := newFixture(t, DefaultConfig(), cdQuality, 200)
		assert.Equal(t, 1, small.p.framesPerPacket())

		large := newFixture(t, DefaultConfig(), cdQuality, MaxMTU)
		assert.Equal(t, media.MaxFramesPerPacket, large.p.framesPerPacket())
	})
}

// TestPipelineTxFlush тестирует режим отбрасывания пакетов
func TestPipelineTxFlush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), cdQuality, 1000)
	p := f.p
	p.Start(ctx)

	now := time.Now()
	p.HandleTick(ctx, now)
	require.Equal(t, 2, p.QueueLen())

	p.SetTxFlush(true)
	assert.True(t, p.TxFlushEnabled())
	p.HandleTick(ctx, now.Add(30*time.Millisecond))
	assert.Equal(t, 0, p.QueueLen(), "пакеты не попадают в очередь при tx-flush")

	t.Run("явный сброс идемпотентен", func(t *testing.T) {
		assert.Equal(t, 0, p.TxFlush(ctx))
		assert.Equal(t, 0, p.TxFlush(ctx))
	})

	t.Run("остановка снимает tx-flush", func(t *testing.T) {
		assert.True(t, p.Stop(ctx))
		assert.False(t, p.TxFlushEnabled())
		assert.False(t, f.sched.armed)
		assert.Nil(t, p.Dequeue())
		assert.False(t, p.Stop(ctx), "повторная остановка")
	})
}

// TestPipelineUnderflow тестирует нехватку PCM.
// Проверяет:
//   - Пакеты не формируются
//   - Предупреждение выдается один раз за серию
//   - Бюджет возвращается в счетчик и расходуется после восстановления
func TestPipelineUnderflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), cdQuality, 1000)
	p := f.p
	p.Start(ctx)
	f.feed.empty = true

	now := time.Now()
	for i := 0; i < 15; i++ {
		p.HandleTick(ctx, now)
		now = now.Add(30 * time.Millisecond)
	}
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 15, p.UnderflowStreak())
	assert.Equal(t, 15, f.notifier.n)

	warnings := 0
	for _, e := range f.hook.AllEntries() {
		if e.Message == "длительная нехватка PCM" {
			warnings++
			assert.Equal(t, logrus.WarnLevel, e.Level)
		}
	}
	assert.Equal(t, 1, warnings)

	f.feed.empty = false
	p.HandleTick(ctx, now)
	assert.Equal(t, 0, p.UnderflowStreak())
	assert.Equal(t, 21, frameTotal(drain(p)), "накопленный бюджет ограничен лимитом тика")

	assert.Equal(t, float64(15), gatherValue(t, f.reg, "feed_underflows_total"))
	assert.Equal(t, float64(0), gatherValue(t, f.reg, "feed_underflow_streak"))
}

// gatherValue возвращает значение метрики без меток из реестра
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	t.Fatalf("метрика %s не найдена", name)
	return 0
}

// TestPipelineResample тестирует чтение PCM 32 кГц для SBC 48 кГц
func TestPipelineResample(t *testing.T) {
	ctx := context.Background()
	feeding := codec.Feeding{SampleRate: 32000, Channels: 2, BitsPerSample: 16}
	f := newFixture(t, DefaultConfig(), feeding, 1000)
	p := f.p

	assert.Equal(t, 48000, p.Params().SampleRate, "частота SBC приведена к семейству 48 кГц")
	p.Start(ctx)
	p.HandleTick(ctx, time.Now())

	// 32000*4*0.03 = 3840 байт, по 512 байт PCM источника на кадр
	assert.Equal(t, 7, frameTotal(drain(p)))
	assert.Equal(t, 0, p.UnderflowStreak())

	t.Run("неполное чтение дополняется тишиной", func(t *testing.T) {
		f.feed.limit = 100
		p.HandleTick(ctx, time.Now().Add(30*time.Millisecond))
		assert.Equal(t, 0, p.UnderflowStreak())
		assert.NotZero(t, p.QueueLen())
	})
}

// TestFeedingInit тестирует приведение кодировщика к формату PCM
func TestFeedingInit(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		rate     int
		sbcRate  int
		reconfig bool
	}{
		{"44.1 кГц без изменений", 44100, 44100, false},
		{"22.05 кГц идет в 44.1 кГц", 22050, 44100, false},
		{"16 кГц идет в 48 кГц", 16000, 48000, true},
		{"48 кГц", 48000, 48000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), cdQuality, 1000)
			got := f.p.FeedingInit(ctx, codec.Feeding{SampleRate: tt.rate, Channels: 2, BitsPerSample: 16})
			assert.Equal(t, tt.reconfig, got)
			assert.Equal(t, tt.sbcRate, f.p.Params().SampleRate)
		})
	}

	t.Run("моно заменяется joint stereo", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), cdQuality, 1000)
		mono := codec.DefaultConfig()
		mono.ChannelMode = codec.ChannelMono
		require.NoError(t, f.p.EncoderInit(ctx, mono, 1000))
		assert.True(t, f.p.FeedingInit(ctx, cdQuality))
		assert.Equal(t, codec.ModeJoint, f.p.Params().ChannelMode)
	})
}

// TestEncoderUpdate тестирует подбор bitpool и ограничение MTU
func TestEncoderUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("EDR", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), cdQuality, 1000)
		res := f.p.EncoderUpdate(ctx, &fixedConfig{cfg: codec.DefaultConfig(), mtu: 895})
		assert.True(t, res.Converged)
		assert.Equal(t, 53, res.Bitpool)
		assert.Equal(t, 53, f.p.Params().Bitpool)
		assert.Equal(t, 895, f.p.MTU())
	})

	t.Run("без EDR", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EDR = false
		f := newFixture(t, cfg, cdQuality, 1000)
		res := f.p.EncoderUpdate(ctx, &fixedConfig{cfg: codec.DefaultConfig(), mtu: 895})
		assert.Equal(t, 35, res.Bitpool)
	})

	t.Run("предпочтение пира сужает диапазон", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), cdQuality, 1000)
		res := f.p.EncoderUpdate(ctx, &fixedConfig{
			cfg:  codec.DefaultConfig(),
			mtu:  895,
			pref: &codec.BitpoolRange{Min: 10, Max: 35},
		})
		assert.LessOrEqual(t, res.Bitpool, 35)
		assert.GreaterOrEqual(t, res.Bitpool, 10)
	})

	t.Run("MTU ограничен сверху", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), cdQuality, 1000)
		f.p.EncoderUpdate(ctx, &fixedConfig{cfg: codec.DefaultConfig(), mtu: 65535})
		assert.Equal(t, MaxMTU, f.p.MTU())
	})

	t.Run("байт SCMS-T в пакетах", func(t *testing.T) {
		f := newFixture(t, DefaultConfig(), cdQuality, 1000)
		f.p.EncoderUpdate(ctx, &fixedConfig{cfg: codec.DefaultConfig(), mtu: 895, cp: true})
		f.p.Start(ctx)
		f.p.HandleTick(ctx, time.Now())
		fr := f.p.Dequeue()
		require.NotNil(t, fr)
		assert.True(t, fr.HasCP)
		assert.Equal(t, codec.CPCopyNever, fr.CPFlag)
	})
}

func TestSetupCodec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), cdQuality, 1000)

	n := codec.NewNegotiator(codec.NegotiatorOptions{Role: codec.RoleSource})
	_, err := f.p.SetupCodec(ctx, n, cdQuality)
	assert.Error(t, err, "пир без приемников")

	sel, err := f.p.SetupCodec(ctx, &fixedConfig{cfg: codec.DefaultConfig(), mtu: 672}, cdQuality)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, 672, f.p.MTU())
}

func TestEncodeFailure(t *testing.T) {
	ctx := context.Background()
	sched := &fakeScheduler{}
	reg := prometheus.NewRegistry()
	m := media.NewMetrics(&media.MetricsConfig{Enabled: true, Registerer: reg})
	p, err := NewPipeline(Options{
		Config:    DefaultConfig(),
		Feed:      &toneFeed{},
		Encoder:   &failingEncoder{},
		Scheduler: sched,
		Metrics:   m,
	})
	require.NoError(t, err)
	require.NoError(t, p.EncoderInit(ctx, codec.DefaultConfig(), 1000))
	p.FeedingInit(ctx, cdQuality)
	p.Start(ctx)

	assert.NotPanics(t, func() { p.HandleTick(ctx, time.Now()) })
	assert.Equal(t, 0, p.QueueLen())
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline(Options{})
	assert.Error(t, err)
	_, err = NewPipeline(Options{Feed: &toneFeed{}})
	assert.Error(t, err)
	_, err = NewPipeline(Options{Feed: &toneFeed{}, Encoder: codec.NewFrameCodec()})
	assert.Error(t, err)
}
