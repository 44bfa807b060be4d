package av

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/config"
	"github.com/arzzra/a2dp/pkg/control"
	"github.com/arzzra/a2dp/pkg/logging"
	"github.com/arzzra/a2dp/pkg/media"
)

// syncTransport потокобезопасный транспорт для тестов движка
type syncTransport struct {
	mu     sync.Mutex
	opens  int
	starts int
	stops  int
}

func (t *syncTransport) Open(string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	return nil
}
func (t *syncTransport) Close() error { return nil }
func (t *syncTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts++
	return nil
}
func (t *syncTransport) Stop(bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}
func (t *syncTransport) Reconfigure([]byte) error          { return nil }
func (t *syncTransport) Configure(codec.Selection) error   { return nil }
func (t *syncTransport) ReplySetConfig(codec.Status) error { return nil }
func (t *syncTransport) DataReady()                        {}

func (t *syncTransport) startCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starts
}

type syncAcks struct {
	mu   sync.Mutex
	acks []control.Ack
}

func (a *syncAcks) OnAck(ack control.Ack) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, ack)
}

func (a *syncAcks) snapshot() []control.Ack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]control.Ack(nil), a.acks...)
}

type syncPCM struct {
	mu    sync.Mutex
	bytes int
}

func (s *syncPCM) Deliver(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += len(pcm)
}

func (s *syncPCM) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

const (
	waitFor = 2 * time.Second
	poll    = 5 * time.Millisecond
)

func testLogger() logging.Logger {
	l, _ := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return logging.FromLogrus(l)
}

// runEngine запускает движок до конца теста
func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("движок не остановился")
		}
	})
}

func post(t *testing.T, e *Engine, events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, e.Post(context.Background(), ev))
	}
}

func waitState(t *testing.T, e *Engine, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == s }, waitFor, poll, "ожидалось состояние %s", s)
}

// TestEngineSourceStreaming тестирует движок источника от соединения
// до выдачи медиапакетов по таймеру.
// Проверяет:
//   - Пакеты появляются в очереди передачи после старта
//   - SSRC пакетов постоянен в пределах сессии
//   - Подтверждения учитываются в метриках сессии
//   - После остановки Post возвращает ErrEngineStopped
func TestEngineSourceStreaming(t *testing.T) {
	cfg := config.Default()
	cfg.Source.TickInterval = 5 * time.Millisecond
	transport := &syncTransport{}
	acks := &syncAcks{}
	reg := prometheus.NewRegistry()

	e, err := NewEngine(EngineOptions{
		Config:     cfg,
		Transport:  transport,
		Feed:       &sawFeed{},
		Encoder:    codec.NewFrameCodec(),
		Acker:      acks,
		Logger:     testLogger(),
		Registerer: reg,
	})
	require.NoError(t, err)
	assert.Equal(t, codec.RoleSource, e.Role())
	assert.NotEmpty(t, e.ID())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	post(t, e,
		ConnectRequest{Addr: peerAddr},
		Discovery{Addr: peerAddr, NumSeps: 1, NumSinks: 1},
		CapabilityReply{Endpoint: sinkEndpoint(), IsSink: true},
		OpenResult{OK: true, EDR: true, MTU: 895},
	)
	waitState(t, e, StateOpened)

	require.NoError(t, e.Command(context.Background(), control.CommandStart))
	require.Eventually(t, func() bool { return transport.startCount() == 1 }, waitFor, poll)
	post(t, e, StartResult{OK: true, Initiator: true})
	waitState(t, e, StateStarted)

	var pkts []*rtp.Packet
	require.Eventually(t, func() bool {
		if pkt := e.ReadMedia(); pkt != nil {
			pkts = append(pkts, pkt)
		}
		return len(pkts) >= 2
	}, waitFor, poll)
	assert.Equal(t, pkts[0].SSRC, pkts[1].SSRC)
	assert.Equal(t, pkts[0].SequenceNumber+1, pkts[1].SequenceNumber)
	assert.Equal(t, uint8(media.PayloadTypeSBC), pkts[0].PayloadType)
	assert.NotZero(t, pkts[0].Payload[0])

	assert.Equal(t, []control.Ack{{Command: control.CommandStart, Status: control.AckSuccess}}, acks.snapshot())
	assert.Equal(t, 1.0, counterSum(t, reg, "a2dp_session_command_acks_total"))
	assert.Greater(t, counterSum(t, reg, "a2dp_media_sbc_frames_encoded_total"), 0.0)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("движок не остановился")
	}
	<-e.Done()
	assert.ErrorIs(t, e.Post(context.Background(), DisconnectRequest{}), ErrEngineStopped)
	assert.Nil(t, e.ReadMedia(), "очередь передачи освобождена при остановке")
}

// TestEngineSinkReceive тестирует прием медиапакетов приемником:
// пакеты из другого контекста декодируются рабочим контекстом
// после достижения порога очереди
func TestEngineSinkReceive(t *testing.T) {
	cfg := config.Default()
	cfg.Role = config.RoleSink
	out := &syncPCM{}

	e, err := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: &syncTransport{},
		Decoder:   codec.NewFrameCodec(),
		PCMSink:   out,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	runEngine(t, e)

	post(t, e,
		PendingConnect{Addr: peerAddr},
		SetConfigRequest{Request: codec.SetConfigRequest{
			Addr: peerAddr, SEID: 1, CodecType: codec.CodecSBC, Info: codec.DefaultConfig().Bytes(),
		}},
		OpenResult{OK: true, MTU: 672},
		StartResult{OK: true, Initiator: false},
	)
	waitState(t, e, StateStarted)

	enc := codec.NewFrameCodec()
	params := codec.ParamsFromInfo(codec.DefaultConfig())
	require.NoError(t, enc.Reset(params))
	pcm := make([]byte, codec.PCMFrameBytes(params))
	buf := make([]byte, enc.FrameLength())
	n, err := enc.Encode(pcm, buf)
	require.NoError(t, err)

	for i := 0; i < cfg.Sink.Watermark; i++ {
		f := &media.Frame{Sequence: uint16(100 + i), Timestamp: uint32(i * 128), FrameCount: 1, Payload: buf[:n]}
		_, err := e.ReceiveMedia(f.ToRTP(0x1234))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return out.total() == cfg.Sink.Watermark*len(pcm) }, waitFor, poll)

	t.Run("приемник не отдает пакеты", func(t *testing.T) {
		assert.Nil(t, e.ReadMedia())
	})
}

// TestNewEngineValidation проверяет обязательные зависимости движка
func TestNewEngineValidation(t *testing.T) {
	t.Run("без транспорта", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{Feed: &sawFeed{}, Encoder: codec.NewFrameCodec()})
		require.Error(t, err)
	})

	t.Run("источник без PCM", func(t *testing.T) {
		_, err := NewEngine(EngineOptions{Transport: &syncTransport{}})
		require.ErrorIs(t, err, ErrWrongRole)
	})

	t.Run("приемник без декодера", func(t *testing.T) {
		cfg := config.Default()
		cfg.Role = config.RoleSink
		_, err := NewEngine(EngineOptions{Config: cfg, Transport: &syncTransport{}, PCMSink: &syncPCM{}})
		require.ErrorIs(t, err, ErrWrongRole)
	})

	t.Run("некорректная конфигурация", func(t *testing.T) {
		cfg := config.Default()
		cfg.Role = "relay"
		_, err := NewEngine(EngineOptions{Config: cfg, Transport: &syncTransport{}})
		require.Error(t, err)
	})

	t.Run("прием медиа источником", func(t *testing.T) {
		e, err := NewEngine(EngineOptions{Transport: &syncTransport{}, Feed: &sawFeed{}, Encoder: codec.NewFrameCodec()})
		require.NoError(t, err)
		_, err = e.ReceiveMedia(&rtp.Packet{})
		require.ErrorIs(t, err, ErrWrongRole)
	})

	t.Run("повторный запуск", func(t *testing.T) {
		e, err := NewEngine(EngineOptions{Transport: &syncTransport{}, Feed: &sawFeed{}, Encoder: codec.NewFrameCodec()})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, e.Run(ctx))
		require.Error(t, e.Run(ctx))
	})
}

// TestTickerLastCommandWins проверяет, что в канале управления таймером
// остается только последняя команда
func TestTickerLastCommandWins(t *testing.T) {
	tk := newTicker(make(chan time.Time, 1))
	tk.Arm(10 * time.Millisecond)
	tk.Arm(20 * time.Millisecond)
	tk.Disarm()

	assert.Equal(t, time.Duration(0), <-tk.ctl)
	assert.Len(t, tk.ctl, 0)
}

// TestTickerDelivery проверяет доставку срабатываний и снятие таймера
func TestTickerDelivery(t *testing.T) {
	ticks := make(chan time.Time, 1)
	tk := newTicker(ticks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tk.run(ctx) }()

	tk.Arm(time.Millisecond)
	select {
	case <-ticks:
	case <-time.After(waitFor):
		t.Fatal("нет срабатывания таймера")
	}

	tk.Disarm()
	// дождаться обработки команды и слить тик, успевший попасть в канал
	require.Eventually(t, func() bool { return len(tk.ctl) == 0 }, waitFor, poll)
	time.Sleep(10 * time.Millisecond)
	select {
	case <-ticks:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ticks, 0)
}
