// Команда a2dp-loopback соединяет движок источника и движок приемника
// через канал в памяти и передает синусоидальный сигнал до сигнала остановки.
//
// Конфигурация читается из .env (ENV_PATH) и переменных окружения,
// см. pkg/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/a2dp/pkg/av"
	"github.com/arzzra/a2dp/pkg/codec"
	"github.com/arzzra/a2dp/pkg/config"
	"github.com/arzzra/a2dp/pkg/control"
	"github.com/arzzra/a2dp/pkg/logging"
)

func main() {
	var (
		duration = flag.Duration("duration", 0, "Длительность передачи, 0 до сигнала остановки")
		tone     = flag.Float64("tone", 440, "Частота тона, Гц")
		mtu      = flag.Int("mtu", 895, "MTU канала")
	)
	flag.Parse()

	v, err := config.InitConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.GetEngineConfig(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *duration, *tone, *mtu); err != nil {
		logger.LogError(ctx, err, "loopback завершен с ошибкой")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger, duration time.Duration, tone float64, mtu int) error {
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	registerer := func(role string) prometheus.Registerer {
		if reg == nil {
			return nil
		}
		return prometheus.WrapRegistererWith(prometheus.Labels{"role": role}, reg)
	}

	lb, err := newLoopback(cfg, logger, registerer, tone, mtu)
	if err != nil {
		return err
	}
	source, sink, out := lb.source, lb.sink, lb.out

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return source.Run(gctx) })
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error { return lb.link.run(gctx) })

	if reg != nil {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info(gctx, "метрики доступны", logging.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return scenario(gctx, source, sink, out, logger, duration) })

	err = g.Wait()
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info(ctx, "loopback остановлен",
		logging.Int64("pcm_bytes", out.bytes.Load()),
		logging.Int64("pcm_chunks", out.chunks.Load()))
	return err
}

type loopback struct {
	link   *link
	source *av.Engine
	sink   *av.Engine
	out    *discardSink
}

// newLoopback собирает пару движков с общим каналом. registerer по роли
// возвращает реестр метрик или nil.
func newLoopback(cfg *config.Config, logger logging.Logger, registerer func(role string) prometheus.Registerer,
	tone float64, mtu int) (*loopback, error) {
	lb := &loopback{link: newLink(mtu, cfg.EDR, logger), out: &discardSink{}}

	srcCfg, snkCfg := *cfg, *cfg
	srcCfg.Role, snkCfg.Role = config.RoleSource, config.RoleSink

	var err error
	lb.source, err = av.NewEngine(av.EngineOptions{
		Config:     &srcCfg,
		Transport:  lb.link.source,
		Feed:       newSineFeed(cfg.Feed.SampleRate, cfg.Feed.Channels, cfg.Feed.BitsPerSample, tone),
		Encoder:    codec.NewFrameCodec(),
		Acker:      ackLogger(logger, "source"),
		Logger:     logger,
		Registerer: registerer(config.RoleSource),
	})
	if err != nil {
		return nil, fmt.Errorf("движок источника: %w", err)
	}
	lb.sink, err = av.NewEngine(av.EngineOptions{
		Config:     &snkCfg,
		Transport:  lb.link.sink,
		Decoder:    codec.NewFrameCodec(),
		PCMSink:    lb.out,
		Acker:      ackLogger(logger, "sink"),
		Logger:     logger,
		Registerer: registerer(config.RoleSink),
	})
	if err != nil {
		return nil, fmt.Errorf("движок приемника: %w", err)
	}
	lb.link.attach(lb.source, lb.sink)
	return lb, nil
}

// scenario соединяет стороны, запускает поток и по истечении duration
// останавливает его и разрывает соединение
func scenario(ctx context.Context, source, sink *av.Engine, out *discardSink, logger logging.Logger, duration time.Duration) error {
	if err := source.Connect(ctx, "00:1A:7D:DA:71:02"); err != nil {
		return err
	}
	if err := waitState(ctx, source, av.StateOpened); err != nil {
		return err
	}
	if err := waitState(ctx, sink, av.StateOpened); err != nil {
		return err
	}
	if err := source.Command(ctx, control.CommandStart); err != nil {
		return err
	}
	if err := waitState(ctx, source, av.StateStarted); err != nil {
		return err
	}
	logger.Info(ctx, "поток запущен")

	report := time.NewTicker(time.Second)
	defer report.Stop()
	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-report.C:
			logger.Debug(ctx, "прием",
				logging.Int64("pcm_bytes", out.bytes.Load()),
				logging.String("sink_state", sink.State().String()))
		case <-deadline:
			if err := source.Command(ctx, control.CommandStop); err != nil {
				return err
			}
			if err := waitState(ctx, source, av.StateOpened); err != nil {
				return err
			}
			if err := source.Disconnect(ctx); err != nil {
				return err
			}
			if err := waitState(ctx, source, av.StateIdle); err != nil {
				return err
			}
			if err := waitState(ctx, sink, av.StateIdle); err != nil {
				return err
			}
			// сценарий завершен, остальные участники останавливаются через отмену
			return errDone
		}
	}
}

var errDone = errors.New("сценарий завершен")

func waitState(ctx context.Context, e *av.Engine, want av.State) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	timeout := time.After(5 * time.Second)
	for e.State() != want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("%s: состояние %s не достигнуто, текущее %s", e.Role(), want, e.State())
		case <-t.C:
		}
	}
	return nil
}

func ackLogger(logger logging.Logger, side string) control.Acker {
	return control.AckerFunc(func(a control.Ack) {
		logger.Info(context.Background(), "подтверждение команды",
			logging.String("side", side),
			logging.String("command", a.Command.String()),
			logging.String("status", a.Status.String()))
	})
}
