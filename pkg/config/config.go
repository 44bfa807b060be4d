package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Роли локального устройства
const (
	RoleSource = "source"
	RoleSink   = "sink"
)

// Config содержит конфигурацию движка A2DP.
// Позволяет настроить:
//   - Роль устройства и политику защиты контента
//   - Формат PCM потока приложения
//   - Параметры тактирования и очередей конвейеров
//   - Логирование и метрики
type Config struct {
	Role              string `mapstructure:"role" validate:"required,oneof=source sink"`
	ContentProtection bool   `mapstructure:"content_protection"` // SCMS-T для всех сессий процесса
	EDR               bool   `mapstructure:"edr"`                // канал с повышенной пропускной способностью

	Feed    FeedConfig    `mapstructure:"feed"`
	Source  SourceConfig  `mapstructure:"source"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// FeedConfig формат PCM, который отдает приложение
type FeedConfig struct {
	SampleRate    int `mapstructure:"sample_rate" validate:"oneof=8000 11025 12000 16000 22050 24000 32000 44100 48000"`
	Channels      int `mapstructure:"channels" validate:"oneof=1 2"`
	BitsPerSample int `mapstructure:"bits_per_sample" validate:"oneof=8 16"`
}

type SourceConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval" validate:"gte=1ms,lte=1s"`
	MaxFramesPerTick   int           `mapstructure:"max_frames_per_tick" validate:"gte=1"`
	TxQueueSize        int           `mapstructure:"tx_queue_size" validate:"gte=1"`
	UnderflowWarnTicks int           `mapstructure:"underflow_warn_ticks" validate:"gte=1"`
}

type SinkConfig struct {
	RxQueueSize int `mapstructure:"rx_queue_size" validate:"gte=1"`
	Watermark   int `mapstructure:"watermark" validate:"gte=1,ltefield=RxQueueSize"`
}

// CodecConfig границы bitpool локальных возможностей источника
type CodecConfig struct {
	MinBitpool int `mapstructure:"min_bitpool" validate:"gte=2,lte=250"`
	MaxBitpool int `mapstructure:"max_bitpool" validate:"gte=2,lte=250,gtefield=MinBitpool"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required_if=Enabled true"`
	Listen    string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Role: RoleSource,
		EDR:  true,
		Feed: FeedConfig{
			SampleRate:    44100,
			Channels:      2,
			BitsPerSample: 16,
		},
		Source: SourceConfig{
			TickInterval:       30 * time.Millisecond,
			MaxFramesPerTick:   21,
			TxQueueSize:        27,
			UnderflowWarnTicks: 10,
		},
		Sink: SinkConfig{
			RxQueueSize: 20,
			Watermark:   5,
		},
		Codec: CodecConfig{
			MinBitpool: 2,
			MaxBitpool: 53,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "a2dp",
			Listen:    ":9102",
		},
	}
}

// InitConfig читает конфигурацию из .env файла (ENV_PATH) и переменных окружения.
// Вложенные ключи разделяются "__": FEED__SAMPLE_RATE, SINK__WATERMARK.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))

	v.AddConfigPath(".")
	v.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefault(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
		}
	}
	return v, nil
}

func setDefault(v *viper.Viper) {
	d := Default()

	v.SetDefault("ROLE", d.Role)
	v.SetDefault("CONTENT_PROTECTION", d.ContentProtection)
	v.SetDefault("EDR", d.EDR)

	v.SetDefault("FEED__SAMPLE_RATE", d.Feed.SampleRate)
	v.SetDefault("FEED__CHANNELS", d.Feed.Channels)
	v.SetDefault("FEED__BITS_PER_SAMPLE", d.Feed.BitsPerSample)

	v.SetDefault("SOURCE__TICK_INTERVAL", d.Source.TickInterval.String())
	v.SetDefault("SOURCE__MAX_FRAMES_PER_TICK", d.Source.MaxFramesPerTick)
	v.SetDefault("SOURCE__TX_QUEUE_SIZE", d.Source.TxQueueSize)
	v.SetDefault("SOURCE__UNDERFLOW_WARN_TICKS", d.Source.UnderflowWarnTicks)

	v.SetDefault("SINK__RX_QUEUE_SIZE", d.Sink.RxQueueSize)
	v.SetDefault("SINK__WATERMARK", d.Sink.Watermark)

	v.SetDefault("CODEC__MIN_BITPOOL", d.Codec.MinBitpool)
	v.SetDefault("CODEC__MAX_BITPOOL", d.Codec.MaxBitpool)

	v.SetDefault("LOG__LEVEL", d.Log.Level)
	v.SetDefault("LOG__FORMAT", d.Log.Format)

	v.SetDefault("METRICS__ENABLED", d.Metrics.Enabled)
	v.SetDefault("METRICS__NAMESPACE", d.Metrics.Namespace)
	v.SetDefault("METRICS__LISTEN", d.Metrics.Listen)
}

// GetEngineConfig собирает и проверяет конфигурацию движка
func GetEngineConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("некорректная конфигурация: %w", err)
	}
	if c.Source.MaxFramesPerTick > c.Source.TxQueueSize {
		return fmt.Errorf("MaxFramesPerTick не может превышать TxQueueSize")
	}
	return nil
}

// IsSource true если локальное устройство передает звук
func (c *Config) IsSource() bool {
	return c.Role == RoleSource
}
