// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Trading bounds how many positions the engine may hold and how it paces its cycles.
type Trading struct {
	MaxPositions       int     `yaml:"max_positions"`
	PositionSize       float64 `yaml:"position_size"`
	MaxPositionPct     float64 `yaml:"max_position_pct"`
	CheckIntervalSecs  int     `yaml:"check_interval_secs"`
	ScreenIntervalSecs int     `yaml:"screen_interval_secs"`
}

// CheckInterval returns the cycle cadence as a duration.
func (t Trading) CheckInterval() time.Duration {
	return time.Duration(t.CheckIntervalSecs) * time.Second
}

// ScreenInterval returns the screener refresh cadence as a duration.
func (t Trading) ScreenInterval() time.Duration {
	return time.Duration(t.ScreenIntervalSecs) * time.Second
}

// Risk encodes the stop-loss and profit-taking guard rails applied to every position.
type Risk struct {
	InitialStopLossPct float64 `yaml:"initial_stop_loss_pct"`
	TrailingStopPct    float64 `yaml:"trailing_stop_pct"`
	TrailingGainPct    float64 `yaml:"trailing_gain_pct"`
	// TakeProfitRR expresses the optional take-profit target as a multiple of
	// the initial risk (entry minus initial stop). Zero disables it.
	TakeProfitRR float64 `yaml:"take_profit_rr"`
}

// Bands constrains the adaptive Bollinger parameters and the volatility range
// they are interpolated over.
type Bands struct {
	MinPeriod int     `yaml:"min_period"`
	MaxPeriod int     `yaml:"max_period"`
	MinStd    float64 `yaml:"min_std"`
	MaxStd    float64 `yaml:"max_std"`
	VolFloor  float64 `yaml:"vol_floor"`
	VolCeil   float64 `yaml:"vol_ceil"`
}

// Screener lists the raw symbol universe and the hard liquidity filters applied to it.
type Screener struct {
	Universe             []string `yaml:"universe"`
	MinPrice             float64  `yaml:"min_price"`
	MaxPrice             float64  `yaml:"max_price"`
	MinAvgVolume         float64  `yaml:"min_avg_volume"`
	VolumeRatioThreshold float64  `yaml:"volume_ratio_threshold"`
	MinDollarVolume      float64  `yaml:"min_dollar_volume"`
	MaxSpreadPct         float64  `yaml:"max_spread_pct"`
	MinVolatility        float64  `yaml:"min_volatility"`
}

// Broker selects the execution venue implementation and its credentials.
type Broker struct {
	Provider     string  `yaml:"provider"` // "paper"
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	StartingCash float64 `yaml:"starting_cash"`
	AlwaysOpen   bool    `yaml:"always_open"` // bypass the exchange-hours gate
}

// Market selects the market data provider implementation.
type Market struct {
	Provider  string `yaml:"provider"` // "stub" or "stream"
	StreamURL string `yaml:"stream_url"`
}

// Notify configures the operator notification channel.
type Notify struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Journal configures the optional Postgres trade journal. An empty DSN
// disables journaling.
type Journal struct {
	DSN string `yaml:"dsn"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Trading  Trading  `yaml:"trading"`
	Risk     Risk     `yaml:"risk"`
	Bands    Bands    `yaml:"bands"`
	Screener Screener `yaml:"screener"`
	Broker   Broker   `yaml:"broker"`
	Market   Market   `yaml:"market"`
	Notify   Notify   `yaml:"notify"`
	Journal  Journal  `yaml:"journal"`
}

// Load reads a YAML file from disk, hydrates a Config struct, applies
// environment overrides for secrets, and validates parameter ranges.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv lets secrets live outside the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notify.TelegramChatID = v
	}
	if v := os.Getenv("JOURNAL_DSN"); v != "" {
		c.Journal.DSN = v
	}
}

// Validate checks every parameter range. Any violation is fatal at startup;
// the engine never runs on an inconsistent configuration.
func (c *Config) Validate() error {
	t := c.Trading
	if t.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive, got %d", t.MaxPositions)
	}
	if t.PositionSize <= 0 || t.PositionSize > 1 {
		return fmt.Errorf("config: position_size must be in (0,1], got %.4f", t.PositionSize)
	}
	if t.MaxPositionPct <= 0 || t.MaxPositionPct > 1 {
		return fmt.Errorf("config: max_position_pct must be in (0,1], got %.4f", t.MaxPositionPct)
	}
	if t.PositionSize > t.MaxPositionPct {
		return fmt.Errorf("config: position_size %.4f exceeds max_position_pct %.4f", t.PositionSize, t.MaxPositionPct)
	}
	if t.CheckIntervalSecs <= 0 {
		return fmt.Errorf("config: check_interval_secs must be positive, got %d", t.CheckIntervalSecs)
	}
	if t.ScreenIntervalSecs < t.CheckIntervalSecs {
		return fmt.Errorf("config: screen_interval_secs %d below check_interval_secs %d", t.ScreenIntervalSecs, t.CheckIntervalSecs)
	}

	r := c.Risk
	if r.InitialStopLossPct <= 0 || r.InitialStopLossPct >= 1 {
		return fmt.Errorf("config: initial_stop_loss_pct must be in (0,1), got %.4f", r.InitialStopLossPct)
	}
	if r.TrailingStopPct <= 0 || r.TrailingStopPct >= 1 {
		return fmt.Errorf("config: trailing_stop_pct must be in (0,1), got %.4f", r.TrailingStopPct)
	}
	if r.TrailingGainPct <= 0 || r.TrailingGainPct >= 1 {
		return fmt.Errorf("config: trailing_gain_pct must be in (0,1), got %.4f", r.TrailingGainPct)
	}
	if r.TakeProfitRR < 0 {
		return fmt.Errorf("config: take_profit_rr must not be negative, got %.4f", r.TakeProfitRR)
	}

	b := c.Bands
	if b.MinPeriod < 2 {
		return fmt.Errorf("config: min_period must be at least 2, got %d", b.MinPeriod)
	}
	if b.MaxPeriod < b.MinPeriod {
		return fmt.Errorf("config: max_period %d below min_period %d", b.MaxPeriod, b.MinPeriod)
	}
	if b.MinStd <= 0 {
		return fmt.Errorf("config: min_std must be positive, got %.4f", b.MinStd)
	}
	if b.MaxStd < b.MinStd {
		return fmt.Errorf("config: max_std %.4f below min_std %.4f", b.MaxStd, b.MinStd)
	}
	if b.VolCeil <= b.VolFloor {
		return fmt.Errorf("config: vol_ceil %.4f must exceed vol_floor %.4f", b.VolCeil, b.VolFloor)
	}

	s := c.Screener
	if len(s.Universe) == 0 {
		return fmt.Errorf("config: screener universe is empty")
	}
	if s.MinPrice <= 0 || s.MaxPrice < s.MinPrice {
		return fmt.Errorf("config: price band [%.2f, %.2f] invalid", s.MinPrice, s.MaxPrice)
	}
	if s.MaxSpreadPct <= 0 {
		return fmt.Errorf("config: max_spread_pct must be positive, got %.4f", s.MaxSpreadPct)
	}
	if s.MinVolatility < 0 {
		return fmt.Errorf("config: min_volatility must not be negative, got %.4f", s.MinVolatility)
	}
	return nil
}
