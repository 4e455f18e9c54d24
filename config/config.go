package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del ejecutor.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Risk    RiskConfig    `yaml:"risk"`
	Fees    FeesConfig    `yaml:"fees"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Markets []string      `yaml:"markets"` // condition IDs a vigilar

	// Secretos: solo desde entorno, nunca desde YAML
	PrivateKey string `yaml:"-"`
}

// EngineConfig controla la detección y el ciclo de vida de los attempts.
type EngineConfig struct {
	ProfitThreshold     float64 `yaml:"profit_threshold"`      // edge neto mínimo para disparar
	CapitalFraction     float64 `yaml:"capital_fraction"`      // fracción del capital disponible por attempt
	MinSettleableSize   float64 `yaml:"min_settleable_size"`   // shares mínimos para que el merge compense el gas
	CooldownSeconds     int     `yaml:"cooldown_seconds"`      // silencio por mercado tras disparar
	PollIntervalMillis  int     `yaml:"poll_interval_millis"`  // polling de estado de órdenes
	AttemptTimeoutSecs  int     `yaml:"attempt_timeout_secs"`  // ventana máxima de un attempt
	SettleMaxTries      int     `yaml:"settle_max_tries"`      // reintentos de merge on-chain
	GasEscalation       float64 `yaml:"gas_escalation"`        // multiplicador de gas por retry
	BalanceCacheSeconds int     `yaml:"balance_cache_seconds"` // TTL del balance USDC.e cacheado
}

// RiskConfig son los límites del Risk Governor.
type RiskConfig struct {
	MinTradeUSD     float64 `yaml:"min_trade_usd"`
	MaxTradeUSD     float64 `yaml:"max_trade_usd"`
	MaxExposureUSD  float64 `yaml:"max_exposure_usd"`
	MaxDailyLossUSD float64 `yaml:"max_daily_loss_usd"`
	StuckThreshold  int     `yaml:"stuck_threshold"` // escalaciones de inventario antes de halt
}

// FeesConfig parametriza el modelo de coste del detector.
type FeesConfig struct {
	TakerFeeRate float64 `yaml:"taker_fee_rate"`
	GasCostUSD   float64 `yaml:"gas_cost_usd"`
	SlippageRate float64 `yaml:"slippage_rate"`
	SafetyMult   float64 `yaml:"safety_mult"`
}

// APIConfig contiene los endpoints externos.
type APIConfig struct {
	CLOBBase  string `yaml:"clob_base"`
	GammaBase string `yaml:"gamma_base"`
	WSBase    string `yaml:"ws_base"`
	RPCURL    string `yaml:"rpc_url"` // Polygon RPC; sobreescribible con POLYGON_RPC_URL
}

// StorageConfig controla dónde se persiste el ledger.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Validate comprueba los requisitos para operar en live.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("config: PRIVATE_KEY no definida en el entorno")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("config: la lista de markets está vacía")
	}
	if c.Risk.MinTradeUSD > c.Risk.MaxTradeUSD {
		return fmt.Errorf("config: min_trade_usd %.2f > max_trade_usd %.2f",
			c.Risk.MinTradeUSD, c.Risk.MaxTradeUSD)
	}
	if c.Engine.ProfitThreshold <= 0 {
		return fmt.Errorf("config: profit_threshold debe ser > 0")
	}
	return nil
}

// Cooldown devuelve el silencio por mercado como time.Duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Engine.CooldownSeconds) * time.Second
}

// PollInterval devuelve el intervalo de polling como time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalMillis) * time.Millisecond
}

// AttemptTimeout devuelve la ventana máxima de un attempt.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Engine.AttemptTimeoutSecs) * time.Second
}

// BalanceTTL devuelve el TTL del balance cacheado.
func (c *Config) BalanceTTL() time.Duration {
	return time.Duration(c.Engine.BalanceCacheSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.API.RPCURL = v
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.ProfitThreshold <= 0 {
		cfg.Engine.ProfitThreshold = 0.01
	}
	if cfg.Engine.CapitalFraction <= 0 || cfg.Engine.CapitalFraction > 1 {
		cfg.Engine.CapitalFraction = 0.9
	}
	if cfg.Engine.MinSettleableSize <= 0 {
		cfg.Engine.MinSettleableSize = 5
	}
	if cfg.Engine.CooldownSeconds <= 0 {
		cfg.Engine.CooldownSeconds = 5
	}
	if cfg.Engine.PollIntervalMillis <= 0 {
		cfg.Engine.PollIntervalMillis = 500
	}
	if cfg.Engine.AttemptTimeoutSecs <= 0 {
		cfg.Engine.AttemptTimeoutSecs = 30
	}
	if cfg.Engine.SettleMaxTries <= 0 {
		cfg.Engine.SettleMaxTries = 3
	}
	if cfg.Engine.GasEscalation <= 1 {
		cfg.Engine.GasEscalation = 2.0
	}
	if cfg.Engine.BalanceCacheSeconds <= 0 {
		cfg.Engine.BalanceCacheSeconds = 30
	}

	if cfg.Risk.MinTradeUSD <= 0 {
		cfg.Risk.MinTradeUSD = 10
	}
	if cfg.Risk.MaxTradeUSD <= 0 {
		cfg.Risk.MaxTradeUSD = 100
	}
	if cfg.Risk.MaxExposureUSD <= 0 {
		cfg.Risk.MaxExposureUSD = 500
	}
	if cfg.Risk.MaxDailyLossUSD <= 0 {
		cfg.Risk.MaxDailyLossUSD = 50
	}
	if cfg.Risk.StuckThreshold <= 0 {
		cfg.Risk.StuckThreshold = 3
	}

	if cfg.Fees.GasCostUSD <= 0 {
		cfg.Fees.GasCostUSD = 0.20
	}
	if cfg.Fees.SlippageRate <= 0 {
		cfg.Fees.SlippageRate = 0.001
	}
	if cfg.Fees.SafetyMult < 1 {
		cfg.Fees.SafetyMult = 1.3
	}

	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.WSBase == "" {
		cfg.API.WSBase = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.API.RPCURL == "" {
		cfg.API.RPCURL = "https://polygon-rpc.com"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "fullset.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
