package params

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Market is the initial market configuration, used only when the store is empty
type Market struct {
	Admin           common.Address `env:"ADMIN_ADDRESS" envDefault:"0x0000000000000000000000000000000000000001"`
	Address         common.Address `env:"MARKET_ADDRESS" envDefault:"0x00000000000000000000000000000000000e5c40"`
	FeeTo           common.Address `env:"FEE_TO" envDefault:"0x0000000000000000000000000000000000000001"`
	ProtocolFeeBPS  uint64         `env:"PROTOCOL_FEE_BPS" envDefault:"20"`
	MakerFeeBPS     uint64         `env:"MAKER_FEE_BPS" envDefault:"0"`
	MatchingEnabled bool           `env:"MATCHING_ENABLED" envDefault:"true"`
	BuyEnabled      bool           `env:"BUY_ENABLED" envDefault:"true"`
	MaxFills        int            `env:"MAX_FILLS_PER_CALL" envDefault:"256"`
	ChainID         int64          `env:"CHAIN_ID" envDefault:"1337"`
}

type Node struct {
	DBPath      string   `env:"DB_PATH" envDefault:"data/market"`
	APIAddr     string   `env:"API_ADDR" envDefault:":8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001"`
	LogFile     string   `env:"LOG_FILE" envDefault:"data/node.log"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	// BlockInterval paces how often the mempool is drained into the engine.
	//   - Devnet:  200ms
	//   - Load tests: 50ms or lower
	BlockInterval time.Duration `env:"BLOCK_INTERVAL" envDefault:"200ms"`
	MempoolLimit  int           `env:"MEMPOOL_LIMIT" envDefault:"100000"`
	// FaucetEnabled exposes POST /deposit, which credits balances without a bridge
	FaucetEnabled bool `env:"FAUCET_ENABLED" envDefault:"false"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"hyperbook.events"`
}

// TxGen drives the devnet load generator; it funds its own traders
type TxGen struct {
	Enabled bool           `env:"ENABLE_TXGEN" envDefault:"false"`
	Mode    string         `env:"TXGEN_MODE" envDefault:"default"` // default|high|burst
	Base    common.Address `env:"TXGEN_BASE" envDefault:"0x000000000000000000000000000000000000aaaa"`
	Quote   common.Address `env:"TXGEN_QUOTE" envDefault:"0x000000000000000000000000000000000000bbbb"`
}

type Config struct {
	Market Market
	Node   Node
	Kafka  Kafka
	TxGen  TxGen
}

// Enabled reports whether events should be published
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// LoadFromEnv loads configuration from a .env file (if it exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(common.Address{}): parseAddress,
		},
	}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Market.ProtocolFeeBPS+cfg.Market.MakerFeeBPS > 10_000 {
		return Config{}, fmt.Errorf("fees exceed 100%%: protocol=%d maker=%d", cfg.Market.ProtocolFeeBPS, cfg.Market.MakerFeeBPS)
	}
	return cfg, nil
}

func parseAddress(v string) (interface{}, error) {
	if !common.IsHexAddress(v) {
		return nil, fmt.Errorf("invalid address %q", v)
	}
	return common.HexToAddress(v), nil
}
