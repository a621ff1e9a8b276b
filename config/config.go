package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/amosehiguese/soltrader/utils/logger"
)

// one database one instance
type PostgresqlConfig struct {
	Host       string
	Port       int64
	Account    string
	Password   string
	DBName     string
	SchemaName string
}

type RedisConfig struct {
	Host         string `mapstructure:"Host"`
	DB           int64  `mapstructure:"DB"`
	Password     string `mapstructure:"Password"`
	MinIdleConns int64  `mapstructure:"MinIdleConns"`
}

type KafkaConfig struct {
	Host       string
	EventTopic string
	Protocol   string
	Username   string
	Password   string
	CAPath     string
}

type RPCEndpointConfig struct {
	URL    string
	Weight int64
}

type RPCConfig struct {
	Endpoints          []RPCEndpointConfig
	FailureThreshold   int64
	MaxSubsPerEndpoint int64
	HealthCheckSec     int64
	ProbeTimeoutSec    int64
	RequestTimeoutSec  int64
}

type WalletConfig struct {
	EncryptionSecret string
	EncryptionSalt   string
	FeeReserve       uint64
	SettleDelaySec   int64
	PollIntervalSec  int64
}

type TierConfig struct {
	Name          string
	MinFundingSOL float64
	MaxFundingSOL float64
	BuyMinPct     float64
	BuyMaxPct     float64
	SellMinPct    float64
	SellMaxPct    float64
	MinTradeUSD   float64
	MaxTradeUSD   float64
	MaxTrades     int64
}

type TradingConfig struct {
	BaseBuyProbability     float64
	MinBuyProbability      float64
	MaxBuyProbability      float64
	StreakLimit            int64
	TradeIntervalMinSec    int64
	TradeIntervalMaxSec    int64
	PausePollSec           int64
	SettleDelaySec         int64
	MaxConsecutiveFailures int64
	MinTradeUSD            float64
	FeeBuffer              uint64
	RentBuffer             uint64
	MaxSlippageBps         int64
	RevenueSharePct        float64
	RevenueAddress         string
	Tiers                  []TierConfig
}

type SweepConfig struct {
	MaxAttempts     int64
	RetryDelaysSec  []int64
	DustLamports    uint64
	GracePeriodSec  int64
	ScanIntervalSec int64
	WalletDelaySec  int64
	SettleDelaySec  int64
}

type PricerConfig struct {
	Host            string
	DefaultPriceUSD float64
	CacheTTLSec     int64
	TimeoutSec      int64
}

type ExecutorConfig struct {
	Host            string
	BaseSlippageBps int64
	TimeoutSec      int64
}

type WebConfig struct {
	Listen       string
	VisitLogFile string
}

// struct decode must has tag
type Config struct {
	PostgresqlConfig PostgresqlConfig `mapstructure:"PostgresqlConfig"`
	RedisConf        RedisConfig      `mapstructure:"RedisConfig"`
	KafkaConf        KafkaConfig      `mapstructure:"KafkaConfig"`
	RPCConf          RPCConfig        `mapstructure:"RPCConfig"`
	WalletConf       WalletConfig     `mapstructure:"WalletConfig"`
	TradingConf      TradingConfig    `mapstructure:"TradingConfig"`
	SweepConf        SweepConfig      `mapstructure:"SweepConfig"`
	PricerConf       PricerConfig     `mapstructure:"PricerConfig"`
	ExecutorConf     ExecutorConfig   `mapstructure:"ExecutorConfig"`
	WebConf          WebConfig        `mapstructure:"WebConfig"`
}

var (
	configMutex = sync.RWMutex{}
	config      Config

	configViper     *viper.Viper
	configFlyChange []chan bool
)

func RegistConfChange(c chan bool) {
	configFlyChange = append(configFlyChange, c)
}

func notifyConfChange() {
	for i := 0; i < len(configFlyChange); i++ {
		configFlyChange[i] <- true
	}
}

func watchConfig(c *viper.Viper) error {
	c.WatchConfig()
	cfn := func(e fsnotify.Event) {
		logger.Logrus.WithFields(logrus.Fields{"change": e.String()}).Info("config change and reload it")
		reloadConfig(c)
		notifyConfChange()
	}

	c.OnConfigChange(cfn)
	return nil
}

func LoadConf(configFilePath string) error {
	config = Config{}
	configMutex.Lock()
	defer configMutex.Unlock()

	configViper = viper.New()
	configViper.SetConfigName("config")
	configViper.AddConfigPath(configFilePath) //endwith "/"
	configViper.SetConfigType("yaml")

	if err := configViper.ReadInConfig(); err != nil {
		return err
	}
	if err := configViper.Unmarshal(&config); err != nil {
		return err
	}

	// the wallet secret must never reach the log file
	logger.Logrus.WithFields(logrus.Fields{"Endpoints": len(config.RPCConf.Endpoints), "Tiers": len(config.TradingConf.Tiers)}).Info("Load config success")

	if err := watchConfig(configViper); err != nil {
		return err
	}
	return nil
}

func reloadConfig(c *viper.Viper) {
	configMutex.Lock()
	defer configMutex.Unlock()

	if err := c.ReadInConfig(); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err.Error()}).Error("config ReLoad failed")
	}

	if err := configViper.Unmarshal(&config); err != nil {
		logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err.Error()}).Error("unmarshal config failed")
	}

	logger.Logrus.Info("Config ReLoad Success")
}

func GetPostgresqlConfig() PostgresqlConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.PostgresqlConfig
}

func GetRedisConfig() RedisConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.RedisConf
}

func GetKafkaConfig() KafkaConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.KafkaConf
}

func GetRPCConfig() RPCConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.RPCConf
}

func GetWalletConfig() WalletConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.WalletConf
}

func GetTradingConfig() TradingConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.TradingConf
}

func GetSweepConfig() SweepConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.SweepConf
}

func GetPricerConfig() PricerConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.PricerConf
}

func GetExecutorConfig() ExecutorConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.ExecutorConf
}

func GetWebConfig() WebConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return config.WebConf
}
