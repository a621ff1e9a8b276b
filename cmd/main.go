package main

import (
	"flag"
	"log"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/db"
	"github.com/amosehiguese/soltrader/core/events"
	"github.com/amosehiguese/soltrader/core/executor"
	"github.com/amosehiguese/soltrader/core/pricer"
	"github.com/amosehiguese/soltrader/core/redis"
	"github.com/amosehiguese/soltrader/core/rpcpool"
	"github.com/amosehiguese/soltrader/core/store"
	"github.com/amosehiguese/soltrader/core/sweeper"
	"github.com/amosehiguese/soltrader/core/trader"
	"github.com/amosehiguese/soltrader/core/wallet"
	"github.com/amosehiguese/soltrader/core/web"
	"github.com/amosehiguese/soltrader/core/web/handler"
	"github.com/amosehiguese/soltrader/utils/logger"
)

func main() {
	configPath := flag.String("config_path", "./", "config file")
	logicLogFile := flag.String("logic_log_file", "./log/soltrader.log", "logic log file")
	flag.Parse()

	//init logic logger
	logger.Init(*logicLogFile)

	//set log level
	logger.SetLogLevel("debug")

	err := config.LoadConf(*configPath)
	if err != nil {
		log.Fatal("load config failed:", err)
	}

	if err := redis.InitRedis(); err != nil {
		log.Fatal("init redis failed:", err)
	}

	st := store.New(db.GetDB())

	pool := rpcpool.New(config.GetRPCConfig())
	pool.Start()

	wallets, err := wallet.NewManager(pool, st, config.GetWalletConfig(), config.GetRPCConfig())
	if err != nil {
		log.Fatal("init wallet manager failed:", err)
	}
	wallets.Start()

	sink := events.NewSink()

	sweep := sweeper.New(wallets, st, sink, config.GetSweepConfig())
	sweep.Run()

	prices := pricer.New(config.GetPricerConfig())
	exec := executor.New(pool, config.GetExecutorConfig())

	orch := trader.New(st, wallets, exec, prices, sink, config.GetTradingConfig())

	// blocks until SIGINT/SIGTERM and drains in-flight requests
	web.Run(handler.NewAPI(orch, pool))

	// finish in-flight iterations and sweeps before the RPC pool goes away
	orch.Shutdown()
	sweep.Stop()
	wallets.Stop()
	pool.Stop()
	sink.Close()
}
