package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/meter-dispatch/internal/config"
	"github.com/taoyao-code/meter-dispatch/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: $DISPATCH_CONFIG or configs/example.yaml)")
	flag.Parse()

	// 1) 本地开发读取 .env，容器内直接使用环境变量
	for _, p := range []string{".env", "../.env"} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err == nil {
				fmt.Printf("loaded environment from %s\n", p)
				break
			}
		}
	}

	// 2) 加载并校验配置；缺少凭据时拒绝启动
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	// 3) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 4) 启动
	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Error("meter dispatch exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
