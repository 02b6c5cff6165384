package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"okx-signal-trader/pkg/types"
)

// Load 加载配置
func Load() (*types.Config, error) {
	// .env 中的密钥先进入环境变量，再由viper读取
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("加载.env失败: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// 设置默认值
	setDefaults(v)

	// 读取环境变量，如 EXCHANGE_API_KEY 覆盖 exchange.api_key
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 优先尝试读取本地配置文件
	v.SetConfigName("config.local")
	if err := v.ReadInConfig(); err != nil {
		// 如果本地配置文件不存在，尝试读取默认配置文件
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFoundError viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFoundError) {
				return nil, err
			}
		}
	}

	return decode(v)
}

// LoadFile 从指定文件加载配置
func LoadFile(path string) (*types.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*types.Config, error) {
	var config types.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 校验启动必需的配置，失败返回 ErrConfig
func Validate(cfg *types.Config) error {
	tc := cfg.Trading

	if tc.Instrument == "" {
		return fmt.Errorf("%w: trading.instrument 不能为空", types.ErrConfig)
	}
	if tc.InstType != types.InstTypeSpot && tc.InstType != types.InstTypeSwap {
		return fmt.Errorf("%w: 不支持的 trading.inst_type %q", types.ErrConfig, tc.InstType)
	}
	if tc.EntryThreshold <= 0 {
		return fmt.Errorf("%w: trading.entry_threshold 必须大于0", types.ErrConfig)
	}
	if tc.PollIntervalSeconds <= 0 {
		return fmt.Errorf("%w: trading.poll_interval_seconds 必须大于0", types.ErrConfig)
	}
	if len(tc.Timeframes) == 0 {
		return fmt.Errorf("%w: trading.timeframes 不能为空", types.ErrConfig)
	}

	known := make(map[string]bool, len(tc.Timeframes))
	for _, tf := range tc.Timeframes {
		known[tf] = true
	}
	if !known[tc.EntryTimeframe] {
		return fmt.Errorf("%w: entry_timeframe %q 不在 timeframes 中", types.ErrConfig, tc.EntryTimeframe)
	}
	if len(tc.RiskTimeframes) != 2 {
		return fmt.Errorf("%w: risk_timeframes 需要两个周期", types.ErrConfig)
	}
	for _, tf := range tc.RiskTimeframes {
		if !known[tf] {
			return fmt.Errorf("%w: risk_timeframe %q 不在 timeframes 中", types.ErrConfig, tf)
		}
	}

	switch tc.RiskMode {
	case types.RiskModeATRBand:
	case types.RiskModeFixedPercent:
		if tc.StopLossPercent <= 0 || tc.TakeProfitPercent <= 0 {
			return fmt.Errorf("%w: FIXED_PERCENT 模式需要正的止损/止盈百分比", types.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: 不支持的 risk_mode %q", types.ErrConfig, tc.RiskMode)
	}

	if tc.RiskFraction <= 0 || tc.RiskFraction > 1 {
		return fmt.Errorf("%w: trading.risk_fraction 需在(0,1]之间", types.ErrConfig)
	}
	if tc.Leverage < 1 {
		return fmt.Errorf("%w: trading.leverage 至少为1", types.ErrConfig)
	}

	switch cfg.Exchange.Mode {
	case types.ExchangeModePaper:
	case types.ExchangeModeLive:
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" || cfg.Exchange.Passphrase == "" {
			return fmt.Errorf("%w: live 模式缺少API密钥", types.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: 不支持的 exchange.mode %q", types.ErrConfig, cfg.Exchange.Mode)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "logs")
	v.SetDefault("log.max_size", 200)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("dingtalk.webhook_url", "")
	v.SetDefault("dingtalk.secret", "")
	v.SetDefault("pushplus.user_token", "")
	v.SetDefault("pushplus.to", "")
	v.SetDefault("network.proxy", "")
	v.SetDefault("network.timeout", 30*time.Second)

	v.SetDefault("exchange.mode", types.ExchangeModePaper)
	v.SetDefault("exchange.rest_endpoint", "https://www.okx.com")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.secret_key", "")
	v.SetDefault("exchange.passphrase", "")
	v.SetDefault("exchange.simulated", true)
	v.SetDefault("exchange.paper_balance", 1000.0)

	v.SetDefault("trading.instrument", "BTC-USDT")
	v.SetDefault("trading.inst_type", types.InstTypeSpot)
	v.SetDefault("trading.quote_asset", "USDT")
	v.SetDefault("trading.timeframes", []string{"1m", "5m", "15m", "30m", "1h"})
	v.SetDefault("trading.entry_timeframe", "1m")
	v.SetDefault("trading.risk_timeframes", []string{"30m", "1h"})
	v.SetDefault("trading.candle_limit", 300)
	v.SetDefault("trading.entry_threshold", 60.0)
	v.SetDefault("trading.leverage", 1)
	v.SetDefault("trading.poll_interval_seconds", 60)
	v.SetDefault("trading.risk_mode", types.RiskModeATRBand)
	v.SetDefault("trading.stop_loss_percent", 2.0)
	v.SetDefault("trading.take_profit_percent", 2.0)
	v.SetDefault("trading.min_notional_floor", 10.0)
	v.SetDefault("trading.risk_fraction", 1.0)
	v.SetDefault("trading.exit_on_opposite", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.report_interval", 15*time.Minute)

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.okx_endpoint", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("websocket.reconnect_interval", 5*time.Second)
	v.SetDefault("websocket.ping_interval", 20*time.Second)
	v.SetDefault("websocket.max_reconnect_attempts", 10)

	v.SetDefault("database.mysql.host", "")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.max_idle_conns", 5)
	v.SetDefault("database.mysql.max_open_conns", 10)
}
