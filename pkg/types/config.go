package types

import "time"

// Config 主配置结构
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DingTalk  DingTalkConfig  `mapstructure:"dingtalk"`
	PushPlus  PushPlusConfig  `mapstructure:"pushplus"`
	Network   NetworkConfig   `mapstructure:"network"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // 日志级别
	FilePath   string `mapstructure:"file_path"`   // 日志输出目录
	MaxSize    int    `mapstructure:"max_size"`    // 日志文件大小 单位：MB，超限后会自动切割
	MaxAge     int    `mapstructure:"max_age"`     // 日志文件存放时间 单位：天
	MaxBackups int    `mapstructure:"max_backups"` // 日志文件备份数量
	Compress   bool   `mapstructure:"compress"`    // 日志文件压缩
}

// RedisConfig Redis配置
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DingTalkConfig 钉钉配置
type DingTalkConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Secret     string `mapstructure:"secret"`
}

// PushPlusConfig PushPlus配置
type PushPlusConfig struct {
	UserToken string `mapstructure:"user_token"`
	To        string `mapstructure:"to"` // 好友令牌，多人用逗号分隔
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	Proxy   string        `mapstructure:"proxy"`   // HTTP代理地址，如 http://127.0.0.1:7890
	Timeout time.Duration `mapstructure:"timeout"` // 网络超时时间
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	Mode         string  `mapstructure:"mode"` // live 或 paper
	RESTEndpoint string  `mapstructure:"rest_endpoint"`
	APIKey       string  `mapstructure:"api_key"`
	SecretKey    string  `mapstructure:"secret_key"`
	Passphrase   string  `mapstructure:"passphrase"`
	Simulated    bool    `mapstructure:"simulated"`     // OKX模拟盘（x-simulated-trading）
	PaperBalance float64 `mapstructure:"paper_balance"` // paper模式的初始可用余额
}

// 交易所运行模式
const (
	ExchangeModeLive  = "live"
	ExchangeModePaper = "paper"
)

// TradingConfig 决策引擎配置
type TradingConfig struct {
	Instrument          string   `mapstructure:"instrument"`            // 如 BTC-USDT 或 BTC-USDT-SWAP
	InstType            string   `mapstructure:"inst_type"`             // SPOT 或 SWAP
	QuoteAsset          string   `mapstructure:"quote_asset"`           // 保证金/计价币种
	Timeframes          []string `mapstructure:"timeframes"`            // 参与打分的K线周期
	EntryTimeframe      string   `mapstructure:"entry_timeframe"`       // 取入场价格的周期
	RiskTimeframes      []string `mapstructure:"risk_timeframes"`       // 计算止损止盈的两个参考周期
	CandleLimit         int      `mapstructure:"candle_limit"`          // 每个周期拉取的K线数量
	EntryThreshold      float64  `mapstructure:"entry_threshold"`       // 开仓阈值
	Leverage            int      `mapstructure:"leverage"`              // 杠杆倍数，仅SWAP
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"` // 轮询周期
	RiskMode            string   `mapstructure:"risk_mode"`             // ATR_BAND 或 FIXED_PERCENT
	StopLossPercent     float64  `mapstructure:"stop_loss_percent"`     // FIXED_PERCENT模式止损百分比
	TakeProfitPercent   float64  `mapstructure:"take_profit_percent"`   // FIXED_PERCENT模式止盈百分比
	MinNotionalFloor    float64  `mapstructure:"min_notional_floor"`    // 最低可用余额
	RiskFraction        float64  `mapstructure:"risk_fraction"`         // 每次开仓使用的余额比例
	ExitOnOpposite      bool     `mapstructure:"exit_on_opposite"`      // 反向信号平仓
}

// PollInterval 轮询周期
func (tc TradingConfig) PollInterval() time.Duration {
	return time.Duration(tc.PollIntervalSeconds) * time.Second
}

// 止损止盈计算模式
const (
	RiskModeATRBand      = "ATR_BAND"
	RiskModeFixedPercent = "FIXED_PERCENT"
)

// 合约类型
const (
	InstTypeSpot = "SPOT"
	InstTypeSwap = "SWAP"
)

// MonitorConfig 性能监控配置
type MonitorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
}

// MySQLConfig MySQL配置
type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// WebSocketConfig 公共行情WebSocket配置，用于实时价格触发止损止盈
type WebSocketConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	OKXEndpoint          string        `mapstructure:"okx_endpoint"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}
