package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "dropproof/development"
	configType   = "yaml"
)

type Gateway struct {
	Provider        string        `mapstructure:"PROVIDER"`
	BaseURL         string        `mapstructure:"BASE_URL"`
	APIKey          string        `mapstructure:"API_KEY"`
	Timeout         time.Duration `mapstructure:"TIMEOUT"`
	SignatureScheme string        `mapstructure:"SIGNATURE_SCHEME"`
	WebhookSecret   string        `mapstructure:"WEBHOOK_SECRET"`
	PublicKeyPEM    string        `mapstructure:"PUBLIC_KEY_PEM"`
}

type Config struct {
	AppEnv       string `mapstructure:"APP_ENV"`
	AppName      string `mapstructure:"APP_NAME"`
	AppVersion   string `mapstructure:"APP_VERSION"`
	AppNamespace string `mapstructure:"APP_NAMESPACE"`
	NodeID       int64  `mapstructure:"NODE_ID"`
	TLS          struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		MetricsPort    uint32 `mapstructure:"METRICS_PORT"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Auth struct {
		JWTSecret string `mapstructure:"JWT_SECRET"`
		Issuer    string `mapstructure:"ISSUER"`
	} `mapstructure:"AUTH"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		Register    bool   `mapstructure:"REGISTER"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Media struct {
		ProbeEnabled   bool          `mapstructure:"PROBE_ENABLED"`
		FFmpegPath     string        `mapstructure:"FFMPEG_PATH"`
		FFprobePath    string        `mapstructure:"FFPROBE_PATH"`
		ThumbnailWidth int           `mapstructure:"THUMBNAIL_WIDTH"`
		MaxBytes       int64         `mapstructure:"MAX_BYTES"`
		UploadTTL      time.Duration `mapstructure:"UPLOAD_TTL"`
	} `mapstructure:"MEDIA"`
	Geo struct {
		CacheTTL time.Duration `mapstructure:"CACHE_TTL"`
	} `mapstructure:"GEO"`
	Scoring struct {
		ApproveThreshold     float64       `mapstructure:"APPROVE_THRESHOLD"`
		RejectThreshold      float64       `mapstructure:"REJECT_THRESHOLD"`
		WeightGeo            float64       `mapstructure:"WEIGHT_GEO"`
		WeightTime           float64       `mapstructure:"WEIGHT_TIME"`
		WeightDuration       float64       `mapstructure:"WEIGHT_DURATION"`
		WeightRepetition     float64       `mapstructure:"WEIGHT_REPETITION"`
		SmallOverrunMeters   float64       `mapstructure:"SMALL_OVERRUN_METERS"`
		MediumOverrunMeters  float64       `mapstructure:"MEDIUM_OVERRUN_METERS"`
		CutoffMeters         float64       `mapstructure:"CUTOFF_METERS"`
		MinDurationSeconds   float64       `mapstructure:"MIN_DURATION_SECONDS"`
		OptimalMinSeconds    float64       `mapstructure:"OPTIMAL_MIN_SECONDS"`
		OptimalMaxSeconds    float64       `mapstructure:"OPTIMAL_MAX_SECONDS"`
		DeviceWindow         time.Duration `mapstructure:"DEVICE_WINDOW"`
		DailyCap             int64         `mapstructure:"DAILY_CAP"`
		PointsPerSubmission  int64         `mapstructure:"POINTS_PER_SUBMISSION"`
		AutoVerifyFeatureKey string        `mapstructure:"AUTO_VERIFY_FEATURE_KEY"`
	} `mapstructure:"SCORING"`
	Cashout struct {
		ConversionRate   string            `mapstructure:"CONVERSION_RATE"`
		Currency         string            `mapstructure:"CURRENCY"`
		MinPoints        int64             `mapstructure:"MIN_POINTS"`
		GatewayTimeout   time.Duration     `mapstructure:"GATEWAY_TIMEOUT"`
		DestinationRules map[string]string `mapstructure:"DESTINATION_RULES"`
	} `mapstructure:"CASHOUT"`
	Gateways map[string]Gateway `mapstructure:"GATEWAYS"`
	Webhook  struct {
		SignatureHeader string `mapstructure:"SIGNATURE_HEADER"`
	} `mapstructure:"WEBHOOK"`
	Bootstrap struct {
		DropPointsFile string `mapstructure:"DROP_POINTS_FILE"`
	} `mapstructure:"BOOTSTRAP"`
	Reconciliation struct {
		Interval   time.Duration `mapstructure:"INTERVAL"`
		StaleAfter time.Duration `mapstructure:"STALE_AFTER"`
		PoolSize   int           `mapstructure:"POOL_SIZE"`
		BatchSize  int           `mapstructure:"BATCH_SIZE"`
	} `mapstructure:"RECONCILIATION"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "dropproof")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("AUTH.ISSUER", "dropproof")
	v.SetDefault("ACCESS_CONTROL.MODEL", "rbac_model.conf")
	v.SetDefault("ACCESS_CONTROL.POLICY", "rbac_policy.csv")
	v.SetDefault("MINIO.BUCKET_NAME", "dropproof")

	v.SetDefault("MEDIA.PROBE_ENABLED", false)
	v.SetDefault("MEDIA.FFMPEG_PATH", "ffmpeg")
	v.SetDefault("MEDIA.FFPROBE_PATH", "ffprobe")
	v.SetDefault("MEDIA.THUMBNAIL_WIDTH", 320)
	v.SetDefault("MEDIA.MAX_BYTES", 200<<20)
	v.SetDefault("MEDIA.UPLOAD_TTL", 15*time.Minute)
	v.SetDefault("GEO.CACHE_TTL", time.Minute)

	v.SetDefault("SCORING.APPROVE_THRESHOLD", 0.8)
	v.SetDefault("SCORING.REJECT_THRESHOLD", 0.45)
	v.SetDefault("SCORING.WEIGHT_GEO", 1.0)
	v.SetDefault("SCORING.WEIGHT_TIME", 1.0)
	v.SetDefault("SCORING.WEIGHT_DURATION", 1.0)
	v.SetDefault("SCORING.WEIGHT_REPETITION", 1.0)
	v.SetDefault("SCORING.SMALL_OVERRUN_METERS", 50.0)
	v.SetDefault("SCORING.MEDIUM_OVERRUN_METERS", 200.0)
	v.SetDefault("SCORING.CUTOFF_METERS", 1000.0)
	v.SetDefault("SCORING.MIN_DURATION_SECONDS", 5.0)
	v.SetDefault("SCORING.OPTIMAL_MIN_SECONDS", 10.0)
	v.SetDefault("SCORING.OPTIMAL_MAX_SECONDS", 120.0)
	v.SetDefault("SCORING.DEVICE_WINDOW", 5*time.Minute)
	v.SetDefault("SCORING.DAILY_CAP", 10)
	v.SetDefault("SCORING.POINTS_PER_SUBMISSION", 100)
	v.SetDefault("SCORING.AUTO_VERIFY_FEATURE_KEY", "auto_verify_enabled")

	v.SetDefault("CASHOUT.CONVERSION_RATE", "0.01")
	v.SetDefault("CASHOUT.CURRENCY", "INR")
	v.SetDefault("CASHOUT.MIN_POINTS", 500)
	v.SetDefault("CASHOUT.GATEWAY_TIMEOUT", 15*time.Second)

	v.SetDefault("WEBHOOK.SIGNATURE_HEADER", "X-Signature")
	v.SetDefault("RECONCILIATION.INTERVAL", 5*time.Minute)
	v.SetDefault("RECONCILIATION.STALE_AFTER", 15*time.Minute)
	v.SetDefault("RECONCILIATION.POOL_SIZE", 8)
	v.SetDefault("RECONCILIATION.BATCH_SIZE", 100)
}

// Load reads config.yaml (optional) plus environment overrides into a Config.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(config)
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	configHolder.Store(cfg)
	return cfg
}

// Current returns the most recently loaded config, including remote refreshes.
func Current() *Config {
	if cfg, ok := configHolder.Load().(*Config); ok {
		return cfg
	}
	return nil
}

func applySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	if v := get("postgres_user"); v != "" {
		cfg.Database.User = v
	}
	if v := get("postgres_password"); v != "" {
		cfg.Database.Password = v
	}
	if v := get("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := get("jwt_secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := get("flagsmith_api_key"); v != "" {
		cfg.Flagsmith.ApiKey = v
	}
	if v := get("minio_secret_key"); v != "" {
		cfg.Minio.SecretKey = v
	}

	// webhook secrets are stored per gateway as "<method>_webhook_secret"
	for name, gw := range cfg.Gateways {
		if v := get(name + "_webhook_secret"); v != "" {
			gw.WebhookSecret = v
		}
		if v := get(name + "_api_key"); v != "" {
			gw.APIKey = v
		}
		cfg.Gateways[name] = gw
	}

	zap.L().Info("Success Get Secret")
	return nil
}

func LoadRemote(p Params) *Config {
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	setDefaults(config)
	config.SetConfigType(configType)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		zap.L().Error("failed to add remote config provider", zap.Error(err))
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		zap.L().Error("failed to read remote config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := applySecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var next Config
			if err := config.Unmarshal(&next); err != nil {
				zap.L().Error("unable to decode remote config", zap.Error(err))
				continue
			}
			// secrets never come from the remote provider
			next.Database.User, next.Database.Password = cfg.Database.User, cfg.Database.Password
			next.Redis.Password = cfg.Redis.Password
			next.Auth.JWTSecret = cfg.Auth.JWTSecret
			next.Gateways = cfg.Gateways
			configHolder.Store(&next)
		}
	}()

	return &cfg
}
