package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
)

// Config - корневая структура конфигурации приложения
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DB holds everything the storage engine needs. It is fixed at construction.
type DB struct {
	Memtable     MemtableConfig     `yaml:"memtable"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Compaction   CompactionConfig   `yaml:"compaction"`
	Transactions TransactionsConfig `yaml:"transactions"`
}

const (
	DurabilityStrong = "strong" // fsync before acknowledging
	DurabilityWeak   = "weak"   // flush to the OS only
)

type MemtableConfig struct {
	MaxSizeBytes      int    `yaml:"max_size_bytes"`
	MaxInactive       int    `yaml:"max_inactive"`
	FlushChanBuffSize int    `yaml:"flush_chan_buff_size"`
	Durability        string `yaml:"durability"`
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path"`
	Levels      int               `yaml:"levels"`
	SSTable     SSTableConfig     `yaml:"sstable"`
	Cache       CacheConfig       `yaml:"cache"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
}

type SSTableConfig struct {
	BlockSizeBytes  int    `yaml:"block_size_bytes"`
	TargetSizeBytes int    `yaml:"target_size_bytes"`
	Compression     string `yaml:"compression"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate"`
}

const (
	StrategySimpleLeveled = "simple_leveled"
	StrategySizeTiered    = "size_tiered"
)

type CompactionConfig struct {
	Strategy           string                      `yaml:"strategy"`
	Frequency          time.Duration               `yaml:"frequency"`
	RetryBackoff       time.Duration               `yaml:"retry_backoff"`
	MaxRetryBackoff    time.Duration               `yaml:"max_retry_backoff"`
	StallAfterFailures int                         `yaml:"stall_after_failures"`
	SimpleLeveled      SimpleLeveledCompactionConf `yaml:"simple_leveled"`
	SizeTiered         SizeTieredCompactionConf    `yaml:"size_tiered"`
}

type SimpleLeveledCompactionConf struct {
	Level0FileNumTrigger int `yaml:"level0_file_num_trigger"`
	SizeRatioPercent     int `yaml:"size_ratio_percent"`
	MaxLevels            int `yaml:"max_levels"`
}

type SizeTieredCompactionConf struct {
	LevelFileNumTrigger         int `yaml:"level_file_num_trigger"`
	MaxSizeAmplificationPercent int `yaml:"max_size_amplification_percent"`
	MinLevelsTrigger            int `yaml:"min_levels_trigger"`
}

const (
	IsolationSnapshot      = "snapshot"
	IsolationReadCommitted = "read_committed"
)

type TransactionsConfig struct {
	Isolation        string `yaml:"isolation"`
	ReservationBatch uint64 `yaml:"reservation_batch"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DefaultDB(),
	}
}

// DefaultDB mirrors the engine defaults: 1MB memtables, 4KB blocks, 64 levels.
func DefaultDB() DB {
	return DB{
		Memtable: MemtableConfig{
			MaxSizeBytes:      1 << 20,
			MaxInactive:       8,
			FlushChanBuffSize: 8,
			Durability:        DurabilityStrong,
		},
		Persistence: PersistenceConfig{
			RootPath: "./data",
			Levels:   64,
			SSTable: SSTableConfig{
				BlockSizeBytes:  4096,
				TargetSizeBytes: 256 << 20,
				Compression:     "snappy",
			},
			Cache: CacheConfig{
				Capacity: 1024,
			},
			BloomFilter: BloomFilterConfig{
				FPRate: 0.01,
			},
		},
		Compaction: CompactionConfig{
			Strategy:           StrategySimpleLeveled,
			Frequency:          100 * time.Millisecond,
			RetryBackoff:       100 * time.Millisecond,
			MaxRetryBackoff:    10 * time.Second,
			StallAfterFailures: 5,
			SimpleLeveled: SimpleLeveledCompactionConf{
				Level0FileNumTrigger: 4,
				SizeRatioPercent:     200,
				MaxLevels:            6,
			},
			SizeTiered: SizeTieredCompactionConf{
				LevelFileNumTrigger:         4,
				MaxSizeAmplificationPercent: 200,
				MinLevelsTrigger:            3,
			},
		},
		Transactions: TransactionsConfig{
			Isolation:        IsolationSnapshot,
			ReservationBatch: 1024,
		},
	}
}

// Load reads a YAML config from path. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return invalid("logger.level %q", c.Logger.Level)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("http-server.port %d", c.Server.Port)
	}
	return c.DB.Validate()
}

func (db DB) Validate() error {
	m := db.Memtable
	if m.MaxSizeBytes < 1 {
		return invalid("memtable.max_size_bytes %d", m.MaxSizeBytes)
	}
	if m.MaxInactive < 1 {
		return invalid("memtable.max_inactive %d", m.MaxInactive)
	}
	if m.Durability != DurabilityStrong && m.Durability != DurabilityWeak {
		return invalid("memtable.durability %q", m.Durability)
	}

	p := db.Persistence
	if p.RootPath == "" {
		return invalid("persistence.path is empty")
	}
	if p.Levels < 2 {
		return invalid("persistence.levels %d", p.Levels)
	}
	if p.SSTable.BlockSizeBytes < 64 || p.SSTable.TargetSizeBytes < p.SSTable.BlockSizeBytes {
		return invalid("persistence.sstable sizes block=%d target=%d",
			p.SSTable.BlockSizeBytes, p.SSTable.TargetSizeBytes)
	}
	if p.Cache.Capacity < 1 {
		return invalid("persistence.cache.capacity %d", p.Cache.Capacity)
	}
	if p.BloomFilter.FPRate <= 0 || p.BloomFilter.FPRate >= 1 {
		return invalid("persistence.bloom_filter.fp_rate %v", p.BloomFilter.FPRate)
	}

	c := db.Compaction
	if c.Strategy != StrategySimpleLeveled && c.Strategy != StrategySizeTiered {
		return invalid("compaction.strategy %q", c.Strategy)
	}
	if c.Frequency <= 0 || c.RetryBackoff <= 0 || c.MaxRetryBackoff < c.RetryBackoff {
		return invalid("compaction timings")
	}
	if c.SimpleLeveled.MaxLevels < 2 || c.SimpleLeveled.MaxLevels > p.Levels {
		return invalid("compaction.simple_leveled.max_levels %d", c.SimpleLeveled.MaxLevels)
	}
	if c.SimpleLeveled.Level0FileNumTrigger < 1 || c.SizeTiered.LevelFileNumTrigger < 2 {
		return invalid("compaction file triggers")
	}

	t := db.Transactions
	if t.Isolation != IsolationSnapshot && t.Isolation != IsolationReadCommitted {
		return invalid("transactions.isolation %q", t.Isolation)
	}
	if t.ReservationBatch < 1 {
		return invalid("transactions.reservation_batch %d", t.ReservationBatch)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf("invalid config: "+format, args...), dberrors.ErrInvalidArgument)
}
