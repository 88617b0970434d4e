// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/bds3/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Null      bool  `toml:"null" env:"BDS3_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge to read or write. For benchmarking the device surface."`
	Size      int64 `toml:"size" env:"BDS3_SIZE" env-default:"8" env-description:"Device size in GB."`
	BlockSize int   `toml:"block_size" env:"BDS3_BLOCKSIZE" env-default:"4096" env-description:"Block size in bytes. Power of two."`
	ReadOnly  bool  `toml:"read_only" env:"BDS3_READONLY" env-default:"false" env-description:"Reject all writes without contacting the backend."`

	S3 struct {
		Bucket            string `toml:"bucket" env:"BDS3_S3_BUCKET" env-description:"S3 Bucket name." env-default:"bds3"`
		Prefix            string `toml:"prefix" env:"BDS3_S3_PREFIX" env-description:"Key prefix for all objects of this store." env-default:""`
		Remote            string `toml:"remote" env:"BDS3_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region            string `toml:"region" env:"BDS3_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey         string `toml:"access_key" env:"BDS3_S3_ACCESSKEY" env-description:"S3 Access Key. Empty to use the default credential chain including IAM roles." env-default:""`
		SecretKey         string `toml:"secret_key" env:"BDS3_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
		SessionToken      string `toml:"session_token" env:"BDS3_S3_SESSIONTOKEN" env-description:"S3 Session Token for temporary credentials." env-default:""`
		TimeoutMs         int    `toml:"timeout" env:"BDS3_S3_TIMEOUT" env-description:"Timeout of a single http request. In ms." env-default:"30000"`
		InitialRetryPause int    `toml:"initial_retry_pause" env:"BDS3_S3_INITPAUSE" env-description:"Initial pause before a transient failure is retried. In ms." env-default:"200"`
		MaxRetryPause     int    `toml:"max_retry_pause" env:"BDS3_S3_MAXPAUSE" env-description:"Total backoff budget for one operation. In ms." env-default:"30000"`
	} `toml:"s3"`

	Cache struct {
		Size             int  `toml:"size" env:"BDS3_CACHE_SIZE" env-description:"Number of cached blocks. Zero disables the block cache." env-default:"1024"`
		Threads          int  `toml:"threads" env:"BDS3_CACHE_THREADS" env-description:"Number of write-back worker threads." env-default:"16"`
		WriteDelayMs     int  `toml:"write_delay" env:"BDS3_CACHE_WRITEDELAY" env-description:"Minimum dirty age before write-back, for coalescing. In ms." env-default:"250"`
		MaxDirty         int  `toml:"max_dirty" env:"BDS3_CACHE_MAXDIRTY" env-description:"Bound on unpropagated blocks. Zero means the cache size." env-default:"0"`
		ReadAhead        int  `toml:"read_ahead" env:"BDS3_CACHE_READAHEAD" env-description:"Blocks to prefetch on sequential access. Zero disables read-ahead." env-default:"4"`
		ReadAheadTrigger int  `toml:"read_ahead_trigger" env:"BDS3_CACHE_RATRIGGER" env-description:"Consecutive sequential reads before read-ahead starts." env-default:"2"`
		Synchronous      bool `toml:"synchronous" env:"BDS3_CACHE_SYNC" env-default:"false" env-description:"Write-through mode. Acknowledge writes only after the backend accepted them."`
		NoVerify         bool `toml:"no_verify" env:"BDS3_CACHE_NOVERIFY" env-default:"false" env-description:"Do not re-validate aged clean blocks against the backend."`
		RecoverDirty     bool `toml:"recover_dirty_blocks" env:"BDS3_CACHE_RECOVER" env-default:"false" env-description:"Keep dirty block markers in the bucket and re-propagate them after a crash."`
	} `toml:"cache"`

	Protect struct {
		MinWriteDelayMs int `toml:"min_write_delay" env:"BDS3_EC_MINDELAY" env-description:"Window after a write during which reads are served locally. Zero disables the protection layer. In ms." env-default:"500"`
		MD5CacheSize    int `toml:"md5_cache_size" env:"BDS3_EC_CACHESIZE" env-description:"Bound on tracked blocks in the protection layer." env-default:"1000"`
		MD5CacheTimeMs  int `toml:"md5_cache_time" env:"BDS3_EC_CACHETIME" env-description:"How long written blocks are remembered. At least min_write_delay. In ms." env-default:"10000"`
	} `toml:"protect"`

	ZeroCache struct {
		Disable   bool  `toml:"disable" env:"BDS3_ZERO_DISABLE" env-default:"false" env-description:"Disable the zero block cache."`
		MaxBlocks int64 `toml:"max_blocks" env:"BDS3_ZERO_MAXBLOCKS" env-description:"Largest block count the bitmap is kept for. Zero means unbounded." env-default:"16777216"`
	} `toml:"zero_cache"`

	Encrypt struct {
		Password  string `toml:"password" env:"BDS3_ENCRYPT_PASSWORD" env-description:"Passphrase for AES-CBC encryption. Empty disables encryption." env-default:""`
		KeyLength int    `toml:"key_length" env:"BDS3_ENCRYPT_KEYLEN" env-description:"AES key length in bytes. 16, 24 or 32." env-default:"16"`
	} `toml:"encrypt"`

	Compress int `toml:"compress" env:"BDS3_COMPRESS" env-description:"Deflate level 1-9, -1 for the default level, 0 disables compression." env-default:"0"`

	Log struct {
		Level  int  `toml:"level" env:"BDS3_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"BDS3_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics      bool `toml:"metrics" env:"BDS3_METRICS" env-default:"false" env-description:"Expose prometheus metrics on the profiler port."`
	Profiler     bool `toml:"profiler" env:"BDS3_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"BDS3_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024

	if Cfg.BlockSize == 0 || Cfg.BlockSize&(Cfg.BlockSize-1) != 0 {
		Cfg.BlockSize = 4096
	}

	return nil
}

// NumBlocks derives the block count from the device size and block size.
func NumBlocks() int64 {
	return Cfg.Size / int64(Cfg.BlockSize)
}

// Timeout returns the http request timeout as a duration.
func Timeout() time.Duration {
	return time.Duration(Cfg.S3.TimeoutMs) * time.Millisecond
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("bds3", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
