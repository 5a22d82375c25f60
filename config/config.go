// Copyright (C) 2026 wback authors

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/wback/config.toml"
)

var Cfg Config

// Configuration structure for the library defaults. We use toml format
// for file-based configuration and all options can be overriden by the
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Size int64 `toml:"size" env:"WBACK_SIZE" env-default:"8" env-description:"Image size in GB."`

	Layout struct {
		ObjectSize  int64 `toml:"object_size" env:"WBACK_LAYOUT_OBJECTSIZE" env-default:"4" env-description:"Backing object size in MB."`
		StripeUnit  int64 `toml:"stripe_unit" env:"WBACK_LAYOUT_STRIPEUNIT" env-default:"0" env-description:"Stripe unit in KB. 0 means one stripe unit per object."`
		StripeCount int64 `toml:"stripe_count" env:"WBACK_LAYOUT_STRIPECOUNT" env-default:"1" env-description:"Number of objects one stripe spans."`
	} `toml:"layout"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"WBACK_S3_BUCKET" env-description:"S3 Bucket name." env-default:"wback"`
		Remote    string `toml:"remote" env:"WBACK_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"WBACK_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"WBACK_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"WBACK_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Store struct {
		Writers int `toml:"writers" env:"WBACK_STORE_WRITERS" env-description:"Max number of store writer workers." env-default:"16"`
		Readers int `toml:"readers" env:"WBACK_STORE_READERS" env-description:"Max number of store reader workers." env-default:"16"`
	} `toml:"store"`

	Read struct {
		BalanceSnapReads  bool `toml:"balance_snap_reads" env:"WBACK_READ_BALANCE" env-description:"Spread snapshot reads over replicas." env-default:"false"`
		LocalizeSnapReads bool `toml:"localize_snap_reads" env:"WBACK_READ_LOCALIZE" env-description:"Prefer the closest replica for snapshot reads." env-default:"false"`
	} `toml:"read"`

	Log struct {
		Level  int  `toml:"level" env:"WBACK_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"WBACK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment
// variables have the highest priority. It is perfectly fine to use
// just one of these or to combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and read the environment variables.
// After that do some value postprocessing and fill the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024
	Cfg.Layout.ObjectSize *= 1024 * 1024
	Cfg.Layout.StripeUnit *= 1024

	if Cfg.Layout.StripeUnit == 0 {
		Cfg.Layout.StripeUnit = Cfg.Layout.ObjectSize
	}
	if Cfg.Layout.StripeCount == 0 {
		Cfg.Layout.StripeCount = 1
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("wback", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}

// SetupLogger applies the configured log level and output format to
// the global logger.
func SetupLogger(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}
