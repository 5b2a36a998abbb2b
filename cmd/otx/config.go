package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/wiesiekpap/opentxs-sub020/client"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

const defaultDataDir = ".otx"

// config is the content of the configuration file.
//
//	data_dir: /var/lib/otx
//	log_level: debug
//	metrics: 127.0.0.1:9100
//	notaries:
//	  ot2notary: 127.0.0.1:7085
//	admin_passwords:
//	  ot2notary: secret
//	client:
//	  request_timeout: 5s
//	  introduction_server: ot2notary
type config struct {
	Client         client.Config                `yaml:"client"`
	DataDir        string                       `yaml:"data_dir"`
	LogLevel       string                       `yaml:"log_level"`
	Metrics        string                       `yaml:"metrics"`
	Notaries       map[identifier.Notary]string `yaml:"notaries"`
	AdminPasswords map[identifier.Notary]string `yaml:"admin_passwords"`
}

// loadConfig reads the configuration file. An empty path yields the default
// configuration.
func loadConfig(path string) (config, error) {
	cfg := config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, xerrors.Errorf("couldn't read config: %v", err)
		}

		err = yaml.UnmarshalStrict(data, &cfg)
		if err != nil {
			return cfg, xerrors.Errorf("couldn't parse config: %v", err)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = zerolog.InfoLevel.String()
	}

	_, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, xerrors.Errorf("invalid log level: %v", err)
	}

	cfg.Client = cfg.Client.WithDefaults()

	return cfg, nil
}

func (c config) level() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(c.LogLevel)
	return lvl
}

func (c config) walletPath() string {
	return filepath.Join(c.DataDir, "wallet.db")
}

func (c config) keysPath() string {
	return filepath.Join(c.DataDir, "keys")
}
