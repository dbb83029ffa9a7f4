package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	Host     string   `koanf:"host"`
	Port     int      `koanf:"port"`
	Chain    Chain    `koanf:"chain"`
	Database Database `koanf:"db"`
	Identity Identity `koanf:"identity"`
}

type Chain struct {
	// Testnet selects Base Sepolia instead of Base mainnet.
	Testnet bool `koanf:"testnet"`
	// Simulated replaces the JSON-RPC connector with the in-memory ledger.
	Simulated bool `koanf:"simulated"`
	// Faucet is credited in every supported token to each named identity when Simulated is set.
	Faucet              string        `koanf:"faucet"`
	RpcUrl              string        `koanf:"rpcurl"`
	PrivateKey          string        `koanf:"privatekey"`
	Confirmations       uint64        `koanf:"confirmations"`
	PollInterval        time.Duration `koanf:"pollinterval"`
	ConfirmationTimeout time.Duration `koanf:"confirmationtimeout"`
	ExplorerUrl         string        `koanf:"explorerurl"`
}

type Database struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	User    string `koanf:"user"`
	Pass    string `koanf:"pass"`
	Name    string `koanf:"name"`
	Schema  string `koanf:"schema"`
}

type Identity struct {
	// Names is a static name directory, name -> hex address.
	Names map[string]string `koanf:"names"`
}

func defaults() Application {
	return Application{
		Host: "http://localhost:3000",
		Port: 8181,
		Chain: Chain{
			Testnet:             true,
			Simulated:           false,
			Faucet:              "1000",
			RpcUrl:              "https://sepolia.base.org",
			Confirmations:       2,
			PollInterval:        2 * time.Second,
			ConfirmationTimeout: 3 * time.Minute,
			ExplorerUrl:         "https://sepolia.basescan.org",
		},
		Database: Database{
			Enabled: true,
			Host:    "localhost",
			Port:    5432,
			User:    "bitsave",
			Pass:    "",
			Name:    "bitsave",
			Schema:  "bitsave",
		},
	}
}

func Load(path string) (Application, error) {
	var k = koanf.New(".")

	err := k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err != nil {
		log.Errorf("error loading config from structs: %v", err)
		return Application{}, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if os.IsNotExist(err) {
			log.Infof("Config file not found at %s, using defaults and environment variables", path)
		} else {
			log.Errorf("error loading config from YAML: %v", err)
			return Application{}, err
		}
	} else {
		log.Infof("Loaded configuration from file: %s", path)
	}

	err = k.Load(env.Provider(".", env.Opt{
		Prefix: "BITSAVE_",
		TransformFunc: func(k, v string) (string, any) {
			k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, "BITSAVE_")), "_", ".")
			return k, v
		},
	}), nil)
	if err != nil {
		log.Errorf("error loading config from envs: %v", err)
		return Application{}, err
	}

	var app Application
	if err := k.Unmarshal("", &app); err != nil {
		return Application{}, err
	}
	if app.Chain.Confirmations == 0 {
		app.Chain.Confirmations = 1
	}

	return app, nil
}
