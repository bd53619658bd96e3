package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type ScenarioConfig struct {
	PartyABalance uint64
	PartyBBalance uint64
	ChannelAmount uint64
	FirstPayment  uint64
	SecondPayment uint64
}

type Config struct {
	ChainTimelock     uint64
	NetworkMaxDelay   uint64
	RandomSeed        int64
	MaxSteps          int
	DBPath            string
	MetricsListenAddr string
	Scenario          ScenarioConfig
}

func LoadConfig(path string) (*Config, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	_, err = os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(dir, os.ModePerm)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check directory: %w", err)
		}
	}

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		cfg := &Config{
			ChainTimelock:     10,
			NetworkMaxDelay:   5,
			RandomSeed:        0,
			MaxSteps:          100000,
			DBPath:            "./simnet-db",
			MetricsListenAddr: "",
			Scenario: ScenarioConfig{
				PartyABalance: 100,
				PartyBBalance: 150,
				ChannelAmount: 50,
				FirstPayment:  30,
				SecondPayment: 15,
			},
		}

		err = SaveConfig(cfg, path)
		if err != nil {
			return nil, err
		}

		return cfg, nil
	} else if err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var cfg Config
		err = json.Unmarshal(data, &cfg)
		if err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	return nil, err
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0766)
	if err != nil {
		return err
	}
	return nil
}
