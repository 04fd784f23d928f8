package main

import (
	"encoding/json"
	"os"

	"github.com/omeid/uconfig"
)

// configFilename is the filename of the config file automatically loaded.
var configFilename = "config.json"

type config struct {
	HTTP struct {
		Port string `default:"8080"`

		RateLimInterval string `default:"1s"`
		MaxRPI          uint64 `default:"10"`
	}
	Gateway struct {
		DBPath string `default:"feedmesh.db"`
	}
	Cache struct {
		// Backend selects the cache store: redis or memory.
		Backend   string `default:"redis"`
		RedisAddr string `default:"127.0.0.1:6379"`
		RedisPass string `default:""`
		RedisDB   int    `default:"0"`
		KeyPrefix string `default:"feedmesh"`
	}
	Backup struct {
		Enabled           bool   `default:"false"`
		Dir               string `default:"backups"`
		Frequency         int    `default:"240"` // in minutes
		EnableVacuum      bool   `default:"true"`
		EnableCompression bool   `default:"true"`
		EnablePruning     bool   `default:"true"`
		KeepFiles         int    `default:"5"`
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
}

func setupConfig() *config {
	conf := &config{}
	confFiles := uconfig.Files{
		{configFilename, json.Unmarshal},
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}
