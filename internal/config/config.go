package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

type Application struct {
	Host       string     `koanf:"host"`
	Database   Database   `koanf:"db"`
	Recurrence Recurrence `koanf:"recurrence"`
	Listing    Listing    `koanf:"listing"`
}

type Database struct {
	// Driver selects the backing store: "sqlite" (embedded) or "postgres".
	Driver string `koanf:"driver"`
	// Path is the sqlite database file. Ignored for postgres.
	Path   string `koanf:"path"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	User   string `koanf:"user"`
	Pass   string `koanf:"pass"`
	Name   string `koanf:"name"`
	Schema string `koanf:"schema"`
}

type Recurrence struct {
	// MaxWindowDays bounds the span of a single expansion window.
	MaxWindowDays int `koanf:"maxwindowdays"`
	// MaxOccurrences bounds how many candidates a rule may generate per expansion.
	MaxOccurrences int `koanf:"maxoccurrences"`
}

type Listing struct {
	DefaultPageSize int `koanf:"defaultpagesize"`
	MaxPageSize     int `koanf:"maxpagesize"`
}

func Load(path string) (Application, error) {
	var k = koanf.New(".")

	err := k.Load(structs.Provider(Application{
		Host: ":8181",
		Database: Database{
			Driver: "sqlite",
			Path:   "agendo.db",
			Host:   "localhost",
			Port:   5432,
			User:   "agendo",
			Pass:   "",
			Name:   "agendo",
			Schema: "agendo",
		},
		Recurrence: Recurrence{
			MaxWindowDays:  732,
			MaxOccurrences: 5000,
		},
		Listing: Listing{
			DefaultPageSize: 100,
			MaxPageSize:     200,
		},
	}, "koanf"), nil)
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
		Prefix: "AGENDO_",
		TransformFunc: func(k, v string) (string, any) {
			// Transform the key.
			k = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, "AGENDO_")), "_", ".")
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

	return app, nil
}
