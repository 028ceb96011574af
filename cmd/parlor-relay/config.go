package main

import "github.com/parlor-games/parlor/internal/database"

type Config struct {
	// Debug flips the logger into development mode.
	Debug bool `envconfig:"PARLOR_DEBUG" default:"false"`

	// CacheSize bounds the room lookup cache.
	CacheSize int `envconfig:"PARLOR_CACHE_SIZE" default:"1024"`

	// Port serves the room API and websocket topics.
	Port string `envconfig:"PARLOR_PORT" default:"1234"`

	// ProfPort serves net/http/pprof.
	ProfPort string `envconfig:"PARLOR_PROF_PORT" default:"8888"`

	DB database.Config
}
