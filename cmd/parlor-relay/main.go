package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/parlor-games/parlor/internal/buildinfo"
	"github.com/parlor-games/parlor/internal/cache"
	"github.com/parlor-games/parlor/internal/database"
	"github.com/parlor-games/parlor/internal/logging"
	"github.com/parlor-games/parlor/internal/room"
	"github.com/parlor-games/parlor/internal/server"
	"github.com/parlor-games/parlor/internal/shutdown"
	"github.com/parlor-games/parlor/internal/transport/relay"
)

var version string

func main() {
	_, _ = fmt.Fprint(os.Stdout, buildinfo.Graffiti)
	_, _ = fmt.Fprintf(os.Stdout, buildinfo.GreetingCLI, buildinfo.ProjectName, version, buildinfo.GithubParlorURL)

	ctx, done := shutdown.New()
	defer done()

	config := Config{}
	if err := envconfig.Process("", &config); err != nil {
		logging.DefaultLogger().Fatalf("processing the config: %v", err)
	}

	logger := logging.NewLogger(config.Debug)
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx, config); err != nil {
		logger.Fatalf("main.realMain: %v", err)
	}
}

func realMain(ctx context.Context, config Config) error {
	logger := logging.FromContext(ctx).Named("main.realMain")

	db, err := database.NewFromEnv(ctx, &config.DB)
	if err != nil {
		return fmt.Errorf("new database from env: %w", err)
	}

	defer db.Close(ctx)

	roomCache, err := cache.NewLRU(config.CacheSize)
	if err != nil {
		return fmt.Errorf("can not create lru cache: %w", err)
	}

	srv, err := server.New(config.Port)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}

	prof, err := server.New(config.ProfPort)
	if err != nil {
		return fmt.Errorf("server.New pprof: %w", err)
	}

	directory := room.NewDirectory(db, roomCache)

	r := chi.NewRouter()
	r.Handle("/healthz", server.HandleHealth(ctx))
	r.Mount("/rooms", room.Routes(directory))
	r.Mount("/topics", relay.NewServer().Routes())

	logger.Infof("relay listening on :%s, pprof on :%s", config.Port, config.ProfPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ServeHTTP(ctx, &http.Server{Handler: r})
	})
	g.Go(func() error {
		return prof.ServeHTTP(ctx, &http.Server{Handler: http.DefaultServeMux})
	})
	return g.Wait()
}
