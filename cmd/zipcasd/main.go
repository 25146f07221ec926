// Command zipcasd serves the ZIP-ingest-to-CAS HTTP API.
package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/zipcas/zipcasd/internal/cas"
	"github.com/zipcas/zipcasd/internal/config"
	"github.com/zipcas/zipcasd/internal/httpapi"
	"github.com/zipcas/zipcasd/internal/ingest"
	"github.com/zipcas/zipcasd/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logging.InitGlobalLogger(&logging.Config{
		Level:     logging.InfoLevel,
		Format:    logging.TextFormat,
		Output:    nil,
		Component: "zipcasd",
	})
	logger := logging.GetGlobalLogger()

	store, err := cas.Open(cfg.Store.Dir)
	if err != nil {
		log.Fatalf("opening CAS store at %s: %v", cfg.Store.Dir, err)
	}

	server := httpapi.NewServer(store, httpapi.Limits{
		Limits: ingest.Limits{
			MaxEntries:    cfg.Limits.MaxEntries,
			MaxFileBytes:  cfg.Limits.MaxFileBytes,
			MaxTotalBytes: cfg.Limits.MaxTotalBytes,
			MaxZipBytes:   cfg.Limits.MaxZipBytes,
		},
		SpoolDir:  "",
		KeepSpool: cfg.Store.KeepSpool,
	}, logger)

	logger.Info("starting zipcasd", map[string]interface{}{
		"addr":      cfg.Server.Addr(),
		"store_dir": cfg.Store.Dir,
	})
	fmt.Printf("zipcasd listening on %s (store: %s)\n", cfg.Server.Addr(), cfg.Store.Dir)

	if err := http.ListenAndServe(cfg.Server.Addr(), server); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
