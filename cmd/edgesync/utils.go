package main

import (
	"time"

	"github.com/ordermesh/edgesync"
	"github.com/ordermesh/edgesync/internal/config"
	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/rs/zerolog/log"
)

// pickDuration returns the first positive duration.
func pickDuration(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func openStore() (*opstore.Store, error) {
	path := config.Pick(rootDBPath, fileCfg.DBPath, config.String(edgesync.EnvDBPath, ""))
	var (
		store *opstore.Store
		err   error
	)
	if path == "" {
		store, err = opstore.OpenDefault()
	} else {
		store, err = opstore.Open(path)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("db_path", store.Path()).Msg("queue store opened")
	return store, nil
}
