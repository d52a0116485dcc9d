package main

import (
	"fmt"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/billing"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/database"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/ledger"
)

type services struct {
	catalog    *catalog.Catalog
	ledger     *ledger.Service
	billing    *billing.Service
	dispatcher *dispatcher.Dispatcher
}

func loadCatalog() (*catalog.Catalog, error) {
	env.SetupEnvFile()
	return catalog.FromEnv()
}

// openServices connects to the configured database once, without retries.
func openServices(recorders ...dispatcher.Recorder) (*services, error) {
	cat, err := loadCatalog()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	cfg := database.ConfigFromEnv()
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s database: %w", cfg.Driver, err)
	}
	ledgerSvc := ledger.NewServiceFromDB(db, cat)
	return &services{
		catalog:    cat,
		ledger:     ledgerSvc,
		billing:    billing.NewServiceFromDB(db, cat),
		dispatcher: dispatcher.New(ledgerSvc.Store(), cat, ledgerSvc, dispatcher.ConfigFromEnv(), recorders...),
	}, nil
}
