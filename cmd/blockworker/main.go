// Command blockworker runs a single worker process exposing the paged
// block store's load_file endpoint and driving its own load jobs against
// a configured UFS root.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/grafana/blockworker/pkg/blockstore"
	"github.com/grafana/blockworker/pkg/loadjob"
	"github.com/grafana/blockworker/pkg/masterclient"
	"github.com/grafana/blockworker/pkg/pagestore"
	"github.com/grafana/blockworker/pkg/pagestore/evictor"
	"github.com/grafana/blockworker/pkg/ufs"
	"github.com/grafana/blockworker/pkg/workerclient"
)

type config struct {
	httpAddr   string
	workerID   uint64
	masterAddr string
	storageDir string
	storageCap int64
	ufsRoot    string

	blockstore blockstore.Config
	loadjob    loadjob.Config
}

func (c *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&c.httpAddr, "server.http-listen-address", ":9999", "Address to serve the load_file endpoint on.")
	f.Uint64Var(&c.workerID, "worker.id", 1, "This worker's id, reported to the master on commit.")
	f.StringVar(&c.masterAddr, "master.address", "http://localhost:9998", "Base URL of the block master.")
	f.StringVar(&c.storageDir, "storage.dir", "./data/pages", "Directory backing the default page store directory.")
	f.Int64Var(&c.storageCap, "storage.capacity-bytes", 10<<30, "Capacity of the default page store directory.")
	f.StringVar(&c.ufsRoot, "ufs.root", "./data/ufs", "Filesystem root modeling the UFS.")
	c.blockstore.RegisterFlags(f)
	c.loadjob.RegisterFlags(f)
}

func main() {
	var cfg config
	cfg.registerFlags(flag.CommandLine)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := cfg.blockstore.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid blockstore config", "err", err)
		os.Exit(1)
	}
	if err := cfg.loadjob.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid loadjob config", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()

	evict := evictor.New(0)
	dir, err := pagestore.NewDiskDir(cfg.storageDir, 0, cfg.storageCap, cfg.blockstore.PageSize, evict)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open storage directory", "dir", cfg.storageDir, "err", err)
		os.Exit(1)
	}

	bkt, err := filesystem.NewBucket(cfg.ufsRoot)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open UFS root", "root", cfg.ufsRoot, "err", err)
		os.Exit(1)
	}
	ufsCache := ufs.NewBucketStreamCache(bkt)

	masterPool := masterclient.NewPool(http.DefaultClient)
	master := masterPool.GetClientFor(cfg.masterAddr)

	metrics := blockstore.NewMetrics(reg)
	store := blockstore.NewStore(cfg.blockstore, cfg.workerID, []pagestore.Dir{dir}, master, ufsCache, metrics, logger)
	defer func() {
		if err := store.Close(); err != nil {
			level.Warn(logger).Log("msg", "error closing block store", "err", err)
		}
	}()

	jobMetrics := loadjob.NewMetrics(reg)
	workerPool := workerclient.NewPool(http.DefaultClient)
	jobs := newJobRunner(cfg.loadjob, ufsCache, workerPool, jobMetrics, logger)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.Handle("/api/v1/load_file", workerclient.NewHandler(logger, &storeLoader{store: store, ufsCache: ufsCache})).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/load_jobs", jobs.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/load_jobs/{id}", jobs.handleStatus).Methods(http.MethodGet)

	srv := &http.Server{Addr: cfg.httpAddr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		level.Info(logger).Log("msg", "listening", "addr", cfg.httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server exited", "err", err)
		}
	}()

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.blockstore.RemoveBlockTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		level.Warn(logger).Log("msg", "error during http server shutdown", "err", err)
	}
	fmt.Fprintln(os.Stderr, "blockworker stopped")
}
