package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"twingrid.org/internal/alloc"
	"twingrid.org/internal/cache"
	"twingrid.org/internal/gateway"
	"twingrid.org/internal/httpapi"
	"twingrid.org/internal/obs"
	"twingrid.org/internal/policy"
	"twingrid.org/internal/runtime"
	"twingrid.org/internal/store/pg"
	"twingrid.org/internal/twin"
	"twingrid.org/internal/usage"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	// Counter cache: Redis when configured, in-process otherwise.
	var kv cache.KV
	if addr := os.Getenv("TWINGRID_REDIS_ADDR"); addr != "" {
		rds, err := cache.OpenRedis(ctx, addr)
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		kv = rds
	} else {
		log.Println("TWINGRID_REDIS_ADDR not set, using in-memory cache")
		kv = cache.NewInMemory()
	}

	// Persistence: Postgres when configured, in-process otherwise.
	var (
		twinStore   twin.Store
		modelSource twin.ModelSource
		policyStore policy.Store
		usageStore  usage.Store
		probe       httpapi.ReadyProbe
	)
	if dsn := os.Getenv("TWINGRID_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		twinStore = store
		modelSource = store
		policyStore = store
		usageStore = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("TWINGRID_PG_DSN not set, using in-memory stores")
		mem := twin.NewInMemoryStore()
		twinStore = mem
		modelSource = mem
		policyStore = policy.NewInMemoryStore()
		usageStore = usage.NewInMemoryStore()
	}

	rt, err := runtime.OpenDocker(ctx)
	if err != nil {
		log.Fatalf("open docker: %v", err)
	}
	defer rt.Close()

	policies := policy.NewService(policyStore, kv)
	manager := twin.NewManager(twinStore, modelSource, policies, rt, alloc.New(kv))
	gw := gateway.NewHandler(manager, policies, usageStore)

	api := httpapi.New(probe, version, manager, modelSource, policies, usageStore, gw)

	handler := httpapi.Logging(
		httpapi.SecurityHeaders(
			httpapi.CORS(
				httpapi.RateLimit(
					httpapi.MaxBodyBytes(api.Handler(), 1<<20),
					40, 20,
				),
			),
		),
	)

	addr := os.Getenv("TWINGRID_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting twingrid-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
