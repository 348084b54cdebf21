// taskfarmd runs the task scheduler service: the dispatch core, the lifecycle
// sweeps and the lease manager, with an HTTP surface for health checks and
// externally triggered cron sweeps.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/datastore"
	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2/google"

	"go.skia.org/infra/go/common"
	"go.skia.org/infra/go/httputils"
	"go.skia.org/infra/go/metrics2"
	"go.skia.org/infra/go/sklog"
	"go.skia.org/infra/go/util"

	"go.skia.org/taskfarm/go/db/cloudds"
	"go.skia.org/taskfarm/go/lease"
	"go.skia.org/taskfarm/go/notify"
	"go.skia.org/taskfarm/go/scheduling"
)

// flags
var (
	local       = flag.Bool("local", false, "Running locally if true. As opposed to in production.")
	port        = flag.String("port", ":8000", "HTTP service address (e.g., ':8000')")
	promPort    = flag.String("prom_port", ":20000", "Metrics service address (e.g., ':20000')")
	project     = flag.String("project", "", "GCP project holding the datastore and pub/sub topics.")
	namespace   = flag.String("namespace", "taskfarm", "Datastore namespace.")
	configFile  = flag.String("config", "", "Path to the JSON config file.")
	expirePd    = flag.Duration("expire_sweep_period", time.Minute, "How often to run the queue expiration sweep.")
	deadBotPd   = flag.Duration("dead_bot_sweep_period", time.Minute, "How often to run the dead bot sweep.")
	dedupPd     = flag.Duration("dedup_sweep_period", 10*time.Minute, "How often to refresh the dedup index.")
	leaseTickPd = flag.Duration("lease_tick_period", 30*time.Second, "How often the lease manager ticks.")
	outboxPd    = flag.Duration("outbox_flush_period", 2*time.Minute, "How often undelivered notifications are retried.")
)

// config is the JSON config file format.
type config struct {
	Scheduling scheduling.Config   `json:"scheduling"`
	Lease      lease.ManagerConfig `json:"lease"`
}

func loadConfig(path string) (*config, error) {
	rv := &config{Scheduling: scheduling.DefaultConfig()}
	if path == "" {
		return rv, nil
	}
	if err := util.WithReadFile(path, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(rv)
	}); err != nil {
		return nil, fmt.Errorf("reading config %s: %s", path, err)
	}
	return rv, nil
}

// sweepLoop runs fn on a fixed period, resetting the liveness on success.
func sweepLoop(ctx context.Context, name string, period time.Duration, fn func(context.Context) (int, error)) {
	liveness := metrics2.NewLiveness("taskfarm_" + name)
	go util.RepeatCtx(ctx, period, func(ctx context.Context) {
		n, err := fn(ctx)
		if err != nil {
			sklog.Errorf("%s: %s", name, err)
			return
		}
		if n > 0 {
			sklog.Infof("%s acted on %d entries.", name, n)
		}
		liveness.Reset()
	})
}

// cronHandler exposes a sweep for external triggering, eg. by a cron job.
func cronHandler(name string, fn func(context.Context) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := fn(r.Context())
		if err != nil {
			httputils.ReportError(w, err, fmt.Sprintf("Failed to run %s.", name), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]int{"acted": n}); err != nil {
			sklog.Errorf("Failed to encode %s response: %s", name, err)
		}
	}
}

func main() {
	common.InitWithMust(
		"taskfarmd",
		common.PrometheusOpt(promPort),
	)
	ctx := context.Background()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		sklog.Fatal(err)
	}
	if *project == "" {
		sklog.Fatal("--project is required.")
	}

	ts, err := google.DefaultTokenSource(ctx, datastore.ScopeDatastore, pubsub.ScopePubSub)
	if err != nil {
		sklog.Fatalf("Failed to create token source: %s", err)
	}
	store, err := cloudds.New(ctx, *project, *namespace, ts)
	if err != nil {
		sklog.Fatalf("Failed to create datastore client: %s", err)
	}
	pub, err := notify.NewPubSubPublisher(ctx, *project, ts)
	if err != nil {
		sklog.Fatalf("Failed to create pub/sub client: %s", err)
	}
	notifier := notify.New(store, pub)
	sched, err := scheduling.New(store, notifier, cfg.Scheduling)
	if err != nil {
		sklog.Fatalf("Failed to create scheduler: %s", err)
	}

	sweepLoop(ctx, "sweep_expired_queue", *expirePd, sched.ExpireSweep)
	sweepLoop(ctx, "sweep_dead_bots", *deadBotPd, sched.DeadBotSweep)
	sweepLoop(ctx, "sweep_dedup_index", *dedupPd, sched.DedupSweep)
	sweepLoop(ctx, "flush_outbox", *outboxPd, func(ctx context.Context) (int, error) {
		return 0, notifier.FlushOutbox(ctx)
	})

	var mgr *lease.Manager
	if len(cfg.Lease.MachineTypes) > 0 {
		client := httputils.DefaultClientConfig().WithTokenSource(ts).Client()
		provider := lease.NewHTTPProvider(cfg.Lease.ProviderURL, client)
		mgr, err = lease.NewManager(store, provider, sched, cfg.Lease)
		if err != nil {
			sklog.Fatalf("Failed to create lease manager: %s", err)
		}
		sweepLoop(ctx, "tick_lease_manager", *leaseTickPd, mgr.Tick)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/cron/sweep_expired_queue", cronHandler("sweep_expired_queue", sched.ExpireSweep))
	r.Post("/cron/sweep_dead_bots", cronHandler("sweep_dead_bots", sched.DeadBotSweep))
	r.Post("/cron/sweep_dedup_index", cronHandler("sweep_dedup_index", sched.DedupSweep))
	if mgr != nil {
		r.Post("/cron/tick_lease_manager", cronHandler("tick_lease_manager", mgr.Tick))
	}

	h := httputils.LoggingGzipRequestResponse(r)
	if !*local {
		h = httputils.HealthzAndHTTPS(h)
	}
	http.Handle("/", h)
	sklog.Info("Ready to serve.")
	sklog.Fatal(http.ListenAndServe(*port, nil))
}
