package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tom-Hartley/Preview-Warden/internal/auth"
	"github.com/Tom-Hartley/Preview-Warden/internal/clock"
	"github.com/Tom-Hartley/Preview-Warden/internal/config"
	"github.com/Tom-Hartley/Preview-Warden/internal/docker"
	"github.com/Tom-Hartley/Preview-Warden/internal/edge"
	"github.com/Tom-Hartley/Preview-Warden/internal/engine"
	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/events"
	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/notify"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/provision"
	"github.com/Tom-Hartley/Preview-Warden/internal/quota"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
	"github.com/Tom-Hartley/Preview-Warden/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var runtimeTLS *docker.TLSConfig
	if cfg.DockerTLS.Configured() {
		runtimeTLS = &docker.TLSConfig{
			CACert:     cfg.DockerTLS.CACert,
			ClientCert: cfg.DockerTLS.ClientCert,
			ClientKey:  cfg.DockerTLS.ClientKey,
		}
	}
	client, err := docker.NewClient(cfg.DockerSock, runtimeTLS)
	if err != nil {
		log.Error("failed to create runtime client", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Error("runtime not reachable", "sock", cfg.DockerSock, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(ctx, cfg.StoreURI)
	if err != nil {
		log.Error("failed to open metadata store", "uri", cfg.StoreURI, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	provisioners := provision.NewFactory(log, nil)
	defer provisioners.Close()
	provisioners.Register(preview.EnginePostgres, endpoint(cfg.Postgres))
	provisioners.Register(preview.EngineMySQL, endpoint(cfg.MySQL))
	provisioners.Register(preview.EngineMongo, endpoint(cfg.Mongo))

	gen := edge.NewGenerator(edge.Config{
		BaseDomain:       cfg.BaseDomain,
		TLS:              cfg.TLS,
		CertResolver:     cfg.CertResolver,
		PasswordProtect:  cfg.PasswordProtect,
		FallbackPassword: cfg.FallbackPassword,
	})

	clk := clock.Real{}
	bus := events.New()
	eventLog := eventlog.New(st, bus, clk)
	gate := quota.New(st, quota.StaticPlan{Max: cfg.OwnerMaxPreviews})
	notifier := buildNotifier(cfg, log)

	orch := engine.NewOrchestrator(client, st, provisioners, gen, eventLog, gate, notifier, log, clk, cfg.EdgeNetwork)

	reconciler := engine.NewReconciler(orch, st, client, eventLog, notifier, engine.ReconcilerConfig{
		Interval:        cfg.ReconcileInterval,
		IdleTimeout:     cfg.IdleTimeout,
		MaxPreviews:     cfg.MaxPreviews,
		MetricsTextfile: cfg.MetricsTextfile,
	}, log, clk)

	pruner := engine.NewPruner(client, log)
	if err := pruner.Start(cfg.PruneCron); err != nil {
		log.Error("invalid prune schedule", "cron", cfg.PruneCron, "error", err)
		os.Exit(1)
	}
	defer pruner.Stop()

	srv := web.NewServer(web.Dependencies{
		Orchestrator:  orch,
		Events:        eventLog,
		Store:         st,
		Runtime:       client,
		Tokens:        auth.NewSigner(cfg.TokenSecret),
		WebhookSecret: cfg.WebhookSecret,
		Version:       version,
		Log:           log,
		Clock:         clk,
	})

	go func() {
		if err := srv.ListenAndServe(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "error", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Info("warden started", "version", version, "domain", cfg.BaseDomain, "store", cfg.StoreURI)

	if err := reconciler.Run(ctx); err != nil {
		log.Error("warden exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("warden shutdown complete")
}

// buildNotifier assembles the notification chain: the log provider is
// always on, the external providers join when configured and respect the
// configured event filter.
func buildNotifier(cfg *config.Config, log *logging.Logger) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}

	external := func(n notify.Notifier) notify.Notifier {
		return notify.NewFiltered(n, cfg.Notify.Events)
	}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, external(notify.NewWebhook(cfg.Notify.WebhookURL, nil)))
		log.Info("webhook notifications enabled", "url", cfg.Notify.WebhookURL)
	}
	if cfg.Notify.SlackWebhook != "" {
		notifiers = append(notifiers, external(notify.NewSlack(cfg.Notify.SlackWebhook)))
		log.Info("slack notifications enabled")
	}
	if cfg.Notify.MQTTBroker != "" {
		mqtt := notify.NewMQTT(cfg.Notify.MQTTBroker, cfg.Notify.MQTTTopic, "", cfg.Notify.MQTTUsername, cfg.Notify.MQTTPassword, 0)
		notifiers = append(notifiers, external(mqtt))
		log.Info("mqtt notifications enabled", "broker", cfg.Notify.MQTTBroker)
	}
	return notify.NewMulti(log, notifiers...)
}

func endpoint(e config.DBEndpoint) provision.Endpoint {
	return provision.Endpoint{Host: e.Host, Port: e.Port, User: e.User, Password: e.Password}
}
