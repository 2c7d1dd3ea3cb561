// Package app wires the reconciliation core's components from a loaded
// config.Config: token managers, rate gates, transports, remote clients,
// the field-mapping registry, the loop-prevention tracker, the executor,
// the scheduler, and the webhook ingest handler, per §2's data-flow
// diagram. It holds no sync logic of its own.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/ipiton/zoho-airtable-sync/internal/config"
	"github.com/ipiton/zoho-airtable-sync/internal/executor"
	"github.com/ipiton/zoho-airtable-sync/internal/ingest"
	"github.com/ipiton/zoho-airtable-sync/internal/looptracker"
	"github.com/ipiton/zoho-airtable-sync/internal/model"
	"github.com/ipiton/zoho-airtable-sync/internal/ratelimit"
	"github.com/ipiton/zoho-airtable-sync/internal/registry"
	"github.com/ipiton/zoho-airtable-sync/internal/remote"
	"github.com/ipiton/zoho-airtable-sync/internal/scheduler"
	"github.com/ipiton/zoho-airtable-sync/internal/tokens"
	"github.com/ipiton/zoho-airtable-sync/pkg/logger"
)

// App holds every wired component, ready for the CLI commands to drive.
type App struct {
	Config          *config.Config
	Log             *slog.Logger
	Registry        *registry.Registry
	Executor        *executor.Executor
	Scheduler       *scheduler.Scheduler
	Tracker         *looptracker.Tracker
	Ingest          *ingest.Handler
	SourceClient    remote.Client
	DatastoreClient remote.Client
}

// Build constructs every component from cfg. It does not start the
// registry's background refresher or the webhook server; call Start and
// ServeWebhooks for those.
func Build(cfg *config.Config) (*App, error) {
	logCfg := logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Filename: cfg.Log.Filename}
	if cfg.Log.Filename != "" {
		logCfg.Output = "file"
	}
	log := logger.NewLogger(logCfg)

	sourceTokens := tokens.New("source", tokens.State{
		AccessToken: cfg.Source.AccessToken, RefreshToken: cfg.Source.RefreshToken,
		ClientID: cfg.Source.ClientID, ClientSecret: cfg.Source.ClientSecret,
	}, tokens.OAuth2Refresher{Endpoint: zohoEndpoint(cfg.Source.Region)}, tokens.NopPersister{}, log)

	datastoreTokens := tokens.New("datastore", tokens.State{
		AccessToken: cfg.Datastore.AccessToken, RefreshToken: cfg.Datastore.RefreshToken,
		ClientID: cfg.Datastore.ClientID, ClientSecret: cfg.Datastore.ClientSecret,
	}, tokens.OAuth2Refresher{Endpoint: airtableEndpoint}, tokens.NopPersister{}, log)

	sourceGate := ratelimit.New(ratelimit.DefaultSourceInterval)
	datastoreGate := ratelimit.New(ratelimit.DefaultDatastoreInterval)

	sourceTransport := remote.NewTransport("source", cfg.Source.BaseURL, sourceTokens, sourceGate, log)
	datastoreTransport := remote.NewTransport("datastore", cfg.Datastore.BaseURL, datastoreTokens, datastoreGate, log)

	sourceClient := remote.NewSourceClient(sourceTransport)
	datastoreClient := remote.NewDatastoreClient(datastoreTransport)

	loader := registry.NewRemoteLoader(sourceClient, datastoreClient, cfg.Sync.ModuleSpecFunc())
	reg := registry.New(loader, registry.DefaultRefreshInterval, log)

	tracker := looptracker.NewWithCooldowns(cfg.Sync.FieldCooldown, cfg.Sync.RecordCooldown)

	execCfg := executor.DefaultConfig()
	if cfg.Sync.ExecutorConcurrency > 0 {
		execCfg.Concurrency = cfg.Sync.ExecutorConcurrency
	}
	if cfg.Sync.BatchSize > 0 {
		execCfg.BatchSize = cfg.Sync.BatchSize
	}
	if cfg.Sync.OrphanAgeThreshold > 0 {
		execCfg.OrphanAgeThreshold = cfg.Sync.OrphanAgeThreshold
	}
	exec := executor.New(sourceClient, datastoreClient, tracker, log, execCfg)

	mappingFn := func(module string) (registry.Mapping, error) {
		if m, ok := reg.Get(module); ok {
			return m, nil
		}
		return reg.EnsureInitialized(context.Background(), module)
	}
	sourceInventory := &scheduler.RemoteInventory{Client: sourceClient, System: model.SystemSource, Mapping: mappingFn}
	datastoreInventory := &scheduler.RemoteInventory{Client: datastoreClient, System: model.SystemDatastore, Mapping: mappingFn}

	schedCfg := scheduler.Config{
		ModuleRunTimeout: cfg.Sync.ModuleRunTimeout,
		PollInterval:     cfg.Sync.PollInterval,
		OrphanAge:        cfg.Sync.OrphanAgeThreshold,
		CoalescingWindow: cfg.Sync.CoalescingWindow,
	}
	sched := scheduler.New(cfg.Sync.ModuleNames(true), sourceInventory, datastoreInventory, reg, exec, log, schedCfg)

	fieldName := func(module, fieldID string) string {
		m, ok := reg.Get(module)
		if !ok {
			return ""
		}
		for _, fe := range m.Fields {
			if fe.DatastoreField == fieldID {
				return fe.CanonicalKey
			}
		}
		return ""
	}
	fetcher := remote.NewDatastorePayloadFetcher(datastoreTransport, fieldName)
	requester := &scheduler.SyncRequesterAdapter{Scheduler: sched}
	handler := ingest.NewHandler(tracker, fetcher, requester, log)

	return &App{
		Config: cfg, Log: log, Registry: reg, Executor: exec, Scheduler: sched,
		Tracker: tracker, Ingest: handler, SourceClient: sourceClient, DatastoreClient: datastoreClient,
	}, nil
}

// ServeWebhooks blocks serving the two webhook endpoints until ctx is
// cancelled, then drains in flight handlers with a 30s grace period.
func (a *App) ServeWebhooks(ctx context.Context) error {
	router := mux.NewRouter()
	a.Ingest.RegisterRoutes(router)
	router.Use(logger.LoggingMiddleware(a.Log))
	srv := &http.Server{Addr: a.Config.Webhook.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func zohoEndpoint(region string) oauth2.Endpoint {
	domain := "https://accounts.zoho.com"
	switch strings.ToLower(region) {
	case "eu":
		domain = "https://accounts.zoho.eu"
	case "in":
		domain = "https://accounts.zoho.in"
	case "au":
		domain = "https://accounts.zoho.com.au"
	}
	return oauth2.Endpoint{TokenURL: domain + "/oauth/v2/token"}
}

var airtableEndpoint = oauth2.Endpoint{TokenURL: "https://airtable.com/oauth2/v1/token"}
