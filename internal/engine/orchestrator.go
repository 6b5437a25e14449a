// Package engine drives the preview lifecycle: create, update, and
// destroy transitions, plus the background reconciler that converges the
// runtime onto the recorded state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tom-Hartley/Preview-Warden/internal/clock"
	"github.com/Tom-Hartley/Preview-Warden/internal/docker"
	"github.com/Tom-Hartley/Preview-Warden/internal/edge"
	"github.com/Tom-Hartley/Preview-Warden/internal/eventlog"
	"github.com/Tom-Hartley/Preview-Warden/internal/logging"
	"github.com/Tom-Hartley/Preview-Warden/internal/metrics"
	"github.com/Tom-Hartley/Preview-Warden/internal/naming"
	"github.com/Tom-Hartley/Preview-Warden/internal/notify"
	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/provision"
	"github.com/Tom-Hartley/Preview-Warden/internal/quota"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

// stopGraceSeconds is the grace period given to containers on stop.
const stopGraceSeconds = 10

// Provisioners hands out a database provisioner per engine.
// Implemented by provision.Factory.
type Provisioners interface {
	For(engine preview.Engine) (provision.Provisioner, error)
}

// Orchestrator performs preview lifecycle transitions. It is safe for
// concurrent use; operations on the same preview id are serialized.
type Orchestrator struct {
	docker       docker.API
	store        store.Store
	provisioners Provisioners
	edge         *edge.Generator
	events       *eventlog.Log
	quota        *quota.Gate
	notifier     *notify.Multi
	log          *logging.Logger
	clock        clock.Clock
	locks        *keyedMutex

	// EdgeNetwork is the router network containers join at creation.
	edgeNetwork string
}

// NewOrchestrator creates an Orchestrator with all dependencies.
func NewOrchestrator(d docker.API, s store.Store, provisioners Provisioners, gen *edge.Generator, events *eventlog.Log, gate *quota.Gate, notifier *notify.Multi, log *logging.Logger, clk clock.Clock, edgeNetwork string) *Orchestrator {
	return &Orchestrator{
		docker:       d,
		store:        s,
		provisioners: provisioners,
		edge:         gen,
		events:       events,
		quota:        gate,
		notifier:     notifier,
		log:          log,
		clock:        clk,
		locks:        newKeyedMutex(),
		edgeNetwork:  edgeNetwork,
	}
}

// Create brings up a new preview. When a live record already exists for
// the derived id, the call is treated as an update of that preview.
func (o *Orchestrator) Create(ctx context.Context, ownerID string, cfg *preview.Config) (*preview.Preview, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := cfg.PreviewID()

	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	if existing, err := o.store.GetPreview(ctx, id); err == nil && existing.Status != preview.StatusDestroyed {
		o.log.Info("preview exists, redeploying", "preview", id, "status", string(existing.Status))
		return o.updateLocked(ctx, existing, cfg)
	}

	if err := o.quota.Check(ctx, ownerID); err != nil {
		return nil, err
	}

	now := o.clock.Now().UTC()
	rec := &preview.Preview{
		PreviewID:         id,
		OwnerID:           ownerID,
		Kind:              cfg.Kind,
		PullRequestNumber: cfg.PullRequestNumber,
		RepoOwner:         cfg.RepoOwner,
		RepoName:          cfg.RepoName,
		Branch:            cfg.Branch,
		CommitSha:         cfg.CommitSha,
		Status:            preview.StatusCreating,
		Services:          []preview.ServiceInstance{},
		URLs:              map[string]string{},
		Env:               cfg.Env,
		Password:          cfg.Password,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastAccessedAt:    now,
	}
	if err := o.store.InsertPreview(ctx, rec); err != nil {
		return nil, err
	}

	o.appendEvent(ctx, id, preview.EventSystem, "Starting preview creation", nil)
	o.log.Info("creating preview", "preview", id, "owner", ownerID, "repo", cfg.RepoOwner+"/"+cfg.RepoName)

	if cfg.Database != nil {
		if err := o.provisionDatabase(ctx, rec, cfg.Database); err != nil {
			return nil, o.failCreate(ctx, rec, err)
		}
	}

	if err := o.deployServices(ctx, rec, cfg); err != nil {
		return nil, o.failCreate(ctx, rec, err)
	}

	rec.Status = preview.StatusRunning
	rec.UpdatedAt = o.clock.Now().UTC()
	rec.LastAccessedAt = rec.UpdatedAt
	if err := o.store.SavePreview(ctx, rec); err != nil {
		return nil, o.failCreate(ctx, rec, err)
	}

	metrics.CreatesTotal.WithLabelValues("success").Inc()
	o.appendEvent(ctx, id, preview.EventSystem, "Preview is running", nil)
	o.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPreviewCreated,
		PreviewID: id,
		OwnerID:   ownerID,
		Repo:      rec.RepoOwner + "/" + rec.RepoName,
		CommitSha: rec.CommitSha,
		URLs:      rec.URLs,
		Timestamp: o.clock.Now(),
	})
	return rec, nil
}

// Update redeploys an existing preview with a new config. The database,
// if any, is kept; containers are replaced.
func (o *Orchestrator) Update(ctx context.Context, previewID string, cfg *preview.Config) (*preview.Preview, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o.locks.Lock(previewID)
	defer o.locks.Unlock(previewID)

	rec, err := o.store.GetPreview(ctx, previewID)
	if err != nil {
		return nil, err
	}
	if rec.Status == preview.StatusDestroyed {
		return nil, fmt.Errorf("preview %s: %w", previewID, preview.ErrNotFound)
	}
	return o.updateLocked(ctx, rec, cfg)
}

// updateLocked runs the update transition. The caller holds the id lock.
func (o *Orchestrator) updateLocked(ctx context.Context, rec *preview.Preview, cfg *preview.Config) (*preview.Preview, error) {
	id := rec.PreviewID

	rec.Status = preview.StatusUpdating
	rec.CommitSha = cfg.CommitSha
	if cfg.Branch != "" {
		rec.Branch = cfg.Branch
	}
	if cfg.Password != "" {
		rec.Password = cfg.Password
	}
	rec.Env = cfg.Env
	rec.UpdatedAt = o.clock.Now().UTC()
	if err := o.store.SavePreview(ctx, rec); err != nil {
		return nil, err
	}

	o.appendEvent(ctx, id, preview.EventSystem, "Starting preview update", map[string]string{"commit": cfg.CommitSha})
	o.log.Info("updating preview", "preview", id, "commit", cfg.CommitSha)

	// Old containers go away best-effort; the orphan sweep catches leftovers.
	o.removeContainers(ctx, rec)

	if err := o.deployServices(ctx, rec, cfg); err != nil {
		metrics.UpdatesTotal.WithLabelValues("failed").Inc()
		o.appendEvent(ctx, id, preview.EventSystem, "Preview update failed: "+err.Error(), nil)
		o.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventPreviewFailed,
			PreviewID: id,
			OwnerID:   rec.OwnerID,
			Repo:      rec.RepoOwner + "/" + rec.RepoName,
			Error:     err.Error(),
			Timestamp: o.clock.Now(),
		})
		// The record stays in UPDATING so a later update can retry.
		return nil, err
	}

	rec.Status = preview.StatusRunning
	rec.UpdatedAt = o.clock.Now().UTC()
	rec.LastAccessedAt = rec.UpdatedAt
	if err := o.store.SavePreview(ctx, rec); err != nil {
		return nil, err
	}

	metrics.UpdatesTotal.WithLabelValues("success").Inc()
	o.appendEvent(ctx, id, preview.EventSystem, "Preview updated", map[string]string{"commit": rec.CommitSha})
	o.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPreviewUpdated,
		PreviewID: id,
		OwnerID:   rec.OwnerID,
		Repo:      rec.RepoOwner + "/" + rec.RepoName,
		CommitSha: rec.CommitSha,
		URLs:      rec.URLs,
		Timestamp: o.clock.Now(),
	})
	return rec, nil
}

// Destroy tears a preview down. The identifier is a preview id or a bare
// pull-request number. Destroying an unknown preview succeeds.
func (o *Orchestrator) Destroy(ctx context.Context, identifier string) error {
	id := eventlog.Resolve(identifier)

	o.locks.Lock(id)
	defer o.locks.Unlock(id)

	rec, err := o.store.GetPreview(ctx, id)
	if errors.Is(err, preview.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == preview.StatusDestroyed {
		return nil
	}

	rec.Status = preview.StatusDestroying
	rec.UpdatedAt = o.clock.Now().UTC()
	if err := o.store.SavePreview(ctx, rec); err != nil {
		return err
	}
	o.appendEvent(ctx, id, preview.EventSystem, "Starting preview destruction", nil)
	o.log.Info("destroying preview", "preview", id)

	o.removeContainers(ctx, rec)

	if rec.Database != nil {
		if err := o.destroyDatabase(ctx, rec); err != nil {
			metrics.DestroysTotal.WithLabelValues("failed").Inc()
			o.appendEvent(ctx, id, preview.EventSystem, "Preview destruction failed: "+err.Error(), nil)
			// The record stays in DESTROYING; the reconciler retries.
			return err
		}
	}

	for _, svc := range rec.Services {
		if svc.ImageTag == "" {
			continue
		}
		if err := o.docker.RemoveImage(ctx, svc.ImageTag); err != nil {
			o.log.Warn("image removal failed", "preview", id, "image", svc.ImageTag, "error", err)
		}
	}

	for i := range rec.Services {
		rec.Services[i].Status = preview.ServiceStopped
		rec.Services[i].ContainerID = ""
	}
	rec.Status = preview.StatusDestroyed
	rec.URLs = map[string]string{}
	rec.UpdatedAt = o.clock.Now().UTC()
	if err := o.store.SavePreview(ctx, rec); err != nil {
		return err
	}

	metrics.DestroysTotal.WithLabelValues("success").Inc()
	o.appendEvent(ctx, id, preview.EventSystem, "Preview destroyed", nil)
	o.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPreviewDestroyed,
		PreviewID: id,
		OwnerID:   rec.OwnerID,
		Repo:      rec.RepoOwner + "/" + rec.RepoName,
		Timestamp: o.clock.Now(),
	})
	return nil
}

// Touch refreshes a preview's lastAccessedAt so the idle eviction clock
// restarts. Unknown ids are ignored.
func (o *Orchestrator) Touch(ctx context.Context, previewID string) {
	o.locks.Lock(previewID)
	defer o.locks.Unlock(previewID)

	rec, err := o.store.GetPreview(ctx, previewID)
	if err != nil || !rec.Status.Active() {
		return
	}
	rec.LastAccessedAt = o.clock.Now().UTC()
	if err := o.store.SavePreview(ctx, rec); err != nil {
		o.log.Warn("failed to touch preview", "preview", previewID, "error", err)
	}
}

// provisionDatabase creates and migrates the preview's database and
// persists the DatabaseInfo on the record.
func (o *Orchestrator) provisionDatabase(ctx context.Context, rec *preview.Preview, dbCfg *preview.DatabaseConfig) error {
	prov, err := o.provisioners.For(dbCfg.Engine)
	if err != nil {
		return err
	}
	dbName := naming.DatabaseName(rec.PreviewID)

	o.appendEvent(ctx, rec.PreviewID, preview.EventDatabase, "Provisioning "+string(dbCfg.Engine)+" database "+dbName, nil)
	connStr, err := prov.CreateDatabase(ctx, rec.PreviewID, dbName)
	if err != nil {
		return fmt.Errorf("provision database: %w", err)
	}
	metrics.ProvisionOps.WithLabelValues(string(dbCfg.Engine), "create").Inc()

	if dbCfg.Migrations != "" {
		o.appendEvent(ctx, rec.PreviewID, preview.EventDatabase, "Running migrations from "+dbCfg.Migrations, nil)
		if err := prov.RunMigrations(ctx, connStr, dbCfg.Migrations); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		metrics.ProvisionOps.WithLabelValues(string(dbCfg.Engine), "migrate").Inc()
	}

	rec.Database = &preview.DatabaseInfo{
		Engine:           dbCfg.Engine,
		Name:             dbName,
		ConnectionString: connStr,
	}
	if err := o.store.SavePreview(ctx, rec); err != nil {
		return err
	}
	o.appendEvent(ctx, rec.PreviewID, preview.EventDatabase, "Database ready", nil)
	return nil
}

func (o *Orchestrator) destroyDatabase(ctx context.Context, rec *preview.Preview) error {
	prov, err := o.provisioners.For(rec.Database.Engine)
	if err != nil {
		return err
	}
	if err := prov.DestroyDatabase(ctx, rec.PreviewID, rec.Database.Name); err != nil {
		return fmt.Errorf("destroy database: %w", err)
	}
	metrics.ProvisionOps.WithLabelValues(string(rec.Database.Engine), "destroy").Inc()
	o.appendEvent(ctx, rec.PreviewID, preview.EventDatabase, "Database "+rec.Database.Name+" dropped", nil)
	return nil
}

// deployServices pulls every image concurrently, then creates and starts
// one container per service in sorted name order. It rebuilds the
// record's Services and URLs from scratch and persists after each
// started service.
func (o *Orchestrator) deployServices(ctx context.Context, rec *preview.Preview, cfg *preview.Config) error {
	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := o.pullImages(ctx, rec.PreviewID, names, cfg.Services); err != nil {
		return err
	}

	// URLs are known before any container exists, so magic variables can
	// reference services that start later.
	urls := make(map[string]string, len(names))
	for _, name := range names {
		urls[name] = o.edge.ExternalURL(rec.PreviewID, rec.RepoOwner, name)
	}

	databaseURL := ""
	if rec.Database != nil {
		databaseURL = rec.Database.ConnectionString
	}

	rec.Services = rec.Services[:0]
	rec.URLs = map[string]string{}

	for _, name := range names {
		svcCfg := cfg.Services[name]
		port := svcCfg.Port
		if port == 0 {
			port = preview.DefaultServicePort
		}

		env := mergeEnv(cfg.Env, databaseURL, svcCfg.Env)
		resolved := preview.ResolveEnv(env, urls, databaseURL)

		labels, err := o.edge.Labels(rec.PreviewID, rec.RepoOwner, name, port, rec.Password)
		if err != nil {
			return fmt.Errorf("labels for %s: %w", name, err)
		}

		containerName := naming.ContainerName(rec.PreviewID, name)
		containerID, err := o.docker.CreateContainer(ctx, docker.ContainerSpec{
			Name:    containerName,
			Image:   svcCfg.ImageTag,
			Env:     envSlice(resolved),
			Labels:  labels,
			Port:    port,
			Network: o.edgeNetwork,
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if err := o.docker.StartContainer(ctx, containerID); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}

		rec.Services = append(rec.Services, preview.ServiceInstance{
			Name:        name,
			ContainerID: containerID,
			ImageTag:    svcCfg.ImageTag,
			Port:        port,
			URL:         urls[name],
			Status:      preview.ServiceRunning,
		})
		rec.URLs[name] = urls[name]
		if err := o.store.SavePreview(ctx, rec); err != nil {
			return err
		}

		o.appendEvent(ctx, rec.PreviewID, preview.EventDeploy, "Service "+name+" started", map[string]string{
			"image": svcCfg.ImageTag,
			"url":   urls[name],
		})
	}
	return nil
}

// pullImages pulls every service image concurrently and waits for all of
// them, reporting the first failure.
func (o *Orchestrator) pullImages(ctx context.Context, previewID string, names []string, services map[string]preview.ServiceConfig) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, name := range names {
		wg.Add(1)
		go func(name, image string) {
			defer wg.Done()

			start := time.Now()
			o.appendEvent(ctx, previewID, preview.EventBuild, "Pulling "+image, map[string]string{"service": name})
			err := o.docker.PullImage(ctx, image, func(line string) {
				o.appendEvent(ctx, previewID, preview.EventBuild, name+": "+line, nil)
			})
			metrics.PullDuration.Observe(time.Since(start).Seconds())

			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("pull %s for %s: %w", image, name, err)
				}
				mu.Unlock()
			}
		}(name, services[name].ImageTag)
	}
	wg.Wait()
	return firstErr
}

// removeContainers stops and removes every recorded container.
// Per-container failures are logged, never fatal.
func (o *Orchestrator) removeContainers(ctx context.Context, rec *preview.Preview) {
	for _, svc := range rec.Services {
		if svc.ContainerID == "" {
			continue
		}
		if err := o.docker.StopContainer(ctx, svc.ContainerID, stopGraceSeconds); err != nil {
			o.log.Warn("stop failed", "preview", rec.PreviewID, "service", svc.Name, "error", err)
		}
		if err := o.docker.RemoveContainer(ctx, svc.ContainerID); err != nil {
			o.log.Warn("remove failed", "preview", rec.PreviewID, "service", svc.Name, "error", err)
			continue
		}
		o.appendEvent(ctx, rec.PreviewID, preview.EventContainer, "Container for "+svc.Name+" removed", nil)
	}
}

// failCreate flips the record to FAILED and reports the error. Partial
// resources are left for the reconciler's orphan sweep.
func (o *Orchestrator) failCreate(ctx context.Context, rec *preview.Preview, cause error) error {
	rec.Status = preview.StatusFailed
	rec.UpdatedAt = o.clock.Now().UTC()
	if err := o.store.SavePreview(ctx, rec); err != nil {
		o.log.Error("failed to persist FAILED status", "preview", rec.PreviewID, "error", err)
	}

	metrics.CreatesTotal.WithLabelValues("failed").Inc()
	o.appendEvent(ctx, rec.PreviewID, preview.EventSystem, "Preview creation failed: "+cause.Error(), nil)
	o.notifier.Notify(ctx, notify.Event{
		Type:      notify.EventPreviewFailed,
		PreviewID: rec.PreviewID,
		OwnerID:   rec.OwnerID,
		Repo:      rec.RepoOwner + "/" + rec.RepoName,
		Error:     cause.Error(),
		Timestamp: o.clock.Now(),
	})
	o.log.Error("preview creation failed", "preview", rec.PreviewID, "error", cause)
	return cause
}

// appendEvent writes a lifecycle event, logging instead of failing when
// the log rejects it.
func (o *Orchestrator) appendEvent(ctx context.Context, previewID string, eventType preview.EventType, message string, metadata map[string]string) {
	if err := o.events.Append(ctx, previewID, eventType, message, metadata); err != nil {
		o.log.Warn("event append failed", "preview", previewID, "type", string(eventType), "error", err)
	}
}

// mergeEnv layers base env, DATABASE_URL, and service env; later layers
// win.
func mergeEnv(base map[string]string, databaseURL string, svc map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(svc)+1)
	for k, v := range base {
		env[k] = v
	}
	if databaseURL != "" {
		env["DATABASE_URL"] = databaseURL
	}
	for k, v := range svc {
		env[k] = v
	}
	return env
}

// envSlice renders an env map as sorted KEY=VALUE pairs.
func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
