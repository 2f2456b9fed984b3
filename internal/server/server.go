// Package server exposes the administrative HTTP API. Handlers are thin
// wrappers over the lifecycle, webhook, and connection managers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/volthub/volthub/internal/apps"
	"github.com/volthub/volthub/internal/backend"
	"github.com/volthub/volthub/internal/db"
	"github.com/volthub/volthub/internal/docker"
	"github.com/volthub/volthub/internal/fault"
	"github.com/volthub/volthub/internal/spec"
	"github.com/volthub/volthub/internal/webhook"
)

// Pinger reports whether the container runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the admin API routes to the control-plane managers.
type Server struct {
	db       *gorm.DB
	apps     *apps.Manager
	webhooks *webhook.Dispatcher
	backends *backend.Manager
	runtime  docker.Runtime
	pinger   Pinger
}

// New creates the admin API server.
func New(gormDB *gorm.DB, appManager *apps.Manager, dispatcher *webhook.Dispatcher,
	connManager *backend.Manager, runtime docker.Runtime, pinger Pinger) *Server {
	return &Server{
		db:       gormDB,
		apps:     appManager,
		webhooks: dispatcher,
		backends: connManager,
		runtime:  runtime,
		pinger:   pinger,
	}
}

// Router builds the chi router for the admin API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	})
	r.Get("/system/docker", s.dockerStatus)
	r.Get("/system/containers", s.listContainers)

	r.Route("/apps", func(r chi.Router) {
		r.Get("/", s.listApps)
		r.Post("/", s.installApp)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.uninstallApp)
			r.Post("/start", s.startApp)
			r.Post("/stop", s.stopApp)
			r.Post("/restart", s.restartApp)
			r.Get("/logs", s.appLogs)
			r.Post("/exec", s.execInApp)
			r.Get("/webhooks/stats", s.webhookStats)
			r.Post("/webhooks/test", s.testWebhook)
		})
	})

	r.Route("/connections", func(r chi.Router) {
		r.Get("/", s.listConnections)
		r.Post("/", s.createConnection)
		r.Post("/test", s.testConnection)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.updateConnection)
			r.Delete("/", s.deleteConnection)
			r.Post("/activate", s.activateConnection)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case fault.IsValidation(err):
		status = http.StatusBadRequest
	case fault.IsNotFound(err) || cerrdefs.IsNotFound(err):
		status = http.StatusNotFound
	case fault.IsNotImplemented(err):
		status = http.StatusNotImplemented
	case fault.IsUpstream(err):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) dockerStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.pinger.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"available": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"available": true})
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.runtime.List(r.Context(), true)
	if err != nil {
		writeError(w, fmt.Errorf("listing containers: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) loadApp(r *http.Request) (*db.App, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return nil, fault.Validationf("invalid app id")
	}
	var app db.App
	if err := s.db.First(&app, uint(id)).Error; err != nil {
		return nil, fault.NotFoundf("app %d", id)
	}
	return &app, nil
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	var all []db.App
	if err := s.db.Order("id").Find(&all).Error; err != nil {
		writeError(w, fmt.Errorf("listing apps: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, all)
}

func (s *Server) installApp(w http.ResponseWriter, r *http.Request) {
	var in spec.AppInstallSpec
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fault.Validationf("invalid request body: %v", err))
		return
	}
	if in.Name == "" || in.Slug == "" || in.SourceURL == "" || in.InternalPort <= 0 {
		writeError(w, fault.Validationf("name, slug, source_url and internal_port are required"))
		return
	}
	if in.SourceType == "" {
		in.SourceType = "docker"
	}
	var existing int64
	s.db.Model(&db.App{}).Where("slug = ?", in.Slug).Count(&existing)
	if existing > 0 {
		writeError(w, fault.Validationf("an app with slug '%s' already exists", in.Slug))
		return
	}

	app := &db.App{
		AppID:           uuid.NewString(),
		Name:            in.Name,
		Slug:            in.Slug,
		ContainerName:   "volthub-app-" + in.Slug,
		SourceType:      in.SourceType,
		SourceURL:       in.SourceURL,
		Version:         in.Version,
		InternalPort:    in.InternalPort,
		WebhookPath:     in.WebhookPath,
		WebhookSecret:   uuid.NewString(),
		APIKey:          uuid.NewString(),
		IsEnabled:       true,
		ContainerStatus: db.ContainerStatusNotFound,
		HealthStatus:    db.HealthStatusUnknown,
	}
	app.WebhookEvents = marshalList(in.WebhookEvents)
	app.APIPermissions = marshalList(in.APIPermissions)
	if len(in.Env) > 0 {
		raw, err := json.Marshal(in.Env)
		if err != nil {
			writeError(w, fault.Validationf("invalid env map: %v", err))
			return
		}
		app.EnvVars = string(raw)
	}

	if err := s.db.Create(app).Error; err != nil {
		writeError(w, fmt.Errorf("saving app: %w", err))
		return
	}

	if _, err := s.apps.PullImage(r.Context(), app, func(line string) {
		log.Printf("[INFO] Pulling image for '%s': %s", app.Slug, line)
	}); err != nil {
		s.db.Model(app).Update("container_status", db.ContainerStatusError)
		writeError(w, err)
		return
	}
	if err := s.apps.StartApp(r.Context(), app); err != nil {
		s.db.Model(app).Update("container_status", db.ContainerStatusError)
		writeError(w, err)
		return
	}
	s.refreshStatus(r.Context(), app)

	log.Printf("[INFO] Installed app '%s' (ID: %d)", app.Slug, app.ID)
	respondJSON(w, http.StatusCreated, app)
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	raw, _ := json.Marshal(list)
	return string(raw)
}

// refreshStatus re-reads the container state after a lifecycle operation and
// persists it on the app record.
func (s *Server) refreshStatus(ctx context.Context, app *db.App) {
	status, health := s.apps.ContainerStatus(ctx, app.ContainerName)
	app.ContainerStatus = status
	app.HealthStatus = health
	err := s.db.Model(app).Updates(map[string]any{
		"container_status": status,
		"health_status":    health,
	}).Error
	if err != nil {
		log.Printf("[ERROR] Persisting status for app '%s': %v", app.Slug, err)
	}
}

func (s *Server) uninstallApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Container removal is a prerequisite for deleting the record. The
	// webhook logs stay behind for audit.
	if err := s.apps.RemoveContainer(r.Context(), app.ContainerName); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.Unscoped().Delete(app).Error; err != nil {
		writeError(w, fmt.Errorf("deleting app: %w", err))
		return
	}
	log.Printf("[INFO] Uninstalled app '%s'", app.Slug)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.apps.StartApp(r.Context(), app); err != nil {
		writeError(w, err)
		return
	}
	s.refreshStatus(r.Context(), app)
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) stopApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.apps.StopApp(r.Context(), app); err != nil {
		writeError(w, err)
		return
	}
	s.refreshStatus(r.Context(), app)
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) restartApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.apps.RestartApp(r.Context(), app); err != nil {
		writeError(w, err)
		return
	}
	s.refreshStatus(r.Context(), app)
	respondJSON(w, http.StatusOK, app)
}

func (s *Server) appLogs(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tail := 100
	if q := r.URL.Query().Get("tail"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			tail = n
		}
	}
	reader, err := s.runtime.Logs(r.Context(), app.ContainerName, tail, false)
	if err != nil {
		writeError(w, err)
		return
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, fmt.Errorf("reading logs for '%s': %w", app.Slug, err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(docker.Demux(raw)))
}

func (s *Server) execInApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in spec.ExecSpec
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fault.Validationf("invalid request body: %v", err))
		return
	}
	if len(in.Cmd) == 0 {
		writeError(w, fault.Validationf("cmd is required"))
		return
	}
	output, err := s.runtime.Exec(r.Context(), app.ContainerName, in.Cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"output": output})
}

func (s *Server) webhookStats(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.webhooks.GetStats(app.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	app, err := s.loadApp(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.webhooks.TestWebhook(r.Context(), app.ID); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "test webhook delivered"})
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.backends.List()
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conns)
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	var in spec.ConnectionSpec
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fault.Validationf("invalid request body: %v", err))
		return
	}
	conn, err := s.backends.Create(r.Context(), in.Name, in.URL, in.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conn)
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	var in spec.ConnectionSpec
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fault.Validationf("invalid request body: %v", err))
		return
	}
	identity, err := s.backends.Test(r.Context(), in.URL, in.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

func (s *Server) connectionID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fault.Validationf("invalid connection id")
	}
	return uint(id), nil
}

func (s *Server) updateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := s.connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in spec.ConnectionUpdateSpec
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fault.Validationf("invalid request body: %v", err))
		return
	}
	conn, err := s.backends.Update(r.Context(), id, backend.UpdateParams{
		Name:     in.Name,
		URL:      in.URL,
		Password: in.Password,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conn)
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := s.connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.backends.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateConnection(w http.ResponseWriter, r *http.Request) {
	id, err := s.connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.backends.Activate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conn)
}
