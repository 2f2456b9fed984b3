// Package apps reconciles the desired configuration of plugin apps with the
// actual state of their containers.
package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"gorm.io/gorm"

	"github.com/volthub/volthub/internal/db"
	"github.com/volthub/volthub/internal/docker"
	"github.com/volthub/volthub/internal/fault"
)

const (
	// Resource caps applied to every app container.
	appMemoryLimit = 512 * 1024 * 1024
	appCPULimit    = 1_000_000_000 // one CPU in NanoCPUs

	stopGrace     = 10 * time.Second
	healthTimeout = 5 * time.Second
)

// BackendInfo exposes the live backend configuration detail injected into
// app environments.
type BackendInfo interface {
	IsExternal() bool
}

// Manager maps an app's desired configuration to container runtime calls.
// Lifecycle operations for the same container name are serialized; different
// apps proceed fully in parallel.
type Manager struct {
	db      *gorm.DB
	runtime docker.Runtime
	backend BackendInfo
	baseURL string // dashboard base URL injected into apps
	network string // shared app network

	httpClient *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a new lifecycle manager.
func NewManager(gormDB *gorm.DB, runtime docker.Runtime, backend BackendInfo, baseURL, network string) *Manager {
	return &Manager{
		db:         gormDB,
		runtime:    runtime,
		backend:    backend,
		baseURL:    baseURL,
		network:    network,
		httpClient: &http.Client{Timeout: healthTimeout},
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// PullImage resolves and pulls the image for an app source. Source kinds
// other than registry images are rejected up front rather than partially
// acted on.
func (m *Manager) PullImage(ctx context.Context, app *db.App, onProgress func(line string)) (string, error) {
	if app.SourceType != "docker" {
		return "", fault.NotImplementedf("source type %q is not supported", app.SourceType)
	}
	ref := app.SourceURL
	if app.Version != "" {
		ref += ":" + app.Version
	} else {
		ref += ":latest"
	}
	if err := m.runtime.Pull(ctx, ref, onProgress); err != nil {
		return "", fmt.Errorf("pulling image for app '%s': %w", app.Slug, err)
	}
	return ref, nil
}

// StartApp brings the app container to the running state. Idempotent: a
// running container is a no-op, a stopped one is started in place, an absent
// one is created and started.
func (m *Manager) StartApp(ctx context.Context, app *db.App) error {
	if app.ContainerName == "" {
		return fault.Validationf("app '%s' has no container name", app.Slug)
	}
	l := m.lockFor(app.ContainerName)
	l.Lock()
	defer l.Unlock()
	return m.startLocked(ctx, app)
}

func (m *Manager) startLocked(ctx context.Context, app *db.App) error {
	details, err := m.runtime.Inspect(ctx, app.ContainerName)
	switch {
	case err == nil && details.Running:
		return nil
	case err == nil:
		if err := m.runtime.Start(ctx, app.ContainerName); err != nil {
			return fmt.Errorf("starting container '%s': %w", app.ContainerName, err)
		}
		return nil
	case !cerrdefs.IsNotFound(err):
		return fmt.Errorf("inspecting container '%s': %w", app.ContainerName, err)
	}

	image := app.SourceURL
	if app.Version != "" {
		image += ":" + app.Version
	} else {
		image += ":latest"
	}
	spec := docker.CreateSpec{
		Name:         app.ContainerName,
		Image:        image,
		Env:          m.BuildEnv(app),
		Network:      m.network,
		InternalPort: app.InternalPort,
		MemoryBytes:  appMemoryLimit,
		NanoCPUs:     appCPULimit,
	}
	if _, err := m.runtime.Create(ctx, spec); err != nil {
		return fmt.Errorf("creating container '%s': %w", app.ContainerName, err)
	}
	if err := m.runtime.Start(ctx, app.ContainerName); err != nil {
		return fmt.Errorf("starting container '%s': %w", app.ContainerName, err)
	}
	return nil
}

// StopApp stops the app container. A stopped or absent container is a
// success, not an error.
func (m *Manager) StopApp(ctx context.Context, app *db.App) error {
	if app.ContainerName == "" {
		return nil
	}
	l := m.lockFor(app.ContainerName)
	l.Lock()
	defer l.Unlock()
	return m.stopLocked(ctx, app.ContainerName)
}

func (m *Manager) stopLocked(ctx context.Context, name string) error {
	details, err := m.runtime.Inspect(ctx, name)
	if cerrdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting container '%s': %w", name, err)
	}
	if !details.Running {
		return nil
	}
	if err := m.runtime.Stop(ctx, name, stopGrace); err != nil {
		return fmt.Errorf("stopping container '%s': %w", name, err)
	}
	return nil
}

// RemoveContainer removes the named container. Removing an absent container
// is a success.
func (m *Manager) RemoveContainer(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	l := m.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return m.removeLocked(ctx, name)
}

func (m *Manager) removeLocked(ctx context.Context, name string) error {
	err := m.runtime.Remove(ctx, name, true)
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container '%s': %w", name, err)
	}
	return nil
}

// RestartApp recreates the app container. Running containers cannot be
// reconfigured in place, so this is stop, remove, recreate. Updated env and
// image take effect on the way back up.
func (m *Manager) RestartApp(ctx context.Context, app *db.App) error {
	if app.ContainerName == "" {
		return fault.Validationf("app '%s' has no container name", app.Slug)
	}
	l := m.lockFor(app.ContainerName)
	l.Lock()
	defer l.Unlock()

	if err := m.stopLocked(ctx, app.ContainerName); err != nil {
		return err
	}
	if err := m.removeLocked(ctx, app.ContainerName); err != nil {
		return err
	}
	return m.startLocked(ctx, app)
}

// BuildEnv builds the environment injected into an app container, in order:
// fixed infra variables, best-effort cached node identity, the backend
// externality flag, then user-defined variables. Docker applies the last
// occurrence of a duplicated key, so a user variable that collides with an
// infra key wins.
func (m *Manager) BuildEnv(app *db.App) []string {
	env := []string{
		"VOLTHUB_URL=" + m.baseURL,
		"APP_API_KEY=" + app.APIKey,
		"APP_WEBHOOK_SECRET=" + app.WebhookSecret,
	}

	var info db.NodeInfo
	if err := m.db.First(&info).Error; err != nil {
		log.Printf("[INFO] Node identity cache unavailable, starting '%s' without it: %v", app.Slug, err)
	} else {
		env = append(env, "NODE_ID="+info.NodeID, "NODE_CHAIN="+info.Chain)
	}

	env = append(env, "NODE_IS_EXTERNAL="+strconv.FormatBool(m.backend.IsExternal()))

	if app.EnvVars != "" {
		var user map[string]string
		if err := json.Unmarshal([]byte(app.EnvVars), &user); err != nil {
			log.Printf("[ERROR] Ignoring malformed env vars for app '%s': %v", app.Slug, err)
		} else {
			keys := make([]string, 0, len(user))
			for k := range user {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				env = append(env, k+"="+user[k])
			}
		}
	}
	return env
}

// InternalURL returns the host:port another container on the shared network
// uses to reach the app. An app without a container name is a programming
// error, not a soft default.
func (m *Manager) InternalURL(app *db.App) (string, error) {
	if app.ContainerName == "" {
		return "", fault.Validationf("app '%s' has no container name", app.Slug)
	}
	return fmt.Sprintf("%s:%d", app.ContainerName, app.InternalPort), nil
}

// ContainerStatus maps the runtime's view of a container onto the cached
// status and health enums. It never returns an error: anything other than a
// clean inspect or a clean NotFound is reported as error/unhealthy so batch
// callers keep going.
func (m *Manager) ContainerStatus(ctx context.Context, name string) (string, string) {
	details, err := m.runtime.Inspect(ctx, name)
	if cerrdefs.IsNotFound(err) {
		return db.ContainerStatusNotFound, db.HealthStatusUnknown
	}
	if err != nil {
		log.Printf("[ERROR] Inspecting container '%s': %v", name, err)
		return db.ContainerStatusError, db.HealthStatusUnhealthy
	}

	if details.Running {
		switch details.Health {
		case "healthy":
			return db.ContainerStatusRunning, db.HealthStatusHealthy
		case "unhealthy":
			return db.ContainerStatusRunning, db.HealthStatusUnhealthy
		default:
			return db.ContainerStatusRunning, db.HealthStatusUnknown
		}
	}
	switch details.Status {
	case "exited", "created", "paused":
		return db.ContainerStatusStopped, db.HealthStatusUnknown
	default:
		return db.ContainerStatusError, db.HealthStatusUnhealthy
	}
}

// HealthCheck probes the app's own /health endpoint with a bounded timeout.
// It never returns an error: unknown when the check is not applicable,
// unhealthy on any failure.
func (m *Manager) HealthCheck(ctx context.Context, app *db.App) string {
	if app.ContainerStatus != db.ContainerStatusRunning || app.ContainerName == "" {
		return db.HealthStatusUnknown
	}
	internalURL, err := m.InternalURL(app)
	if err != nil {
		return db.HealthStatusUnknown
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+internalURL+"/health", nil)
	if err != nil {
		return db.HealthStatusUnhealthy
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return db.HealthStatusUnhealthy
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return db.HealthStatusHealthy
	}
	return db.HealthStatusUnhealthy
}

// SyncContainerStatuses refreshes the cached container status of every app.
// Per-app failures are mapped inside ContainerStatus and never abort the
// sweep.
func (m *Manager) SyncContainerStatuses(ctx context.Context) {
	var all []db.App
	if err := m.db.Find(&all).Error; err != nil {
		log.Printf("[ERROR] Listing apps for status sync: %v", err)
		return
	}
	for i := range all {
		app := &all[i]
		if app.ContainerName == "" {
			continue
		}
		status, _ := m.ContainerStatus(ctx, app.ContainerName)
		if status == app.ContainerStatus {
			continue
		}
		if err := m.db.Model(app).Update("container_status", status).Error; err != nil {
			log.Printf("[ERROR] Persisting container status for app '%s': %v", app.Slug, err)
		}
	}
}

// UpdateAllHealthStatuses probes every app whose cached status is running
// and persists the result. Each app's check is isolated; one failing app
// cannot block or fail the sweep for the rest.
func (m *Manager) UpdateAllHealthStatuses(ctx context.Context) {
	var running []db.App
	if err := m.db.Where("container_status = ?", db.ContainerStatusRunning).Find(&running).Error; err != nil {
		log.Printf("[ERROR] Listing running apps for health sweep: %v", err)
		return
	}
	for i := range running {
		app := &running[i]
		status := m.HealthCheck(ctx, app)
		now := time.Now()
		err := m.db.Model(app).Updates(map[string]any{
			"health_status":     status,
			"last_health_check": now,
		}).Error
		if err != nil {
			log.Printf("[ERROR] Persisting health status for app '%s': %v", app.Slug, err)
		}
	}
}
