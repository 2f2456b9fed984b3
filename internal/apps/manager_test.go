package apps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"gorm.io/gorm"

	"github.com/volthub/volthub/internal/db"
	"github.com/volthub/volthub/internal/docker"
	"github.com/volthub/volthub/internal/fault"
)

// fakeRuntime is an in-memory stand-in for the Docker daemon.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	inspectErr map[string]error
	calls      []string
	lastSpec   docker.CreateSpec
}

type fakeContainer struct {
	running bool
	status  string
	health  string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		inspectErr: make(map[string]error),
	}
}

func (f *fakeRuntime) record(op, name string) {
	f.calls = append(f.calls, op+" "+name)
}

func (f *fakeRuntime) countCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) List(ctx context.Context, all bool) ([]docker.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.Summary
	for name, c := range f.containers {
		out = append(out, docker.Summary{ID: name, Name: name, State: c.status})
	}
	return out, nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, name string) (docker.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.inspectErr[name]; ok {
		return docker.Details{}, err
	}
	c, ok := f.containers[name]
	if !ok {
		return docker.Details{}, fmt.Errorf("no such container '%s': %w", name, cerrdefs.ErrNotFound)
	}
	return docker.Details{ID: name, Name: name, Running: c.running, Status: c.status, Health: c.health}, nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec docker.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", spec.Name)
	f.lastSpec = spec
	f.containers[spec.Name] = &fakeContainer{status: "created"}
	return spec.Name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", name)
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("no such container '%s': %w", name, cerrdefs.ErrNotFound)
	}
	c.running = true
	c.status = "running"
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", name)
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("no such container '%s': %w", name, cerrdefs.ErrNotFound)
	}
	c.running = false
	c.status = "exited"
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", name)
	if _, ok := f.containers[name]; !ok {
		return fmt.Errorf("no such container '%s': %w", name, cerrdefs.ErrNotFound)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeRuntime) Pull(ctx context.Context, image string, onProgress func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull", image)
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, name string, tail int, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeRuntime) Exec(ctx context.Context, name string, cmd []string) (string, error) {
	return "", nil
}

type stubBackend struct {
	external bool
}

func (s stubBackend) IsExternal() bool { return s.external }

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	gormDB, err := db.NewDatabase(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return gormDB
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime) {
	t.Helper()
	fake := newFakeRuntime()
	m := NewManager(testDB(t), fake, stubBackend{}, "http://volthub.local", "volthub-apps")
	return m, fake
}

func testApp() *db.App {
	return &db.App{
		AppID:         "7f3c9c6e-2c55-4b1f-9d28-15a1d6cb8c01",
		Name:          "Donations",
		Slug:          "donations",
		ContainerName: "volthub-app-donations",
		SourceType:    "docker",
		SourceURL:     "ghcr.io/volthub/donations",
		Version:       "1.2.0",
		InternalPort:  3000,
		APIKey:        "key-123",
		WebhookSecret: "secret-456",
		IsEnabled:     true,
	}
}

func TestStartAppAlreadyRunningIsNoOp(t *testing.T) {
	m, fake := newTestManager(t)
	fake.containers["volthub-app-donations"] = &fakeContainer{running: true, status: "running"}

	if err := m.StartApp(context.Background(), testApp()); err != nil {
		t.Fatalf("StartApp on running app failed: %v", err)
	}
	if n := len(fake.calls); n != 0 {
		t.Errorf("Expected zero container mutations, got %d: %v", n, fake.calls)
	}
}

func TestStartAppStoppedStartsInPlace(t *testing.T) {
	m, fake := newTestManager(t)
	fake.containers["volthub-app-donations"] = &fakeContainer{status: "exited"}

	if err := m.StartApp(context.Background(), testApp()); err != nil {
		t.Fatalf("StartApp on stopped app failed: %v", err)
	}
	if fake.countCalls("create") != 0 {
		t.Errorf("Expected no create for a stopped container, got calls: %v", fake.calls)
	}
	if fake.countCalls("start") != 1 {
		t.Errorf("Expected exactly one start, got calls: %v", fake.calls)
	}
}

func TestStartAppAbsentCreatesAndStarts(t *testing.T) {
	m, fake := newTestManager(t)
	app := testApp()

	if err := m.StartApp(context.Background(), app); err != nil {
		t.Fatalf("StartApp on absent app failed: %v", err)
	}
	if fake.countCalls("create") != 1 || fake.countCalls("start") != 1 {
		t.Fatalf("Expected one create and one start, got calls: %v", fake.calls)
	}

	spec := fake.lastSpec
	if spec.Name != "volthub-app-donations" {
		t.Errorf("Expected deterministic container name, got %q", spec.Name)
	}
	if spec.Image != "ghcr.io/volthub/donations:1.2.0" {
		t.Errorf("Expected resolved image reference, got %q", spec.Image)
	}
	if spec.Network != "volthub-apps" {
		t.Errorf("Expected shared app network, got %q", spec.Network)
	}
	if spec.MemoryBytes == 0 || spec.NanoCPUs == 0 {
		t.Errorf("Expected resource caps to be set, got %+v", spec)
	}
}

func TestStartAppWithoutContainerName(t *testing.T) {
	m, _ := newTestManager(t)
	app := testApp()
	app.ContainerName = ""

	err := m.StartApp(context.Background(), app)
	if !fault.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestStopAppAlreadyStoppedIsNoOp(t *testing.T) {
	m, fake := newTestManager(t)
	fake.containers["volthub-app-donations"] = &fakeContainer{status: "exited"}

	if err := m.StopApp(context.Background(), testApp()); err != nil {
		t.Fatalf("StopApp on stopped app failed: %v", err)
	}
	if fake.countCalls("stop") != 0 {
		t.Errorf("Expected zero stop calls, got: %v", fake.calls)
	}
}

func TestStopAppAbsentIsNoOp(t *testing.T) {
	m, fake := newTestManager(t)
	if err := m.StopApp(context.Background(), testApp()); err != nil {
		t.Fatalf("StopApp on absent app failed: %v", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("Expected zero container mutations, got: %v", fake.calls)
	}
}

func TestRemoveContainerAbsentIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.RemoveContainer(context.Background(), "volthub-app-gone"); err != nil {
		t.Fatalf("RemoveContainer on absent container failed: %v", err)
	}
}

func TestRestartAppRecreatesContainer(t *testing.T) {
	m, fake := newTestManager(t)
	fake.containers["volthub-app-donations"] = &fakeContainer{running: true, status: "running"}

	if err := m.RestartApp(context.Background(), testApp()); err != nil {
		t.Fatalf("RestartApp failed: %v", err)
	}
	// stop -> remove -> create -> start so updated env and image take effect
	if fake.countCalls("stop") != 1 || fake.countCalls("remove") != 1 ||
		fake.countCalls("create") != 1 || fake.countCalls("start") != 1 {
		t.Errorf("Expected full recreate sequence, got: %v", fake.calls)
	}
}

func TestPullImageUnsupportedSource(t *testing.T) {
	m, fake := newTestManager(t)
	app := testApp()
	app.SourceType = "git"

	_, err := m.PullImage(context.Background(), app, nil)
	if !fault.IsNotImplemented(err) {
		t.Fatalf("Expected NotImplemented, got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("Expected no partial action for unsupported source, got: %v", fake.calls)
	}
}

func TestBuildEnvOrderAndOverride(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.db.Create(&db.NodeInfo{NodeID: "02abcdef", Chain: "bitcoin"}).Error; err != nil {
		t.Fatalf("Failed to seed node info: %v", err)
	}

	app := testApp()
	app.EnvVars = `{"CUSTOM_FLAG":"on","APP_API_KEY":"user-override"}`
	env := m.BuildEnv(app)

	want := []string{
		"VOLTHUB_URL=http://volthub.local",
		"APP_API_KEY=key-123",
		"APP_WEBHOOK_SECRET=secret-456",
		"NODE_ID=02abcdef",
		"NODE_CHAIN=bitcoin",
		"NODE_IS_EXTERNAL=false",
		"APP_API_KEY=user-override",
		"CUSTOM_FLAG=on",
	}
	if len(env) != len(want) {
		t.Fatalf("Expected %d env entries, got %d: %v", len(want), len(env), env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d]: expected %q, got %q", i, want[i], env[i])
		}
	}
	// The user's APP_API_KEY appears after the infra one; docker applies the
	// last occurrence, so the user value wins inside the container.
}

func TestBuildEnvWithoutNodeCache(t *testing.T) {
	m, _ := newTestManager(t)
	env := m.BuildEnv(testApp())

	for _, e := range env {
		if strings.HasPrefix(e, "NODE_ID=") || strings.HasPrefix(e, "NODE_CHAIN=") {
			t.Errorf("Expected node identity omitted without cache, got %q", e)
		}
	}
	if env[0] != "VOLTHUB_URL=http://volthub.local" {
		t.Errorf("Expected infra vars to survive a missing cache, got %v", env)
	}
}

func TestBuildEnvMalformedUserVars(t *testing.T) {
	m, _ := newTestManager(t)
	app := testApp()
	app.EnvVars = `{"broken":`

	env := m.BuildEnv(app)
	want := []string{
		"VOLTHUB_URL=http://volthub.local",
		"APP_API_KEY=key-123",
		"APP_WEBHOOK_SECRET=secret-456",
		"NODE_IS_EXTERNAL=false",
	}
	if len(env) != len(want) {
		t.Fatalf("Expected infra vars only for malformed user vars, got %v", env)
	}
}

func TestInternalURL(t *testing.T) {
	m, _ := newTestManager(t)

	url, err := m.InternalURL(testApp())
	if err != nil {
		t.Fatalf("InternalURL failed: %v", err)
	}
	if url != "volthub-app-donations:3000" {
		t.Errorf("Expected 'volthub-app-donations:3000', got %q", url)
	}

	app := testApp()
	app.ContainerName = ""
	if _, err := m.InternalURL(app); !fault.IsValidation(err) {
		t.Errorf("Expected validation error for missing container name, got %v", err)
	}
}

func TestContainerStatusMapping(t *testing.T) {
	m, fake := newTestManager(t)
	fake.containers["running"] = &fakeContainer{running: true, status: "running", health: "healthy"}
	fake.containers["sick"] = &fakeContainer{running: true, status: "running", health: "unhealthy"}
	fake.containers["stopped"] = &fakeContainer{status: "exited"}
	fake.containers["dead"] = &fakeContainer{status: "dead"}
	fake.inspectErr["broken"] = fmt.Errorf("daemon exploded")

	cases := []struct {
		name       string
		wantStatus string
		wantHealth string
	}{
		{"running", db.ContainerStatusRunning, db.HealthStatusHealthy},
		{"sick", db.ContainerStatusRunning, db.HealthStatusUnhealthy},
		{"stopped", db.ContainerStatusStopped, db.HealthStatusUnknown},
		{"dead", db.ContainerStatusError, db.HealthStatusUnhealthy},
		{"absent", db.ContainerStatusNotFound, db.HealthStatusUnknown},
		{"broken", db.ContainerStatusError, db.HealthStatusUnhealthy},
	}
	for _, tc := range cases {
		status, health := m.ContainerStatus(context.Background(), tc.name)
		if status != tc.wantStatus || health != tc.wantHealth {
			t.Errorf("%s: expected {%s, %s}, got {%s, %s}",
				tc.name, tc.wantStatus, tc.wantHealth, status, health)
		}
	}
}

// roundTripperFunc lets tests fake the app's /health endpoint.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func healthTransport(byHost map[string]int) http.RoundTripper {
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		code, ok := byHost[r.URL.Host]
		if !ok {
			return nil, fmt.Errorf("connection refused")
		}
		return &http.Response{
			StatusCode: code,
			Body:       io.NopCloser(strings.NewReader("")),
			Header:     make(http.Header),
		}, nil
	})
}

func TestHealthCheck(t *testing.T) {
	m, _ := newTestManager(t)
	m.httpClient = &http.Client{Transport: healthTransport(map[string]int{
		"volthub-app-donations:3000": http.StatusOK,
		"volthub-app-flaky:3000":     http.StatusInternalServerError,
	})}

	app := testApp()
	app.ContainerStatus = db.ContainerStatusRunning
	if got := m.HealthCheck(context.Background(), app); got != db.HealthStatusHealthy {
		t.Errorf("Expected healthy on 200, got %s", got)
	}

	app.ContainerName = "volthub-app-flaky"
	if got := m.HealthCheck(context.Background(), app); got != db.HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy on 500, got %s", got)
	}

	app.ContainerName = "volthub-app-unreachable"
	if got := m.HealthCheck(context.Background(), app); got != db.HealthStatusUnhealthy {
		t.Errorf("Expected unhealthy on network failure, got %s", got)
	}

	app.ContainerStatus = db.ContainerStatusStopped
	if got := m.HealthCheck(context.Background(), app); got != db.HealthStatusUnknown {
		t.Errorf("Expected unknown for a non-running app, got %s", got)
	}
}

func TestUpdateAllHealthStatusesIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	m.httpClient = &http.Client{Transport: healthTransport(map[string]int{
		"volthub-app-good:3000": http.StatusOK,
	})}

	good := testApp()
	good.Slug, good.AppID = "good", "app-good"
	good.ContainerName = "volthub-app-good"
	good.ContainerStatus = db.ContainerStatusRunning
	bad := testApp()
	bad.Slug, bad.AppID = "bad", "app-bad"
	bad.ContainerName = "volthub-app-bad"
	bad.ContainerStatus = db.ContainerStatusRunning
	for _, a := range []*db.App{good, bad} {
		if err := m.db.Create(a).Error; err != nil {
			t.Fatalf("Failed to seed app: %v", err)
		}
	}

	m.UpdateAllHealthStatuses(context.Background())

	var reloaded db.App
	if err := m.db.First(&reloaded, "slug = ?", "good").Error; err != nil {
		t.Fatalf("Failed to reload app: %v", err)
	}
	if reloaded.HealthStatus != db.HealthStatusHealthy || reloaded.LastHealthCheck == nil {
		t.Errorf("Expected healthy with a check timestamp, got %q %v",
			reloaded.HealthStatus, reloaded.LastHealthCheck)
	}
	reloaded = db.App{}
	if err := m.db.First(&reloaded, "slug = ?", "bad").Error; err != nil {
		t.Fatalf("Failed to reload app: %v", err)
	}
	if reloaded.HealthStatus != db.HealthStatusUnhealthy {
		t.Errorf("Expected the unreachable app marked unhealthy, got %q", reloaded.HealthStatus)
	}
}
