// Package backend owns the set of configured node-backend connections,
// enforces the exactly-one-active invariant, and hot-swaps the live client
// configuration and event stream when the active connection changes.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/volthub/volthub/internal/db"
	"github.com/volthub/volthub/internal/fault"
)

// LocalDefaults describe the bundled local node connection created at
// bootstrap when none exists.
type LocalDefaults struct {
	Name     string
	URL      string
	Password string
}

// Reconnecter is signaled after an activation so the event-stream
// subscriber re-dials against the new backend.
type Reconnecter interface {
	Reconnect()
}

// Manager coordinates connection records, the live client configuration,
// and the event stream.
type Manager struct {
	db       *gorm.DB
	live     *LiveConfig
	prober   Prober
	stream   Reconnecter
	defaults LocalDefaults

	// Activation is validate -> flip -> reconfigure -> reconnect; the mutex
	// keeps two concurrent activations from interleaving those steps.
	activateMu sync.Mutex
}

// NewManager creates a new connection manager.
func NewManager(gormDB *gorm.DB, live *LiveConfig, prober Prober, defaults LocalDefaults) *Manager {
	return &Manager{
		db:       gormDB,
		live:     live,
		prober:   prober,
		defaults: defaults,
	}
}

// SetStream attaches the event-stream subscriber signaled on activation.
func (m *Manager) SetStream(stream Reconnecter) {
	m.stream = stream
}

// Live returns the live configuration handle owned by this manager.
func (m *Manager) Live() *LiveConfig {
	return m.live
}

// Bootstrap establishes the connection invariants at startup: the local
// default connection exists, a legacy single-connection configuration is
// migrated once, and exactly one connection is active.
func (m *Manager) Bootstrap(ctx context.Context) error {
	var local db.Connection
	err := m.db.First(&local, "is_docker = ?", true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		local = db.Connection{
			Name:     m.defaults.Name,
			URL:      m.defaults.URL,
			Password: m.defaults.Password,
			IsDocker: true,
		}
		if err := m.db.Create(&local).Error; err != nil {
			return fmt.Errorf("creating local connection: %w", err)
		}
		log.Printf("[INFO] Created local node connection '%s'", local.Name)
	} else if err != nil {
		return fmt.Errorf("loading local connection: %w", err)
	}

	if err := m.migrateLegacy(); err != nil {
		return err
	}

	var activeCount int64
	if err := m.db.Model(&db.Connection{}).Where("is_active = ?", true).Count(&activeCount).Error; err != nil {
		return fmt.Errorf("counting active connections: %w", err)
	}
	switch {
	case activeCount == 1:
		var active db.Connection
		if err := m.db.First(&active, "is_active = ?", true).Error; err != nil {
			return fmt.Errorf("loading active connection: %w", err)
		}
		m.live.Set(active.URL, active.Password, !active.IsDocker)
	default:
		// Zero active after first boot, or more than one after a crashed
		// flip: repair to the local default.
		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&db.Connection{}).Where("is_active = ?", true).
				Update("is_active", false).Error; err != nil {
				return err
			}
			return tx.Model(&local).Update("is_active", true).Error
		})
		if err != nil {
			return fmt.Errorf("activating local connection: %w", err)
		}
		m.live.Set(local.URL, local.Password, false)
		log.Printf("[INFO] Activated local node connection '%s'", local.Name)
	}
	return nil
}

// migrateLegacy converts the pre-multi-connection settings into a
// Connection record, only if that URL is not already represented.
func (m *Manager) migrateLegacy() error {
	var settings db.Settings
	err := m.db.First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if settings.LegacyNodeURL == "" {
		return nil
	}

	var count int64
	if err := m.db.Model(&db.Connection{}).Where("url = ?", settings.LegacyNodeURL).Count(&count).Error; err != nil {
		return fmt.Errorf("checking legacy connection: %w", err)
	}
	if count > 0 {
		return nil
	}

	conn := db.Connection{
		Name:     "Migrated connection",
		URL:      settings.LegacyNodeURL,
		Password: settings.LegacyNodePassword,
	}
	if err := m.db.Create(&conn).Error; err != nil {
		return fmt.Errorf("migrating legacy connection: %w", err)
	}
	log.Printf("[INFO] Migrated legacy node configuration to connection '%s'", conn.Name)
	return nil
}

// List returns all configured connections.
func (m *Manager) List() ([]db.Connection, error) {
	var conns []db.Connection
	if err := m.db.Order("id").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	return conns, nil
}

// Get loads one connection.
func (m *Manager) Get(id uint) (*db.Connection, error) {
	var conn db.Connection
	if err := m.db.First(&conn, id).Error; err != nil {
		return nil, fault.NotFoundf("connection %d", id)
	}
	return &conn, nil
}

// Test probes a url/password pair without touching any state.
func (m *Manager) Test(ctx context.Context, backendURL, password string) (*NodeIdentity, error) {
	return m.prober.Probe(ctx, backendURL, password)
}

// Create validates and persists a new inactive connection. The pair is
// probed before anything is written.
func (m *Manager) Create(ctx context.Context, name, backendURL, password string) (*db.Connection, error) {
	if name == "" {
		return nil, fault.Validationf("connection name is required")
	}
	identity, err := m.prober.Probe(ctx, backendURL, password)
	if err != nil {
		return nil, fmt.Errorf("connection test failed: %w", err)
	}

	now := time.Now()
	conn := db.Connection{
		Name:            name,
		URL:             backendURL,
		Password:        password,
		NodeID:          identity.NodeID,
		Chain:           identity.Chain,
		LastConnectedAt: &now,
	}
	if err := m.db.Create(&conn).Error; err != nil {
		return nil, fmt.Errorf("saving connection: %w", err)
	}
	return &conn, nil
}

// UpdateParams are the mutable connection fields; nil means unchanged.
type UpdateParams struct {
	Name     *string
	URL      *string
	Password *string
}

// Update modifies a connection. Changing url or password re-tests the pair
// before persisting. The local default connection only allows a name
// change.
func (m *Manager) Update(ctx context.Context, id uint, params UpdateParams) (*db.Connection, error) {
	conn, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	urlChanged := params.URL != nil && *params.URL != conn.URL
	passwordChanged := params.Password != nil && *params.Password != conn.Password
	if conn.IsDocker && (urlChanged || passwordChanged) {
		return nil, fault.Validationf("the local node connection only allows a name change")
	}

	if params.Name != nil {
		conn.Name = *params.Name
	}
	if urlChanged {
		conn.URL = *params.URL
	}
	if passwordChanged {
		conn.Password = *params.Password
	}

	if urlChanged || passwordChanged {
		identity, err := m.prober.Probe(ctx, conn.URL, conn.Password)
		if err != nil {
			return nil, fmt.Errorf("connection test failed: %w", err)
		}
		now := time.Now()
		conn.NodeID = identity.NodeID
		conn.Chain = identity.Chain
		conn.LastConnectedAt = &now
	}

	if err := m.db.Save(conn).Error; err != nil {
		return nil, fmt.Errorf("saving connection: %w", err)
	}

	// The live configuration must stay consistent with the active
	// connection.
	if conn.IsActive && (urlChanged || passwordChanged) {
		m.live.Set(conn.URL, conn.Password, !conn.IsDocker)
		if m.stream != nil {
			m.stream.Reconnect()
		}
	}
	return conn, nil
}

// Activate makes the target the single active connection: validate the
// target, flip the records in one transaction, push the new configuration
// into the live client, and signal the event stream to reconnect. A failed
// probe aborts with no state change.
func (m *Manager) Activate(ctx context.Context, id uint) (*db.Connection, error) {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	conn, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	identity, err := m.prober.Probe(ctx, conn.URL, conn.Password)
	if err != nil {
		return nil, fmt.Errorf("connection test failed, keeping current connection active: %w", err)
	}

	now := time.Now()
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Connection{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(conn).Updates(map[string]any{
			"is_active":         true,
			"node_id":           identity.NodeID,
			"chain":             identity.Chain,
			"last_connected_at": now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("switching active connection: %w", err)
	}

	m.saveNodeInfo(identity)
	m.live.Set(conn.URL, conn.Password, !conn.IsDocker)
	if m.stream != nil {
		m.stream.Reconnect()
	}
	log.Printf("[INFO] Activated connection '%s' (node %s on %s)", conn.Name, identity.NodeID, identity.Chain)

	conn.IsActive = true
	conn.NodeID = identity.NodeID
	conn.Chain = identity.Chain
	conn.LastConnectedAt = &now
	return conn, nil
}

// saveNodeInfo refreshes the cached node identity singleton consumed by app
// env injection. Best effort.
func (m *Manager) saveNodeInfo(identity *NodeIdentity) {
	var info db.NodeInfo
	err := m.db.First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		info = db.NodeInfo{NodeID: identity.NodeID, Chain: identity.Chain, Version: identity.Version}
		err = m.db.Create(&info).Error
	} else if err == nil {
		err = m.db.Model(&info).Updates(map[string]any{
			"node_id": identity.NodeID,
			"chain":   identity.Chain,
			"version": identity.Version,
		}).Error
	}
	if err != nil {
		log.Printf("[ERROR] Caching node identity: %v", err)
	}
}

// Delete removes a connection. The active connection and the local default
// are protected.
func (m *Manager) Delete(id uint) error {
	conn, err := m.Get(id)
	if err != nil {
		return err
	}
	if conn.IsActive {
		return fault.Validationf("cannot delete the active connection")
	}
	if conn.IsDocker {
		return fault.Validationf("cannot delete the local node connection")
	}
	if err := m.db.Delete(conn).Error; err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}
