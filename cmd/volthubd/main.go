package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/urfave/cli/v3"

	"github.com/volthub/volthub/internal/apps"
	"github.com/volthub/volthub/internal/backend"
	"github.com/volthub/volthub/internal/db"
	"github.com/volthub/volthub/internal/docker"
	"github.com/volthub/volthub/internal/events"
	httpserver "github.com/volthub/volthub/internal/server"
	"github.com/volthub/volthub/internal/webhook"
)

func main() {
	// Optional .env next to the binary; flags and real env still win.
	godotenv.Load()

	cmd := &cli.Command{
		Name:  "volthubd",
		Usage: "The VoltHub dashboard daemon: app runtime control plane for a Lightning node.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the VoltHub daemon and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address", Sources: cli.EnvVars("VOLTHUB_HTTP_ADDR")},
					&cli.StringFlag{Name: "db-path", Value: "volthub.db", Usage: "Path to the SQLite database file", Sources: cli.EnvVars("VOLTHUB_DB_PATH")},
					&cli.StringFlag{Name: "nats-addr", Value: "127.0.0.1:4222", Usage: "Embedded NATS bind address (host:port)", Sources: cli.EnvVars("VOLTHUB_NATS_ADDR")},
					&cli.StringFlag{Name: "base-url", Value: "http://volthub:8080", Usage: "Dashboard base URL injected into apps", Sources: cli.EnvVars("VOLTHUB_BASE_URL")},
					&cli.StringFlag{Name: "app-network", Value: "volthub-apps", Usage: "Docker network shared by app containers", Sources: cli.EnvVars("VOLTHUB_APP_NETWORK")},
					&cli.StringFlag{Name: "local-node-name", Value: "Local node", Usage: "Display name of the bundled node connection", Sources: cli.EnvVars("VOLTHUB_LOCAL_NODE_NAME")},
					&cli.StringFlag{Name: "local-node-url", Value: "http://volthub-node:8080", Usage: "URL of the bundled node backend", Sources: cli.EnvVars("VOLTHUB_LOCAL_NODE_URL")},
					&cli.StringFlag{Name: "local-node-password", Value: "", Usage: "Password of the bundled node backend", Sources: cli.EnvVars("VOLTHUB_LOCAL_NODE_PASSWORD")},
					&cli.DurationFlag{Name: "health-interval", Value: 30 * time.Second, Usage: "Interval between app health sweeps", Sources: cli.EnvVars("VOLTHUB_HEALTH_INTERVAL")},
					&cli.DurationFlag{Name: "retention-interval", Value: 6 * time.Hour, Usage: "Interval between webhook log retention sweeps", Sources: cli.EnvVars("VOLTHUB_RETENTION_INTERVAL")},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting VoltHub daemon...")

	// 1. Initialize Database
	dbPath := cmd.Value("db-path").(string)
	gormDB, err := db.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 2. Connect to the Docker daemon
	runtime, err := docker.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	if err := runtime.Ping(ctx); err != nil {
		// Apps cannot be managed without the daemon, but connections and
		// webhook history still can.
		log.Printf("[ERROR] %v (app lifecycle operations will fail until it is back)", err)
	}

	// 3. Start Embedded NATS Server
	natsAddr := cmd.Value("nats-addr").(string)
	natsHost, natsPort, err := net.SplitHostPort(natsAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, _ := strconv.Atoi(natsPort)
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	log.Printf("Embedded NATS server started on %s", natsAddr)

	// 4. Connect to our own embedded NATS
	nc, err := events.Connect(ns.ClientURL())
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	// 5. Backend connection manager and live client configuration
	live := backend.NewLiveConfig()
	connManager := backend.NewManager(gormDB, live, backend.NewHTTPProber(), backend.LocalDefaults{
		Name:     cmd.Value("local-node-name").(string),
		URL:      cmd.Value("local-node-url").(string),
		Password: cmd.Value("local-node-password").(string),
	})
	if err := connManager.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap connections: %w", err)
	}

	// 6. Node event stream, republishing onto the bus
	stream := backend.NewStream(live, nc)
	connManager.SetStream(stream)
	stream.Start()
	defer stream.Stop()

	// 7. App lifecycle manager and health sweep
	appManager := apps.NewManager(gormDB, runtime, live,
		cmd.Value("base-url").(string), cmd.Value("app-network").(string))
	healthSweeper := apps.NewHealthSweeper(appManager, cmd.Value("health-interval").(time.Duration))
	healthSweeper.Start()
	defer healthSweeper.Stop()

	// 8. Webhook dispatcher, bus subscription, and retention sweep
	dispatcher := webhook.NewDispatcher(gormDB, appManager)
	if _, err := dispatcher.Subscribe(nc); err != nil {
		return fmt.Errorf("failed to subscribe to domain events: %w", err)
	}
	log.Println("Subscribed webhook dispatcher to domain events.")
	retentionSweeper := webhook.NewRetentionSweeper(dispatcher, cmd.Value("retention-interval").(time.Duration))
	retentionSweeper.Start()
	defer retentionSweeper.Stop()

	// 9. Admin HTTP API
	api := httpserver.New(gormDB, appManager, dispatcher, connManager, runtime, runtime)
	httpAddr := cmd.Value("http-addr").(string)
	log.Printf("HTTP server listening on %s", httpAddr)
	return http.ListenAndServe(httpAddr, api.Router())
}
