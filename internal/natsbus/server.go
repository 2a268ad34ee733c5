// Package natsbus mirrors mission events onto NATS subjects so external
// tools can follow a mission without talking to the process directly.
package natsbus

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ServerOptions configures an embedded NATS server.
type ServerOptions struct {
	Host    string
	Port    int    // -1 picks a random port
	DataDir string // enables JetStream when set
}

// StartServer runs an embedded NATS server and waits until it accepts clients.
func StartServer(opts ServerOptions, logger *zap.Logger) (*natsserver.Server, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	sopts := &natsserver.Options{
		Host:           opts.Host,
		Port:           opts.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	if opts.DataDir != "" {
		sopts.JetStream = true
		sopts.StoreDir = opts.DataDir
	}

	srv, err := natsserver.NewServer(sopts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("nats server not ready on %s:%d", opts.Host, opts.Port)
	}
	if logger != nil {
		logger.Info("embedded NATS started", zap.String("url", srv.ClientURL()), zap.Bool("jetstream", sopts.JetStream))
	}
	return srv, nil
}

// Connect dials a NATS server with bounded reconnects.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("nexus"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
