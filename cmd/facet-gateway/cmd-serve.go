package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/facet-io/facet/go/api"
	"github.com/facet-io/facet/go/connections"
	log "github.com/sirupsen/logrus"

	// Backend drivers register themselves with the connector factory.
	_ "github.com/facet-io/facet/go/connector/bigquery"
	_ "github.com/facet-io/facet/go/connector/clickhouse"
	_ "github.com/facet-io/facet/go/connector/postgres"
	_ "github.com/facet-io/facet/go/connector/snowflake"
)

const shutdownTimeout = 30 * time.Second

type cmdServe struct {
	Port        int       `long:"port" env:"PORT" default:"8000" description:"Port to serve the HTTP API on"`
	Connections string    `long:"connections" env:"CONNECTIONS_FILE" description:"Path to the predefined connections YAML file"`
	CORSOrigins string    `long:"cors-origins" env:"CORS_ORIGINS" default:"*" description:"Comma-separated allowed CORS origins"`
	Log         LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdServe) Execute(_ []string) error {
	initLog(cmd.Log)

	log.WithFields(log.Fields{
		"port":        cmd.Port,
		"connections": cmd.Connections,
	}).Info("facet-gateway configuration")

	var registry = connections.NewRegistry()
	if cmd.Connections != "" {
		if err := registry.LoadFile(cmd.Connections); err != nil {
			return fmt.Errorf("loading connections file: %w", err)
		}
	}

	var origins []string
	for _, origin := range strings.Split(cmd.CORSOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}

	var server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cmd.Port),
		Handler: api.NewServer(registry).Router(origins),
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	var errCh = make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	log.WithField("addr", server.Addr).Info("serving the gateway API")

	select {
	case sig := <-signalCh:
		log.WithField("signal", sig).Info("caught signal, draining")
	case err := <-errCh:
		return fmt.Errorf("serving HTTP: %w", err)
	}

	var ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
