// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mongodb

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/closeops/mongoops/pkg/logging"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the connection manager.
type Config struct {
	// URI is the MongoDB connection string.
	URI string

	// NamespaceScope restricts listed operations to namespaces with
	// this prefix (case-insensitive). Empty means no scoping.
	NamespaceScope string

	// HideSystemOps excludes admin/config/local namespaces, no-op
	// entries, the internal __system user, and cursor-bearing command
	// operations (the monitor's own polling noise).
	HideSystemOps bool

	// ServerSelectionTimeout bounds server selection for every call.
	// Default: 5s
	ServerSelectionTimeout time.Duration

	// ConnectTimeout bounds connection establishment.
	// Default: 5s
	ConnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the connection manager.
func DefaultConfig() Config {
	return Config{
		HideSystemOps:          true,
		ServerSelectionTimeout: 5 * time.Second,
		ConnectTimeout:         5 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.ServerSelectionTimeout <= 0 {
		c.ServerSelectionTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// =============================================================================
// Command Runner
// =============================================================================

// commandRunner is the seam between the core and the driver: one admin
// database handle that can run commands and aggregations. The query
// engine and kill coordinator borrow it per call and never retain it.
type commandRunner interface {
	// RunCommand executes one admin command and returns the decoded
	// server reply.
	RunCommand(ctx context.Context, cmd bson.D) (bson.M, error)

	// Aggregate executes an admin aggregation pipeline and drains the
	// cursor.
	Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.M, error)
}

// adminDatabase adapts a driver database handle to commandRunner.
type adminDatabase struct {
	db *mongo.Database
}

func (a adminDatabase) RunCommand(ctx context.Context, cmd bson.D) (bson.M, error) {
	var out bson.M
	if err := a.db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a adminDatabase) Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.M, error) {
	cursor, err := a.db.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns the live connection to the cluster's administrative
// interface.
//
// Reads (ListOperations, verification polling) go through a
// secondary-preferred admin handle for read scaling; killOp always
// goes through the primary handle, because the kill must reach the
// node actually running the operation's primary-writable session. The
// two paths share one driver client and may run concurrently.
type Manager struct {
	cfg    Config
	client *mongo.Client

	// read is the secondary-preferred admin handle.
	read commandRunner

	// write is the primary admin handle used for killOp.
	write commandRunner

	isMongos      bool
	serverVersion string
	serverProcess string

	log *logging.Logger
}

// newManager wires a Manager from its parts. Exercised directly by
// tests with fake runners; production code uses Connect.
func newManager(cfg Config, read, write commandRunner, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.New(logging.Config{Quiet: true})
	}
	return &Manager{
		cfg:   cfg.normalized(),
		read:  read,
		write: write,
		log:   log,
	}
}

// Connect establishes the administrative connection.
//
// Connection establishment and server selection are bounded by the
// configured timeouts (5s each by default). The connection is verified
// with an admin ping on both the read and write paths; any driver or
// probe failure is returned as *ConnectionError and the partially
// created client is torn down.
//
// On success the server version and process kind are recorded for
// diagnostics (non-fatal if absent) and the deployment topology is
// detected once via the hello handshake's isdbgrid marker.
func Connect(ctx context.Context, cfg Config, log *logging.Logger) (*Manager, error) {
	cfg = cfg.normalized()

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAppName("mongoops")

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	readDB := client.Database("admin",
		options.Database().SetReadPreference(readpref.SecondaryPreferred()))
	writeDB := client.Database("admin",
		options.Database().SetReadPreference(readpref.Primary()))

	m := newManager(cfg, adminDatabase{db: readDB}, adminDatabase{db: writeDB}, log)
	m.client = client

	if err := m.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	m.probeServer(ctx)
	m.isMongos = m.detectMongos(ctx)

	m.log.Info("connected to MongoDB",
		"version", m.serverVersion,
		"process", m.serverProcess,
		"mongos", m.isMongos,
		"namespace_scope", cfg.NamespaceScope,
		"hide_system_ops", cfg.HideSystemOps,
	)
	return m, nil
}

// Ping verifies liveness of both command paths.
func (m *Manager) Ping(ctx context.Context) error {
	if m.read == nil || m.write == nil {
		return &ConnectionError{Op: "ping", Err: ErrNotConnected}
	}
	if _, err := m.read.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	if _, err := m.write.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}); err != nil {
		return &ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// probeServer records server version and process kind for diagnostics.
// Failures are logged and otherwise ignored.
func (m *Manager) probeServer(ctx context.Context) {
	status, err := m.read.RunCommand(ctx, bson.D{{Key: "serverStatus", Value: 1}})
	if err != nil {
		m.log.Warn("serverStatus probe failed", "error", err.Error())
		m.serverVersion = "unknown version"
		m.serverProcess = "unknown process"
		return
	}
	m.serverVersion = stringField(status, "version")
	m.serverProcess = stringField(status, "process")
	if m.serverVersion == "" {
		m.serverVersion = "unknown version"
	}
	if m.serverProcess == "" {
		m.serverProcess = "unknown process"
	}
}

// detectMongos checks the hello handshake for the routing-layer marker.
// Errors count as "not a mongos".
func (m *Manager) detectMongos(ctx context.Context) bool {
	hello, err := m.read.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}})
	if err != nil {
		return false
	}
	return strings.Contains(stringField(hello, "msg"), "isdbgrid")
}

// IsMongos reports whether the connection targets a routed deployment.
func (m *Manager) IsMongos() bool {
	return m.isMongos
}

// ServerVersion returns the recorded server version string.
func (m *Manager) ServerVersion() string {
	return m.serverVersion
}

// ServerProcess returns the recorded server process kind.
func (m *Manager) ServerProcess() string {
	return m.serverProcess
}

// Close releases the underlying connection. It is idempotent and never
// fails; disconnect errors are logged only.
func (m *Manager) Close(ctx context.Context) {
	if m.client == nil {
		return
	}
	if err := m.client.Disconnect(ctx); err != nil {
		m.log.Warn("disconnect failed", "error", err.Error())
	}
	m.client = nil
	m.read = nil
	m.write = nil
}
