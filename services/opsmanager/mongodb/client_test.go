// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// scriptedRunner answers commands by their leading key.
type scriptedRunner struct {
	replies map[string]bson.M
	errs    map[string]error
}

func (s *scriptedRunner) RunCommand(_ context.Context, cmd bson.D) (bson.M, error) {
	name := cmd[0].Key
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	if reply, ok := s.replies[name]; ok {
		return reply, nil
	}
	return bson.M{"ok": 1.0}, nil
}

func (s *scriptedRunner) Aggregate(context.Context, mongo.Pipeline) ([]bson.M, error) {
	return nil, nil
}

// =============================================================================
// Ping
// =============================================================================

func TestPing_BothPathsHealthy(t *testing.T) {
	m := newManager(DefaultConfig(), &scriptedRunner{}, &scriptedRunner{}, nil)
	assert.NoError(t, m.Ping(context.Background()))
}

func TestPing_ReadPathFailure(t *testing.T) {
	refused := errors.New("connection refused")
	read := &scriptedRunner{errs: map[string]error{"ping": refused}}
	m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)

	err := m.Ping(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ping", connErr.Op)
	assert.ErrorIs(t, err, refused)
}

func TestPing_NotConnected(t *testing.T) {
	m := &Manager{}
	err := m.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

// =============================================================================
// Server Probing
// =============================================================================

func TestProbeServer_RecordsVersionAndProcess(t *testing.T) {
	read := &scriptedRunner{replies: map[string]bson.M{
		"serverStatus": {"ok": 1.0, "version": "7.0.5", "process": "mongod"},
	}}
	m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)

	m.probeServer(context.Background())
	assert.Equal(t, "7.0.5", m.ServerVersion())
	assert.Equal(t, "mongod", m.ServerProcess())
}

func TestProbeServer_FailureIsNonFatal(t *testing.T) {
	read := &scriptedRunner{errs: map[string]error{
		"serverStatus": errors.New("unauthorized"),
	}}
	m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)

	m.probeServer(context.Background())
	assert.Equal(t, "unknown version", m.ServerVersion())
	assert.Equal(t, "unknown process", m.ServerProcess())
}

func TestProbeServer_MissingFieldsGetPlaceholders(t *testing.T) {
	read := &scriptedRunner{replies: map[string]bson.M{
		"serverStatus": {"ok": 1.0},
	}}
	m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)

	m.probeServer(context.Background())
	assert.Equal(t, "unknown version", m.ServerVersion())
	assert.Equal(t, "unknown process", m.ServerProcess())
}

func TestDetectMongos(t *testing.T) {
	t.Run("router reports isdbgrid", func(t *testing.T) {
		read := &scriptedRunner{replies: map[string]bson.M{
			"hello": {"ok": 1.0, "msg": "isdbgrid"},
		}}
		m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)
		assert.True(t, m.detectMongos(context.Background()))
	})

	t.Run("plain mongod has no msg", func(t *testing.T) {
		read := &scriptedRunner{replies: map[string]bson.M{
			"hello": {"ok": 1.0},
		}}
		m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)
		assert.False(t, m.detectMongos(context.Background()))
	})

	t.Run("hello failure counts as not a mongos", func(t *testing.T) {
		read := &scriptedRunner{errs: map[string]error{
			"hello": errors.New("no reachable servers"),
		}}
		m := newManager(DefaultConfig(), read, &scriptedRunner{}, nil)
		assert.False(t, m.detectMongos(context.Background()))
	})
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestClose_NilClientIsSafe(t *testing.T) {
	m := newManager(DefaultConfig(), &scriptedRunner{}, &scriptedRunner{}, nil)
	m.Close(context.Background())
	m.Close(context.Background())
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{}.normalized()
	assert.Equal(t, 5*time.Second, cfg.ServerSelectionTimeout)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)

	cfg = Config{ServerSelectionTimeout: time.Second, ConnectTimeout: 2 * time.Second}.normalized()
	assert.Equal(t, time.Second, cfg.ServerSelectionTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
}

// =============================================================================
// Error Rendering
// =============================================================================

func TestConnectionErrorHint(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"auth", errors.New("connection() error occurred during connection handshake: auth error: sasl conversation error"), "Authentication failed"},
		{"refused", errors.New("dial tcp 127.0.0.1:27017: connect: connection refused"), "Could not connect"},
		{"timeout", errors.New("server selection error: context deadline exceeded"), "timed out"},
		{"unclassified", errors.New("some other failure"), ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hint := (&ConnectionError{Op: "connect", Err: tc.err}).Hint()
			if tc.want == "" {
				assert.Empty(t, hint)
			} else {
				assert.Contains(t, hint, tc.want)
			}
		})
	}
}

func TestOperationErrorRendering(t *testing.T) {
	killErr := &OperationError{Op: "killOp", OpID: "42", Attempts: 2, Err: errors.New("boom")}
	assert.Equal(t, "failed to kill operation 42 after 2 attempts: boom", killErr.Error())

	queryErr := &OperationError{Op: "listOperations", Err: errors.New("boom")}
	assert.Equal(t, "listOperations failed: boom", queryErr.Error())
}
