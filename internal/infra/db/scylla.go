package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/outbound-orchestrator/internal/config"
	apperrors "github.com/acme/outbound-orchestrator/pkg/errors"
)

// Scylla holds the session used by the call store.
type Scylla struct {
	session *gocql.Session
}

// NewScylla connects to the cluster and keyspace holding calls.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	consistency, err := ParseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = consistency
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{NumRetries: 3}
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w: %w", apperrors.ErrUnavailable, err)
	}
	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	if err := s.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: ping: %w: %w", apperrors.ErrUnavailable, err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

// ParseConsistency maps a configured level name to gocql. Empty means
// local_quorum.
func ParseConsistency(level string) (gocql.Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "local_quorum":
		return gocql.LocalQuorum, nil
	case "one":
		return gocql.One, nil
	case "local_one":
		return gocql.LocalOne, nil
	case "quorum":
		return gocql.Quorum, nil
	case "each_quorum":
		return gocql.EachQuorum, nil
	case "all":
		return gocql.All, nil
	}
	return 0, fmt.Errorf("scylla: unknown consistency %q: %w", level, apperrors.ErrValidation)
}
