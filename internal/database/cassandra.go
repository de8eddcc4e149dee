package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"callorchestrator-backend/pkg/config"
)

// DefaultCassandraQueryTimeout is the default timeout for Cassandra queries
const DefaultCassandraQueryTimeout = 5 * time.Second

// CassandraDB wraps the gocql Session with context support
type CassandraDB struct {
	Session *gocql.Session
}

// NewCassandraDB connects to the cluster described by cfg
func NewCassandraDB(cfg config.CassandraConfig) (*CassandraDB, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	// samples are best effort, a single replica ack is enough
	cluster.Consistency = gocql.One

	cluster.Timeout = DefaultCassandraQueryTimeout
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return &CassandraDB{Session: session}, nil
}

// Close closes the Cassandra session
func (c *CassandraDB) Close() {
	c.Session.Close()
}

// Exec runs a statement bound to ctx. Without a deadline on ctx the
// default query timeout applies.
func (c *CassandraDB) Exec(ctx context.Context, stmt string, values ...any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCassandraQueryTimeout)
		defer cancel()
	}
	return c.Session.Query(stmt, values...).WithContext(ctx).Exec()
}
