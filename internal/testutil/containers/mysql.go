//go:build integration

package containers

import (
	"context"
	"fmt"
	"regexp"

	"github.com/testcontainers/testcontainers-go/modules/mysql"
)

var validTableNameRe = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

// MySQLContainer wraps a testcontainers MySQL instance.
type MySQLContainer struct {
	container *mysql.MySQLContainer
	dsn       string
}

// MySQLConfig holds configuration for MySQL container creation.
type MySQLConfig struct {
	Database string
	Username string
	Password string
	ImageTag string
}

// DefaultMySQLConfig returns the configuration used when none is given.
func DefaultMySQLConfig() MySQLConfig {
	return MySQLConfig{
		Database: "relances_test",
		Username: "relances",
		Password: "relances",
		ImageTag: "8.0",
	}
}

// NewMySQLContainer starts a MySQL container. A nil config uses DefaultMySQLConfig.
func NewMySQLContainer(ctx context.Context, config *MySQLConfig) (*MySQLContainer, error) {
	if config == nil {
		defaultCfg := DefaultMySQLConfig()
		config = &defaultCfg
	}

	c, err := mysql.Run(ctx, "mysql:"+config.ImageTag,
		mysql.WithDatabase(config.Database),
		mysql.WithUsername(config.Username),
		mysql.WithPassword(config.Password),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start MySQL container: %w", err)
	}

	// gorm needs parseTime to scan DATETIME columns into time.Time.
	dsn, err := c.ConnectionString(ctx, "parseTime=true", "loc=UTC", "charset=utf8mb4")
	if err != nil {
		_ = c.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}
	return &MySQLContainer{container: c, dsn: dsn}, nil
}

// DSN returns a go-sql-driver DSN suitable for gorm.io/driver/mysql.
func (c *MySQLContainer) DSN() string {
	return c.dsn
}

// TruncateSQL returns the statements emptying tables. Table names are validated.
func TruncateSQL(tables ...string) ([]string, error) {
	stmts := []string{"SET FOREIGN_KEY_CHECKS = 0"}
	for _, table := range tables {
		if !validTableNameRe.MatchString(table) {
			return nil, fmt.Errorf("invalid table name: %q", table)
		}
		stmts = append(stmts, fmt.Sprintf("TRUNCATE TABLE `%s`", table))
	}
	stmts = append(stmts, "SET FOREIGN_KEY_CHECKS = 1")
	return stmts, nil
}

// Terminate stops and removes the container.
func (c *MySQLContainer) Terminate(ctx context.Context) error {
	if c.container == nil {
		return nil
	}
	if err := c.container.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to terminate container: %w", err)
	}
	return nil
}
