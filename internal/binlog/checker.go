package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// RequiredPrivileges are the grants a binlog reader needs
var RequiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// Checker validates that the MySQL server can feed a binlog reader
type Checker struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewChecker creates a checker on an open metadata connection
func NewChecker(db *sql.DB, logger *logrus.Logger) *Checker {
	return &Checker{db: db, logger: logger}
}

// Check verifies the connection, the replication grants, log_bin and binlog_format
func (c *Checker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	c.logger.Info("Successfully connected to MySQL server")

	grants, err := c.grants(ctx)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s",
			strings.Join(missing, ", "), strings.Join(grants, "; "))
	}
	c.logger.Info("All required permissions verified")

	logBin, err := c.variable(ctx, "log_bin")
	if err != nil {
		c.logger.Warnf("Could not verify binlog status: %v", err)
	} else if !binlogEnabled(logBin) {
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
	} else {
		c.logger.Info("Binary logging is enabled")
	}

	format, err := c.variable(ctx, "binlog_format")
	switch {
	case err != nil:
		c.logger.Warnf("Could not verify binlog_format: %v", err)
	case !strings.EqualFold(format, "ROW"):
		c.logger.Warnf("binlog_format is set to '%s', but ROW format is required for row capture", format)
	default:
		c.logger.Info("binlog_format is set to ROW")
	}
	return nil
}

// grants returns every SHOW GRANTS row for the current user
func (c *Checker) grants(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return nil, fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return grants, nil
}

func (c *Checker) variable(ctx context.Context, name string) (string, error) {
	var value string
	if err := c.db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, nil
}

// missingPrivileges lists RequiredPrivileges not covered by grants.
// ALL PRIVILEGES covers everything.
func missingPrivileges(grants []string) []string {
	joined := strings.ToUpper(strings.Join(grants, "; "))
	if strings.Contains(joined, "ALL PRIVILEGES") {
		return nil
	}
	var missing []string
	for _, priv := range RequiredPrivileges {
		if !strings.Contains(joined, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func binlogEnabled(value string) bool {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "1", "ON":
		return true
	default:
		return false
	}
}
