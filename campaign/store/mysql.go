package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDialect targets MySQL 8+ / MariaDB 10.6+, which support
// FOR UPDATE SKIP LOCKED on the task queue.
type mysqlDialect struct{}

func (mysqlDialect) insertIgnore() string { return "INSERT IGNORE" }
func (mysqlDialect) forUpdate() string    { return " FOR UPDATE" }
func (mysqlDialect) claimSuffix() string  { return " FOR UPDATE SKIP LOCKED" }

func (mysqlDialect) isConflict(err error) bool {
	var me *mysql.MySQLError
	// 1062 is ER_DUP_ENTRY.
	return errors.As(err, &me) && me.Number == 1062
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns_v2 (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		namespace CHAR(36) NOT NULL,
		owner VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		metadata JSON,
		spec JSON,
		machine CHAR(36),
		created_at BIGINT NOT NULL,
		UNIQUE KEY uniq_campaign_name (name, namespace),
		INDEX idx_campaign_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS nodes_v2 (
		id CHAR(36) PRIMARY KEY,
		namespace CHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		version INT NOT NULL,
		kind VARCHAR(20) NOT NULL,
		status VARCHAR(16) NOT NULL,
		metadata JSON,
		configuration JSON,
		machine CHAR(36),
		UNIQUE KEY uniq_node_name (name, version, namespace),
		INDEX idx_node_namespace (namespace)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS edges_v2 (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		namespace CHAR(36) NOT NULL,
		source CHAR(36) NOT NULL,
		target CHAR(36) NOT NULL,
		metadata JSON,
		configuration JSON,
		UNIQUE KEY uniq_edge (source, target, namespace),
		INDEX idx_edge_namespace (namespace)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS manifests_v2 (
		id CHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		namespace CHAR(36) NOT NULL,
		version INT NOT NULL,
		kind VARCHAR(16) NOT NULL,
		metadata JSON,
		spec JSON,
		created_at BIGINT NOT NULL,
		UNIQUE KEY uniq_manifest (name, version, namespace),
		INDEX idx_manifest_lookup (namespace, kind)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS machines_v2 (
		id CHAR(36) PRIMARY KEY,
		state MEDIUMBLOB,
		updated_at BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS tasks_v2 (
		id CHAR(36) PRIMARY KEY,
		namespace CHAR(36) NOT NULL,
		node CHAR(36) NOT NULL,
		priority INT,
		created_at BIGINT NOT NULL,
		submitted_at BIGINT,
		finished_at BIGINT,
		wms_id VARCHAR(255) NOT NULL DEFAULT '',
		site_affinity JSON,
		status VARCHAR(16) NOT NULL,
		previous_status VARCHAR(16) NOT NULL,
		metadata JSON,
		open_node CHAR(36),
		UNIQUE KEY uniq_open_task (open_node),
		INDEX idx_task_namespace (namespace)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,

	`CREATE TABLE IF NOT EXISTS activity_log_v2 (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		namespace CHAR(36) NOT NULL,
		node CHAR(36),
		operator VARCHAR(255) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		finished_at BIGINT,
		from_status VARCHAR(16) NOT NULL,
		to_status VARCHAR(16) NOT NULL,
		detail JSON,
		metadata JSON,
		INDEX idx_activity_namespace (namespace, id),
		INDEX idx_activity_node (node)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// OpenMySQL opens a MySQL-backed store and bootstraps its schema.
//
// The DSN uses the go-sql-driver format, e.g.
//
//	user:pass@tcp(localhost:3306)/campaigns
//
// Credentials belong in the environment (CM_DATABASE_URL), never in code.
func OpenMySQL(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	for _, stmt := range mysqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table (%s...): %w", strings.Fields(stmt)[5], err)
		}
	}
	return newSQLStore(db, mysqlDialect{}), nil
}
