package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

const uniqueViolation = pq.ErrorCode("23505")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS machines (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL DEFAULT 22,
	username   TEXT NOT NULL,
	key_enc    TEXT NOT NULL,
	status     TEXT NOT NULL,
	labels     JSONB NOT NULL DEFAULT '{}',
	last_probe TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS deployments (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	config     JSONB NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_machines_status ON machines (status);
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments (status);
`

// Relational is the durable store for machines and deployments
type Relational interface {
	// Machines
	CreateMachine(ctx context.Context, m *types.Machine) error
	GetMachine(ctx context.Context, id string) (*types.Machine, error)
	GetMachineByName(ctx context.Context, name string) (*types.Machine, error)
	ListMachines(ctx context.Context) ([]*types.Machine, error)
	UpdateMachine(ctx context.Context, m *types.Machine) error
	DeleteMachine(ctx context.Context, id string) error
	CountMachinesByStatus(ctx context.Context) (map[string]int, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *types.Deployment) error
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)
	GetDeploymentByName(ctx context.Context, name string) (*types.Deployment, error)
	ListDeployments(ctx context.Context) ([]*types.Deployment, error)
	UpdateDeployment(ctx context.Context, d *types.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	CountDeploymentsByStatus(ctx context.Context) (map[string]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Relational on postgres
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens a postgres-backed store
func NewSQLStore(dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &SQLStore{db: db}, nil
}

// NewSQLStoreFromDB wraps an existing connection, used by tests
func NewSQLStoreFromDB(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema creates the tables when they do not exist yet
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Schema returns the DDL EnsureSchema applies, for tooling that wants to
// inspect or apply it out of band.
func Schema() string {
	return schemaSQL
}

// Ping verifies the connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// machineRow maps the machines table
type machineRow struct {
	ID        string       `db:"id"`
	Name      string       `db:"name"`
	Host      string       `db:"host"`
	Port      int          `db:"port"`
	Username  string       `db:"username"`
	KeyEnc    string       `db:"key_enc"`
	Status    string       `db:"status"`
	Labels    []byte       `db:"labels"`
	LastProbe sql.NullTime `db:"last_probe"`
	LastError string       `db:"last_error"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

func machineToRow(m *types.Machine) (*machineRow, error) {
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	row := &machineRow{
		ID:        m.ID,
		Name:      m.Name,
		Host:      m.Host,
		Port:      m.Port,
		Username:  m.User,
		KeyEnc:    m.KeyEnc,
		Status:    string(m.Status),
		Labels:    labels,
		LastError: m.LastError,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if !m.LastProbe.IsZero() {
		row.LastProbe = sql.NullTime{Time: m.LastProbe, Valid: true}
	}
	return row, nil
}

func (r *machineRow) toMachine() (*types.Machine, error) {
	m := &types.Machine{
		ID:        r.ID,
		Name:      r.Name,
		Host:      r.Host,
		Port:      r.Port,
		User:      r.Username,
		KeyEnc:    r.KeyEnc,
		Status:    types.MachineStatus(r.Status),
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Labels) > 0 {
		if err := json.Unmarshal(r.Labels, &m.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if r.LastProbe.Valid {
		m.LastProbe = r.LastProbe.Time
	}
	return m, nil
}

// CreateMachine inserts a machine, mapping unique violations to NAME_CONFLICT
func (s *SQLStore) CreateMachine(ctx context.Context, m *types.Machine) error {
	row, err := machineToRow(m)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO machines (id, name, host, port, username, key_enc, status, labels, last_probe, last_error, created_at, updated_at)
		VALUES (:id, :name, :host, :port, :username, :key_enc, :status, :labels, :last_probe, :last_error, :created_at, :updated_at)`,
		row)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.NameConflict("machine", m.Name)
		}
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

// GetMachine fetches a machine by ID
func (s *SQLStore) GetMachine(ctx context.Context, id string) (*types.Machine, error) {
	var row machineRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM machines WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("machine", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return row.toMachine()
}

// GetMachineByName fetches a machine by its unique name
func (s *SQLStore) GetMachineByName(ctx context.Context, name string) (*types.Machine, error) {
	var row machineRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM machines WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("machine", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get machine by name: %w", err)
	}
	return row.toMachine()
}

// ListMachines returns all machines ordered by creation time
func (s *SQLStore) ListMachines(ctx context.Context) ([]*types.Machine, error) {
	var rows []machineRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM machines ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	machines := make([]*types.Machine, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMachine()
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// UpdateMachine rewrites a machine row
func (s *SQLStore) UpdateMachine(ctx context.Context, m *types.Machine) error {
	row, err := machineToRow(m)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE machines
		SET name = :name, host = :host, port = :port, username = :username,
		    key_enc = :key_enc, status = :status, labels = :labels,
		    last_probe = :last_probe, last_error = :last_error, updated_at = :updated_at
		WHERE id = :id`,
		row)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.NameConflict("machine", m.Name)
		}
		return fmt.Errorf("failed to update machine: %w", err)
	}
	return requireRowAffected(res, "machine", m.ID)
}

// DeleteMachine removes a machine row
func (s *SQLStore) DeleteMachine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete machine: %w", err)
	}
	return requireRowAffected(res, "machine", id)
}

// CountMachinesByStatus returns machine counts grouped by status
func (s *SQLStore) CountMachinesByStatus(ctx context.Context) (map[string]int, error) {
	return s.countByColumn(ctx, `SELECT status, COUNT(*) AS n FROM machines GROUP BY status`)
}

// deploymentRow maps the deployments table
type deploymentRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Config    []byte    `db:"config"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func deploymentToRow(d *types.Deployment) (*deploymentRow, error) {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deployment config: %w", err)
	}
	return &deploymentRow{
		ID:        d.ID,
		Name:      d.Name,
		Config:    cfg,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func (r *deploymentRow) toDeployment() (*types.Deployment, error) {
	d := &types.Deployment{
		ID:        r.ID,
		Name:      r.Name,
		Status:    types.DeploymentStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &d.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deployment config: %w", err)
		}
	}
	return d, nil
}

// CreateDeployment inserts a deployment, mapping unique violations to
// NAME_CONFLICT
func (s *SQLStore) CreateDeployment(ctx context.Context, d *types.Deployment) error {
	row, err := deploymentToRow(d)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO deployments (id, name, config, status, created_at, updated_at)
		VALUES (:id, :name, :config, :status, :created_at, :updated_at)`,
		row)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.NameConflict("deployment", d.Name)
		}
		return fmt.Errorf("failed to insert deployment: %w", err)
	}
	return nil
}

// GetDeployment fetches a deployment by ID
func (s *SQLStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return row.toDeployment()
}

// GetDeploymentByName fetches a deployment by its unique name
func (s *SQLStore) GetDeploymentByName(ctx context.Context, name string) (*types.Deployment, error) {
	var row deploymentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM deployments WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("deployment", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment by name: %w", err)
	}
	return row.toDeployment()
}

// ListDeployments returns all deployments ordered by creation time
func (s *SQLStore) ListDeployments(ctx context.Context) ([]*types.Deployment, error) {
	var rows []deploymentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM deployments ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	deployments := make([]*types.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDeployment()
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

// UpdateDeployment rewrites a deployment row
func (s *SQLStore) UpdateDeployment(ctx context.Context, d *types.Deployment) error {
	row, err := deploymentToRow(d)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE deployments
		SET name = :name, config = :config, status = :status, updated_at = :updated_at
		WHERE id = :id`,
		row)
	if err != nil {
		if isUniqueViolation(err) {
			return errdefs.NameConflict("deployment", d.Name)
		}
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	return requireRowAffected(res, "deployment", d.ID)
}

// DeleteDeployment removes a deployment row
func (s *SQLStore) DeleteDeployment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return requireRowAffected(res, "deployment", id)
}

// CountDeploymentsByStatus returns deployment counts grouped by status
func (s *SQLStore) CountDeploymentsByStatus(ctx context.Context) (map[string]int, error) {
	return s.countByColumn(ctx, `SELECT status, COUNT(*) AS n FROM deployments GROUP BY status`)
}

func (s *SQLStore) countByColumn(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errdefs.NotFound(kind, id)
	}
	return nil
}
