package storage

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/vapi-call-sync/internal/apperrors"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

const (
	defaultExternalTimeout  = 10 * time.Second
	externalMaxOpenConns    = 5
	externalMaxIdleConns    = 2
	externalConnMaxLifetime = 30 * time.Minute
)

// StorageRouter resolves an organization to the shared call table or to a
// dedicated table in the organization's own database. External connections
// are cached by descriptor fingerprint and shared between organizations that
// point at the same database.
type StorageRouter struct {
	local   *gorm.DB
	orgs    OrganizationRepo
	timeout time.Duration
	log     *zap.Logger

	mu    sync.Mutex
	conns map[string]*gorm.DB // fingerprint -> connection
	byOrg map[uint]string     // organization -> fingerprint
}

var _ StoreResolver = (*StorageRouter)(nil)

// NewStorageRouter creates a router over the shared database.
func NewStorageRouter(local *gorm.DB, orgs OrganizationRepo, timeout time.Duration, log *zap.Logger) *StorageRouter {
	if timeout <= 0 {
		timeout = defaultExternalTimeout
	}
	if log == nil {
		log = logger.Log
	}
	return &StorageRouter{
		local:   local,
		orgs:    orgs,
		timeout: timeout,
		log:     log.Named("storage_router"),
		conns:   make(map[string]*gorm.DB),
		byOrg:   make(map[uint]string),
	}
}

// Resolve returns the organization's call store, provisioning a dedicated
// table on first use.
func (r *StorageRouter) Resolve(ctx context.Context, org *model.Organization) (CallRecordStore, error) {
	if org == nil {
		return nil, fmt.Errorf("%w: organization is required", apperrors.ErrBadRequest)
	}
	if !org.UseSeparateDB {
		return NewSharedCallStore(r.local, org.ID), nil
	}

	store, err := r.external(ctx, org)
	if err != nil {
		return nil, err
	}
	if !org.DBTableCreated {
		if err := r.provision(ctx, org, store); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Provision creates the organization's call table whatever the registry flag says.
func (r *StorageRouter) Provision(ctx context.Context, org *model.Organization) (CallRecordStore, error) {
	if org == nil {
		return nil, fmt.Errorf("%w: organization is required", apperrors.ErrBadRequest)
	}
	if !org.UseSeparateDB {
		store := NewSharedCallStore(r.local, org.ID)
		if err := store.ProvisionStorage(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}

	store, err := r.external(ctx, org)
	if err != nil {
		return nil, err
	}
	if err := r.provision(ctx, org, store); err != nil {
		return nil, err
	}
	return store, nil
}

func (r *StorageRouter) provision(ctx context.Context, org *model.Organization, store *GormCallStore) error {
	if err := store.ProvisionStorage(ctx); err != nil {
		r.log.Error("Failed to provision external call table",
			zap.Uint("organization_id", org.ID),
			zap.String("table", org.ExternalTableName()),
			zap.Error(err))
		return err
	}
	if err := r.orgs.MarkTableProvisioned(ctx, org.ID); err != nil {
		return err
	}
	org.DBTableCreated = true
	r.log.Info("External call table provisioned",
		zap.Uint("organization_id", org.ID),
		zap.String("table", org.ExternalTableName()))
	return nil
}

func (r *StorageRouter) external(ctx context.Context, org *model.Organization) (*GormCallStore, error) {
	descriptor := org.Descriptor().Normalized()
	fingerprint := descriptor.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, ok := r.byOrg[org.ID]; ok && previous != fingerprint {
		delete(r.byOrg, org.ID)
		r.closeUnusedLocked(previous)
	}

	db, ok := r.conns[fingerprint]
	if !ok {
		opened, err := r.open(ctx, descriptor)
		if err != nil {
			return nil, err
		}
		db = opened
		r.conns[fingerprint] = db
	}
	r.byOrg[org.ID] = fingerprint

	return NewExternalCallStore(db, org.ID, org.ExternalTableName()), nil
}

// Invalidate forgets the organization's cached connection, closing it when no
// other organization uses it.
func (r *StorageRouter) Invalidate(organizationID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fingerprint, ok := r.byOrg[organizationID]
	if !ok {
		return
	}
	delete(r.byOrg, organizationID)
	r.closeUnusedLocked(fingerprint)
}

func (r *StorageRouter) closeUnusedLocked(fingerprint string) {
	for _, fp := range r.byOrg {
		if fp == fingerprint {
			return
		}
	}
	if db, ok := r.conns[fingerprint]; ok {
		delete(r.conns, fingerprint)
		closeDB(context.Background(), db)
	}
}

// TestConnection connects with the descriptor, runs a trivial query and
// creates then drops a scratch table to confirm write permissions.
func (r *StorageRouter) TestConnection(ctx context.Context, descriptor model.DBDescriptor) error {
	descriptor = descriptor.Normalized()
	db, err := r.open(ctx, descriptor)
	if err != nil {
		return err
	}
	defer closeDB(ctx, db)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	tx := db.WithContext(ctx)

	var one int
	if err := tx.Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("%w: test query failed: %w", apperrors.ErrDatabase, err)
	}

	scratch := "vapi_connection_check_" + uuid.NewString()[:8]
	if err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (id INTEGER)", scratch)).Error; err != nil {
		return fmt.Errorf("%w: cannot create tables: %w", apperrors.ErrDatabase, err)
	}
	if err := tx.Exec(fmt.Sprintf("DROP TABLE %s", scratch)).Error; err != nil {
		return fmt.Errorf("%w: cannot drop tables: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *StorageRouter) open(ctx context.Context, descriptor model.DBDescriptor) (*gorm.DB, error) {
	dsn, err := externalDSN(descriptor, r.timeout)
	if err != nil {
		return nil, err
	}
	dialector, err := openDialector(descriptor.Driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s database %s: %w", apperrors.ErrDatabase, descriptor.Driver, descriptor.Name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	sqlDB.SetMaxOpenConns(externalMaxOpenConns)
	sqlDB.SetMaxIdleConns(externalMaxIdleConns)
	sqlDB.SetConnMaxLifetime(externalConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: failed to reach %s database %s: %w", apperrors.ErrDatabase, descriptor.Driver, descriptor.Name, err)
	}
	return db, nil
}

// externalDSN builds the driver DSN for an external descriptor.
func externalDSN(d model.DBDescriptor, timeout time.Duration) (string, error) {
	switch d.Driver {
	case model.DriverMySQL:
		cfg := mysqldrv.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Name
		cfg.ParseTime = true
		cfg.Timeout = timeout
		cfg.Params = map[string]string{"charset": "utf8mb4"}
		return cfg.FormatDSN(), nil
	case model.DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:     "/" + d.Name,
			RawQuery: fmt.Sprintf("sslmode=disable&connect_timeout=%d", int(timeout.Seconds())),
		}
		return u.String(), nil
	case model.DriverSQLite:
		if d.Name == "" {
			return "", fmt.Errorf("%w: sqlite database path is required", apperrors.ErrBadRequest)
		}
		return d.Name, nil
	default:
		return "", fmt.Errorf("%w: unsupported database driver %q", apperrors.ErrBadRequest, d.Driver)
	}
}

// Close closes every cached external connection.
func (r *StorageRouter) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fingerprint, db := range r.conns {
		closeDB(ctx, db)
		delete(r.conns, fingerprint)
	}
	r.byOrg = make(map[uint]string)
}
