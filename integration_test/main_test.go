//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/storage"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

const (
	postgresUser     = "vapi"
	postgresPassword = "vapi"
	postgresDB       = "vapi_sync"
	externalDB       = "tenant_calls"
	mysqlPassword    = "tenant"
	mysqlDB          = "tenant_calls"
)

// endpoint is the host side address of a container port.
type endpoint struct {
	Host string
	Port int
}

func (e endpoint) Addr() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// BaseIntegrationSuite starts Postgres, MySQL, Redis and NATS once per
// suite. Postgres holds the shared database and a second database used as
// an organization's external store; MySQL is a second external store.
type BaseIntegrationSuite struct {
	suite.Suite
	Ctx    context.Context
	cancel context.CancelFunc

	Postgres   testcontainers.Container
	PostgresEP endpoint
	MySQL      testcontainers.Container
	MySQLEP    endpoint
	Redis      testcontainers.Container
	RedisEP    endpoint
	NATS       testcontainers.Container
	NATSURL    string

	DB *gorm.DB
}

// SetupSuite runs once before the tests in the suite are run.
func (s *BaseIntegrationSuite) SetupSuite() {
	if err := exec.Command("docker", "info").Run(); err != nil {
		s.T().Skip("Skipping integration suite: Docker not available")
	}

	s.Ctx, s.cancel = context.WithCancel(context.Background())
	logger.Log = zaptest.NewLogger(s.T()).Named("integration")
	startTime := time.Now()

	var err error
	s.Postgres, s.PostgresEP, err = startContainer(s.Ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
	s.Require().NoError(err, "Failed to start postgres")
	log.Println("PostgreSQL container started.")

	s.MySQL, s.MySQLEP, err = startContainer(s.Ctx, testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": mysqlPassword,
			"MYSQL_DATABASE":      mysqlDB,
		},
		WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(120 * time.Second),
	}, "3306/tcp")
	s.Require().NoError(err, "Failed to start mysql")
	log.Println("MySQL container started.")

	s.Redis, s.RedisEP, err = startContainer(s.Ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379/tcp")
	s.Require().NoError(err, "Failed to start redis")
	log.Println("Redis container started.")

	var natsEP endpoint
	s.NATS, natsEP, err = startContainer(s.Ctx, testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForLog("Server is ready"),
	}, "4222/tcp")
	s.Require().NoError(err, "Failed to start NATS")
	s.NATSURL = "nats://" + natsEP.Addr()
	log.Println("NATS container started.")

	s.DB, err = storage.Open(config.DatabaseConfig{
		Driver:      "postgres",
		DSN:         s.postgresDSN(postgresDB),
		AutoMigrate: true,
	})
	s.Require().NoError(err, "Failed to open shared database")
	s.Require().NoError(s.DB.Exec("CREATE DATABASE " + externalDB).Error)

	log.Printf("BaseIntegrationSuite setup complete in %v", time.Since(startTime))
}

// TearDownSuite runs once after all tests in the suite have finished.
func (s *BaseIntegrationSuite) TearDownSuite() {
	if s.DB != nil {
		_ = storage.Close(context.Background(), s.DB)
	}
	for _, c := range []testcontainers.Container{s.NATS, s.Redis, s.MySQL, s.Postgres} {
		if c == nil {
			continue
		}
		if err := c.Terminate(context.Background()); err != nil {
			s.T().Logf("Error terminating container: %v", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// SetupTest empties the shared tables so every test starts clean.
func (s *BaseIntegrationSuite) SetupTest() {
	for _, table := range []string{"vapi_call_logs", "vapi_sync_states", "vapi_sync_locks", "vapi_organizations"} {
		s.Require().NoError(s.DB.Exec("TRUNCATE TABLE " + table + " RESTART IDENTITY CASCADE").Error)
	}
}

func (s *BaseIntegrationSuite) postgresDSN(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", postgresUser, postgresPassword, s.PostgresEP.Addr(), database)
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (testcontainers.Container, endpoint, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, endpoint{}, fmt.Errorf("failed to start %s: %w", req.Image, err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		return c, endpoint{}, fmt.Errorf("failed to get %s host: %w", req.Image, err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return c, endpoint{}, fmt.Errorf("failed to get %s port: %w", req.Image, err)
	}
	p, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return c, endpoint{}, err
	}
	return c, endpoint{Host: host, Port: p}, nil
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationSuite))
}

// IntegrationSuite groups every test that runs against the containers.
type IntegrationSuite struct {
	BaseIntegrationSuite
}
