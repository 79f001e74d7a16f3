//go:build integration

package integration

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sarus-health/mailqueue/internal/app"
	"github.com/sarus-health/mailqueue/internal/config"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/identity/jwt"
	"github.com/sarus-health/mailqueue/internal/testutil"
)

var (
	testServer *httptest.Server
	testApp    *app.App
	testConfig *config.Config
	testDB     *pgxpool.Pool
	testToken  string

	mailpit *testutil.MailpitContainer
)

// OpenAPI document path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

const (
	testSecret     = "integration-secret-0123456789abcdef"
	adminRecipient = "ops@sarus.example"
)

// newTestClient creates an operator client with OpenAPI validation enabled.
func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	return testutil.NewClientWithValidation(t, testServer.URL, openAPISpecPath).WithToken(testToken)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	mailpit, err = testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("start mailpit: %v", err)
	}
	defer func() {
		if err := mailpit.Terminate(ctx); err != nil {
			log.Printf("terminate mailpit: %v", err)
		}
	}()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Server.OpenAPIPath = openAPISpecPath
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	cfg.Storage.Driver = config.DriverPostgres
	cfg.Storage.Postgres.URL = pgContainer.ConnectionString
	cfg.Storage.Postgres.MaxOpenConns = 5
	cfg.Storage.Postgres.ConnectAttempts = 3
	cfg.Storage.Postgres.AutoMigrate = true
	cfg.Email.Transport = config.TransportSMTP
	cfg.Email.SMTP.Host = mailpit.SMTPHost
	cfg.Email.SMTP.Port = mailpit.SMTPPort
	cfg.Email.SMTP.From = "Sarus <noreply@sarus.example>"
	cfg.Email.SMTP.Timeout = 10 * time.Second
	cfg.Auth.JWTSecret = testSecret
	cfg.Contact.Enabled = true
	cfg.Contact.AdminRecipients = []string{adminRecipient}
	cfg.Contact.RatePerMinute = 0
	// The worker stays off so each test drives processing passes itself.
	cfg.Queue.WorkerEnabled = false
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid test config: %v", err)
	}
	testConfig = cfg

	testApp, err = app.New(cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testDB, err = pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("create test db pool: %v", err)
	}

	auth, err := jwt.NewAuthenticator(jwt.Config{Secret: testSecret})
	if err != nil {
		log.Fatalf("create authenticator: %v", err)
	}
	testToken, err = auth.Issue("integration", domain.RoleOperator, time.Hour)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}

	testServer = httptest.NewServer(testApp.Router())

	code := m.Run()

	testServer.Close()
	testDB.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := testApp.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}

	os.Exit(code)
}
