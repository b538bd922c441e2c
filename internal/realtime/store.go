// Package realtime manages the SQL rows the telephony engine polls to
// authenticate dynamic SIP endpoints, plus the push-token registry.
package realtime

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Endpoint template ids. The two templates differ in codec allow-lists:
// the doorphone template is narrow-band audio plus H.264 for the door
// camera; the client template adds opus for the mobile app.
const (
	TemplateDomophone = "tpl_domophone"
	TemplateClient    = "tpl_client"
)

const (
	domophoneAllow = "ulaw,alaw,h264"
	clientAllow    = "opus,ulaw,alaw,h264"
)

// Store provides access to the realtime config tables over PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("realtime store opened")
	return s, nil
}

// NewWithDB wraps an existing database handle without running migrations.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// EnsureTemplates upserts the two endpoint template rows the ephemeral
// endpoints reference. Safe to call on every startup.
func (s *Store) EnsureTemplates(ctx context.Context) error {
	templates := []struct {
		id    string
		allow string
	}{
		{TemplateDomophone, domophoneAllow},
		{TemplateClient, clientAllow},
	}

	for _, t := range templates {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO ps_endpoints (id, context, disallow, allow, direct_media, force_rport, rewrite_contact, rtp_symmetric)
			 VALUES ($1, 'doorlink', 'all', $2, 'no', 'yes', 'yes', 'yes')
			 ON CONFLICT (id) DO UPDATE SET
			   allow = EXCLUDED.allow`,
			t.id, t.allow,
		)
		if err != nil {
			return fmt.Errorf("upserting endpoint template %s: %w", t.id, err)
		}
	}
	return nil
}

// EndpointParams describes an ephemeral SIP endpoint to create.
type EndpointParams struct {
	ID         string
	Username   string
	Password   string
	Context    string
	TemplateID string
}

// allowForTemplate maps a template id to its codec allow-list.
func allowForTemplate(templateID string) string {
	if templateID == TemplateClient {
		return clientAllow
	}
	return domophoneAllow
}

// CreateEphemeralEndpoint inserts the AOR, auth and endpoint rows for a
// disposable SIP identity. All three rows share the endpoint id. Calling it
// again with the same params updates non-key columns and never duplicates.
func (s *Store) CreateEphemeralEndpoint(ctx context.Context, p EndpointParams) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ps_aors (id, max_contacts)
		 VALUES ($1, 1)
		 ON CONFLICT (id) DO UPDATE SET
		   max_contacts = EXCLUDED.max_contacts`,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("upserting aor %s: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ps_auths (id, auth_type, username, password)
		 VALUES ($1, 'userpass', $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   username = EXCLUDED.username,
		   password = EXCLUDED.password`,
		p.ID, p.Username, p.Password,
	)
	if err != nil {
		return fmt.Errorf("upserting auth %s: %w", p.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ps_endpoints (id, transport, aors, auth, context, disallow, allow, templates, direct_media, force_rport, rewrite_contact, rtp_symmetric)
		 VALUES ($1, 'transport-udp', $1, $1, $2, 'all', $3, $4, 'no', 'yes', 'yes', 'yes')
		 ON CONFLICT (id) DO UPDATE SET
		   context = EXCLUDED.context,
		   allow = EXCLUDED.allow,
		   templates = EXCLUDED.templates`,
		p.ID, p.Context, allowForTemplate(p.TemplateID), p.TemplateID,
	)
	if err != nil {
		return fmt.Errorf("upserting endpoint %s: %w", p.ID, err)
	}

	return nil
}

// DeleteEphemeralEndpoint removes the endpoint, auth and AOR rows in that
// order. Safe on a missing id.
func (s *Store) DeleteEphemeralEndpoint(ctx context.Context, id string) error {
	for _, q := range []string{
		"DELETE FROM ps_endpoints WHERE id = $1",
		"DELETE FROM ps_auths WHERE id = $1",
		"DELETE FROM ps_aors WHERE id = $1",
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting endpoint rows for %s: %w", id, err)
		}
	}
	return nil
}

// ListEphemeralEndpoints returns the ids of all endpoint rows in the
// disposable namespaces, for janitor reconciliation.
func (s *Store) ListEphemeralEndpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ps_endpoints WHERE id LIKE 'tmp\_%' OR id LIKE 'out\_%'`)
	if err != nil {
		return nil, fmt.Errorf("listing ephemeral endpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning endpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsureUser inserts a user row if it does not exist.
func (s *Store) EnsureUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ensuring user %s: %w", id, err)
	}
	return nil
}

// PushToken binds a user to a device push token.
type PushToken struct {
	ID        int64
	UserID    string
	Token     string
	Platform  string
	DeviceID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SavePushToken upserts a push token for a user. Unique on (user_id, token).
func (s *Store) SavePushToken(ctx context.Context, t *PushToken) error {
	if err := s.EnsureUser(ctx, t.UserID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_tokens (user_id, token, platform, device_id, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id, token) DO UPDATE SET
		   platform = EXCLUDED.platform,
		   device_id = EXCLUDED.device_id,
		   updated_at = NOW()`,
		t.UserID, t.Token, t.Platform, t.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("upserting push token: %w", err)
	}
	return nil
}

// ListPushTokens returns all push tokens registered for a user.
func (s *Store) ListPushTokens(ctx context.Context, userID string) ([]PushToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, token, platform, COALESCE(device_id, ''), created_at, updated_at
		 FROM push_tokens WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []PushToken
	for rows.Next() {
		var t PushToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.DeviceID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning push token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// CallEntry is one row of the accepted-call journal.
type CallEntry struct {
	ID         string
	Token      string
	ChannelID  string
	EndpointID string
	State      string
}

// RecordCall inserts a journal row for an accepted doorphone call, or
// updates the state of the existing row with the same id.
func (s *Store) RecordCall(ctx context.Context, e CallEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, token, channel_id, endpoint_id, state)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		e.ID, e.Token, e.ChannelID, e.EndpointID, e.State,
	)
	if err != nil {
		return fmt.Errorf("recording call %s: %w", e.ID, err)
	}
	return nil
}

// CountEphemeralEndpoints returns the number of live disposable endpoint
// rows, for metrics.
func (s *Store) CountEphemeralEndpoints(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ps_endpoints WHERE id LIKE 'tmp\_%' OR id LIKE 'out\_%'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting ephemeral endpoints: %w", err)
	}
	return n, nil
}
