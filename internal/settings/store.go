// Package settings persists the conductor's WiFi credentials and named
// options in SQLite. Credentials are read once at boot and written only
// after a provisioned network has been proven by a successful
// association, or when the control plane posts new settings.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

const (
	namespace   = "settings"
	keySSID     = "wifi_ssid"
	keyPassword = "wifi_password"
)

// ErrInvalid is wrapped by every validation failure so callers can map
// it to a client error.
var ErrInvalid = errors.New("invalid settings")

// ErrUnavailable is returned by every operation on a store whose
// database could not be opened.
var ErrUnavailable = errors.New("settings store unavailable")

// Credentials identify a WiFi network.
type Credentials struct {
	SSID     string
	Password string
}

// Validate checks SSID and passphrase lengths against 802.11 limits.
// An empty password selects an open network.
func (c Credentials) Validate() error {
	if c.SSID == "" {
		return fmt.Errorf("%w: ssid is required", ErrInvalid)
	}
	if len(c.SSID) > 32 {
		return fmt.Errorf("%w: ssid longer than 32 bytes", ErrInvalid)
	}
	if c.Password != "" && (len(c.Password) < 8 || len(c.Password) > 63) {
		return fmt.Errorf("%w: password must be 8 to 63 characters", ErrInvalid)
	}
	return nil
}

// View is the externally visible settings document. The WiFi password
// is never returned, only whether one is stored.
type View struct {
	SSID        string            `json:"ssid"`
	PasswordSet bool              `json:"password_set"`
	Options     map[string]string `json:"options"`
}

// Update is a partial settings change. Nil fields are left untouched.
type Update struct {
	SSID     *string           `json:"ssid,omitempty"`
	Password *string           `json:"password,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// Store is a settings store backed by SQLite. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	options []string
	// broken is set on stores built by Unavailable; db is nil then.
	broken error
}

// NewStore opens the settings database at dbPath. options names the
// additional keys Update accepts; any other option key is rejected.
func NewStore(dbPath string, options []string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, options: slices.Clone(options)}
	sort.Strings(s.options)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Unavailable returns a store that fails every read and write with an
// error wrapping ErrUnavailable and cause. The daemon runs on it when
// the database cannot be opened: no credentials means provisioning.
func Unavailable(cause error, options []string) *Store {
	s := &Store{options: slices.Clone(options), broken: fmt.Errorf("%w: %v", ErrUnavailable, cause)}
	sort.Strings(s.options)
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_settings (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Credentials returns the stored WiFi credentials. ok is false when no
// SSID has been stored.
func (s *Store) Credentials() (creds Credentials, ok bool, err error) {
	values, err := s.list()
	if err != nil {
		return Credentials{}, false, err
	}
	creds = Credentials{SSID: values[keySSID], Password: values[keyPassword]}
	return creds, creds.SSID != "", nil
}

// SaveCredentials validates and stores WiFi credentials, replacing any
// previous pair atomically.
func (s *Store) SaveCredentials(c Credentials) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.write(map[string]string{keySSID: c.SSID, keyPassword: c.Password})
}

// Snapshot returns the current settings with the password redacted.
func (s *Store) Snapshot() (View, error) {
	values, err := s.list()
	if err != nil {
		return View{}, err
	}
	v := View{
		SSID:        values[keySSID],
		PasswordSet: values[keyPassword] != "",
		Options:     make(map[string]string, len(s.options)),
	}
	for _, name := range s.options {
		v.Options[name] = values[name]
	}
	return v, nil
}

// Options returns the option names Update accepts.
func (s *Store) Options() []string {
	return slices.Clone(s.options)
}

// Apply validates a partial update against the stored values and
// persists it in one transaction. It returns the names of the keys
// written.
func (s *Store) Apply(u Update) ([]string, error) {
	if s.broken != nil {
		return nil, s.broken
	}
	writes := make(map[string]string)

	if u.SSID != nil || u.Password != nil {
		current, _, err := s.Credentials()
		if err != nil {
			return nil, err
		}
		if u.SSID != nil {
			current.SSID = *u.SSID
		}
		if u.Password != nil {
			current.Password = *u.Password
		}
		if err := current.Validate(); err != nil {
			return nil, err
		}
		writes[keySSID] = current.SSID
		writes[keyPassword] = current.Password
	}

	for name, value := range u.Options {
		if _, found := slices.BinarySearch(s.options, name); !found {
			return nil, fmt.Errorf("%w: unknown option %q", ErrInvalid, name)
		}
		if !utf8.ValidString(value) || len(value) > 256 {
			return nil, fmt.Errorf("%w: option %q value too long or not UTF-8", ErrInvalid, name)
		}
		writes[name] = value
	}

	if len(writes) == 0 {
		return nil, fmt.Errorf("%w: no settings supplied", ErrInvalid)
	}
	if err := s.write(writes); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(writes))
	for k := range writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) list() (map[string]string, error) {
	if s.broken != nil {
		return nil, s.broken
	}
	rows, err := s.db.Query(
		`SELECT key, value FROM device_settings WHERE namespace = ?`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

func (s *Store) write(values map[string]string) error {
	if s.broken != nil {
		return s.broken
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		_, err := tx.Exec(
			`INSERT INTO device_settings (namespace, key, value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (namespace, key) DO UPDATE
			 SET value = excluded.value, updated_at = excluded.updated_at`,
			namespace, k, v, now,
		)
		if err != nil {
			return fmt.Errorf("set %s/%s: %w", namespace, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
