package tokenkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseTokenStore persists connected-account credentials using GORM.
type DatabaseTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseTokenStore) Driver() string {
	return store.driverLabel
}

type tokenRecordRow struct {
	AccountID             string `gorm:"column:account_id;primaryKey"`
	Platform              string `gorm:"column:platform;primaryKey"`
	AccessToken           string `gorm:"column:access_token;not null"`
	RefreshToken          string `gorm:"column:refresh_token;not null;default:''"`
	ExpiresUnix           int64  `gorm:"column:expires_unix;not null;default:0"`
	NeedsReauthentication bool   `gorm:"column:needs_reauthentication;not null;default:false"`
	Version               uint64 `gorm:"column:version;not null"`
	UpdatedAtUnix         int64  `gorm:"column:updated_at_unix;not null"`
}

func (tokenRecordRow) TableName() string {
	return "social_account_tokens"
}

func rowFromRecord(record TokenRecord) tokenRecordRow {
	row := tokenRecordRow{
		AccountID:             record.AccountID,
		Platform:              string(record.Platform),
		AccessToken:           record.AccessToken,
		RefreshToken:          record.RefreshToken,
		NeedsReauthentication: record.NeedsReauthentication,
		Version:               record.Version,
		UpdatedAtUnix:         record.UpdatedAt.Unix(),
	}
	if !record.ExpiresAt.IsZero() {
		row.ExpiresUnix = record.ExpiresAt.Unix()
	}
	return row
}

func (row tokenRecordRow) updates() map[string]any {
	return map[string]any{
		"access_token":           row.AccessToken,
		"refresh_token":          row.RefreshToken,
		"expires_unix":           row.ExpiresUnix,
		"needs_reauthentication": row.NeedsReauthentication,
		"version":                row.Version,
		"updated_at_unix":        row.UpdatedAtUnix,
	}
}

func (row tokenRecordRow) record() TokenRecord {
	record := TokenRecord{
		AccountID:             row.AccountID,
		Platform:              Platform(row.Platform),
		AccessToken:           row.AccessToken,
		RefreshToken:          row.RefreshToken,
		NeedsReauthentication: row.NeedsReauthentication,
		Version:               row.Version,
		UpdatedAt:             time.Unix(row.UpdatedAtUnix, 0).UTC(),
	}
	if row.ExpiresUnix != 0 {
		record.ExpiresAt = time.Unix(row.ExpiresUnix, 0).UTC()
	}
	return record
}

// NewDatabaseTokenStore constructs a GORM-backed store.
func NewDatabaseTokenStore(ctx context.Context, databaseURL string) (*DatabaseTokenStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, dbErr := gormDB.DB()
		if dbErr != nil {
			return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, dbErr)
		}
		// sqlite allows one writer; a single connection queues writers instead of failing them with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&tokenRecordRow{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Get loads the record for the account.
func (store *DatabaseTokenStore) Get(ctx context.Context, accountID string, platform Platform) (TokenRecord, error) {
	var row tokenRecordRow
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND platform = ?", accountID, string(platform)).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TokenRecord{}, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, ErrRecordNotFound)
		}
		return TokenRecord{}, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, err)
	}
	return row.record(), nil
}

// Put upserts the record in one statement; the version is bumped by the database so concurrent writers never share one.
func (store *DatabaseTokenStore) Put(ctx context.Context, record TokenRecord) (TokenRecord, error) {
	if err := ValidateRecord(record); err != nil {
		return TokenRecord{}, fmt.Errorf("token_store.put.%s: %w", store.driverLabel, err)
	}
	record.Version = 1
	record.UpdatedAt = time.Now().UTC()
	row := rowFromRecord(record)

	assignments := row.updates()
	assignments["version"] = gorm.Expr(tokenRecordRow{}.TableName() + ".version + 1")
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "platform"}},
		DoUpdates: clause.Assignments(assignments),
	}

	var stored tokenRecordRow
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(upsert).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ? AND platform = ?", row.AccountID, row.Platform).Take(&stored).Error
	})
	if txErr != nil {
		return TokenRecord{}, fmt.Errorf("token_store.put.%s: %w", store.driverLabel, txErr)
	}
	return stored.record(), nil
}

// CompareAndSwap updates the row only when its version still equals expected.Version.
func (store *DatabaseTokenStore) CompareAndSwap(ctx context.Context, expected TokenRecord, replacement TokenRecord) (TokenRecord, error) {
	if expected.Key() != replacement.Key() {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.%s: %w", store.driverLabel, ErrInvalidRecord)
	}
	if err := ValidateRecord(replacement); err != nil {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.%s: %w", store.driverLabel, err)
	}
	replacement.Version = expected.Version + 1
	replacement.UpdatedAt = time.Now().UTC()
	row := rowFromRecord(replacement)
	result := store.db.WithContext(ctx).Model(&tokenRecordRow{}).
		Where("account_id = ? AND platform = ? AND version = ?", expected.AccountID, string(expected.Platform), expected.Version).
		Updates(row.updates())
	if result.Error != nil {
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, getErr := store.Get(ctx, expected.AccountID, expected.Platform); getErr != nil {
			if errors.Is(getErr, ErrRecordNotFound) {
				return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.%s: %w", store.driverLabel, ErrRecordNotFound)
			}
			return TokenRecord{}, getErr
		}
		return TokenRecord{}, fmt.Errorf("token_store.compare_and_swap.%s: %w", store.driverLabel, ErrStoreConflict)
	}
	return row.record(), nil
}

// Delete removes the record for the account.
func (store *DatabaseTokenStore) Delete(ctx context.Context, accountID string, platform Platform) error {
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND platform = ?", accountID, string(platform)).
		Delete(&tokenRecordRow{}).Error
	if err != nil {
		return fmt.Errorf("token_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
