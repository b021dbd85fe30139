package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Outcome of a check-in attempt as seen by this device.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeThrottled Outcome = "throttled"
	OutcomeFailed    Outcome = "failed"
)

// IssuedToken is a token this device issued as a lecturer.
type IssuedToken struct {
	ID        uint      `gorm:"primaryKey"`
	Token     string    `gorm:"size:64;index"`
	CourseID  int       `gorm:"index"`
	ExpiresAt time.Time
	IssuedAt  time.Time `gorm:"index"`
}

// CheckIn is one submission attempt. Only hashes of the token and of the
// submitting account are kept.
type CheckIn struct {
	ID        uint    `gorm:"primaryKey"`
	Account   string  `gorm:"size:64;index"`
	TokenHash string  `gorm:"size:64;index"`
	Outcome   Outcome `gorm:"size:16;index"`
	Message   string  `gorm:"size:512"`
	At        time.Time
}

// Ledger is the local record of issued tokens and check-in attempts.
type Ledger struct {
	db *gorm.DB
}

// Open creates or opens the sqlite ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		if db != nil {
			if sqlDB, derr := db.DB(); derr == nil {
				_ = sqlDB.Close()
			}
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	fail := func(err error) (*Ledger, error) {
		_ = sqlDB.Close()
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	_, _ = sqlDB.Exec("PRAGMA journal_mode = WAL;")
	_, _ = sqlDB.Exec("PRAGMA busy_timeout = 5000;")

	if err := db.AutoMigrate(&IssuedToken{}, &CheckIn{}); err != nil {
		return fail(fmt.Errorf("auto migrate: %w", err))
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HashToken is the key check-ins are stored under. Account keys use it too.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (l *Ledger) RecordIssued(ctx context.Context, token string, courseID int, expiresAt time.Time) error {
	rec := IssuedToken{Token: token, CourseID: courseID, ExpiresAt: expiresAt, IssuedAt: time.Now()}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record issued token: %w", err)
	}
	return nil
}

// RecordCheckIn stores one attempt by account, an opaque key for the logged in user.
func (l *Ledger) RecordCheckIn(ctx context.Context, account, token string, outcome Outcome, message string) error {
	rec := CheckIn{Account: account, TokenHash: HashToken(token), Outcome: outcome, Message: message, At: time.Now()}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record check-in: %w", err)
	}
	return nil
}

// IsAccepted reports whether the backend already accepted token for account on
// this device. Other accounts sharing the device are not affected.
func (l *Ledger) IsAccepted(ctx context.Context, account, token string) (bool, error) {
	var rec CheckIn
	err := l.db.WithContext(ctx).
		Where("account = ? AND token_hash = ? AND outcome = ?", account, HashToken(token), OutcomeAccepted).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup check-in: %w", err)
	}
	return true, nil
}

// CheckIns returns the newest attempts first. limit <= 0 means all.
func (l *Ledger) CheckIns(ctx context.Context, limit int) ([]CheckIn, error) {
	var out []CheckIn
	q := l.db.WithContext(ctx).Order("at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list check-ins: %w", err)
	}
	return out, nil
}

func (l *Ledger) Issued(ctx context.Context, limit int) ([]IssuedToken, error) {
	var out []IssuedToken
	q := l.db.WithContext(ctx).Order("issued_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list issued tokens: %w", err)
	}
	return out, nil
}
