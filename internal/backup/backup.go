// Package backup takes encrypted snapshots of the ledger database and keeps
// them in S3-compatible storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"
)

// ErrNotConfigured is returned when bucket, credentials or passphrase are
// missing.
var ErrNotConfigured = errors.New("backup not configured")

const (
	keyPrefix  = "vpnshop-"
	keySuffix  = ".db.enc"
	timeLayout = "20060102T150405Z"
)

// s3Client is the subset of the S3 API the manager uses.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Config struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string

	// Interval between scheduled snapshots. Zero disables the schedule.
	Interval  time.Duration
	// Retention is how long snapshots are kept. Zero keeps them forever.
	Retention time.Duration
}

func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// Snapshot is one stored backup.
type Snapshot struct {
	Key   string    `json:"key"`
	Size  int64     `json:"size"`
	Taken time.Time `json:"taken"`
}

type Manager struct {
	cfg    Config
	db     *sql.DB
	client s3Client
	logger *slog.Logger
	now    func() time.Time

	// runMu serializes snapshots.
	runMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "backup"),
		now:    time.Now,
	}
	if cfg.Enabled() {
		m.client = newS3Client(cfg)
	}
	return m
}

func newS3Client(cfg Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool { return m.client != nil }

func (m *Manager) objectKey(taken time.Time) string {
	return m.cfg.Prefix + keyPrefix + taken.UTC().Format(timeLayout) + keySuffix
}

func (m *Manager) parseKey(key string) (time.Time, bool) {
	name, ok := strings.CutPrefix(key, m.cfg.Prefix+keyPrefix)
	if !ok {
		return time.Time{}, false
	}
	name, ok = strings.CutSuffix(name, keySuffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Run writes a consistent copy of the database, encrypts it and uploads it.
func (m *Manager) Run(ctx context.Context) (*Snapshot, error) {
	if m.client == nil {
		return nil, ErrNotConfigured
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()

	dir, err := os.MkdirTemp("", "vpnshop-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	copyPath := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, copyPath); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	plaintext, err := os.ReadFile(copyPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}

	taken := m.now().UTC().Truncate(time.Second)
	snap := &Snapshot{Key: m.objectKey(taken), Size: int64(len(sealed)), Taken: taken}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(snap.Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(snap.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}

	m.logger.Info("backup uploaded", "key", snap.Key, "size", snap.Size)
	return snap, nil
}

// List returns stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	if m.client == nil {
		return nil, ErrNotConfigured
	}
	var snaps []Snapshot
	var token *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.cfg.Bucket),
			Prefix:            aws.String(m.cfg.Prefix + keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			taken, ok := m.parseKey(key)
			if !ok {
				continue
			}
			snaps = append(snaps, Snapshot{Key: key, Size: aws.ToInt64(obj.Size), Taken: taken})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Taken.Before(snaps[j].Taken) })
	return snaps, nil
}

// Prune deletes snapshots older than the retention period. The newest
// snapshot is always kept.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) > 0 {
		snaps = snaps[:len(snaps)-1]
	}

	cutoff := m.now().UTC().Add(-m.cfg.Retention)
	deleted := 0
	for _, snap := range snaps {
		if !snap.Taken.Before(cutoff) {
			continue
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(snap.Key),
		}); err != nil {
			m.logger.Warn("delete old backup", "key", snap.Key, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("old backups deleted", "count", deleted)
	}
	return deleted, nil
}

// Restore downloads and decrypts a snapshot, checks its integrity and
// replaces the database file at dst. Nothing may have dst open.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	if m.client == nil {
		return ErrNotConfigured
	}
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download snapshot %s: %w", key, err)
	}
	sealed, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", key, err)
	}
	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0o600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	defer os.Remove(tmp)
	if err := checkIntegrity(ctx, tmp); err != nil {
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dst + "-wal")
	os.Remove(dst + "-shm")

	m.logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Start runs Run and Prune every Interval until ctx is done or Stop is
// called. It does nothing when backups are not configured or not scheduled.
func (m *Manager) Start(ctx context.Context) {
	if m.client == nil || m.cfg.Interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Run(ctx); err != nil {
					m.logger.Error("scheduled backup failed", "error", err)
					continue
				}
				if _, err := m.Prune(ctx); err != nil {
					m.logger.Error("prune backups", "error", err)
				}
			}
		}
	}()
}

// Stop ends the schedule and waits for a running snapshot to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
