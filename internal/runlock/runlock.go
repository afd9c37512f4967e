// Package runlock implements the advisory exclusive-writer lock for a run
// directory: a .lock file carrying a lease that the holder heartbeats. A
// stale lease may be taken over; a lost lock aborts the caller's tick.
package runlock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/schema"
)

// DefaultLease is the lease granted when the caller does not choose one.
// Holders must heartbeat at no more than half the lease.
const DefaultLease = 120 * time.Second

// FileName is the lock file inside the run root.
const FileName = ".lock"

// Record is the lock.v1 document stored in the lock file.
type Record struct {
	SchemaVersion  string `json:"schema_version"`
	HolderID       string `json:"holder_id"`
	AcquiredAt     string `json:"acquired_at"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

// Lock is a held run lock.
type Lock struct {
	Path     string
	HolderID string
	Lease    time.Duration

	Now func() time.Time
}

// Options tunes acquisition.
type Options struct {
	// HolderID defaults to a fresh v4 UUID.
	HolderID string
	// Lease defaults to DefaultLease.
	Lease time.Duration
	// Attempts bounds acquisition retries before LOCK_HELD. Default 8.
	Attempts int
	// Sleep is swapped in tests. Defaults to time.Sleep.
	Sleep func(time.Duration)
	Now   func() time.Time
}

func (o *Options) applyDefaults() {
	if o.HolderID == "" {
		o.HolderID = uuid.NewString()
	}
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.Attempts <= 0 {
		o.Attempts = 8
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Acquire takes the run lock, retrying with deterministic backoff while a
// live lease is held by someone else. An expired lease is taken over.
func Acquire(runRoot, runID string, opts Options) (*Lock, error) {
	opts.applyDefaults()
	path := filepath.Join(runRoot, FileName)

	for attempt := 1; ; attempt++ {
		ok, err := tryAcquire(path, opts)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{Path: path, HolderID: opts.HolderID, Lease: opts.Lease, Now: opts.Now}, nil
		}
		if attempt >= opts.Attempts {
			return nil, coreerr.New(coreerr.CodeLockHeld,
				"run lock held after %d attempts: %s", opts.Attempts, path).At(path)
		}
		opts.Sleep(BackoffDelay(runID, attempt))
	}
}

func tryAcquire(path string, opts Options) (bool, error) {
	now := opts.Now()
	rec := Record{
		SchemaVersion:  "lock.v1",
		HolderID:       opts.HolderID,
		AcquiredAt:     isoTime(now),
		LeaseExpiresAt: isoTime(now.Add(opts.Lease)),
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, coreerr.Wrap(coreerr.CodeWriteFailed, err, "encode lock record")
	}
	body = append(body, '\n')

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		defer func() { _ = f.Close() }()
		if _, err := f.Write(body); err != nil {
			_ = os.Remove(path)
			return false, coreerr.Wrap(coreerr.CodeWriteFailed, err, "write lock %s", path).At(path)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, coreerr.Wrap(coreerr.CodePathNotWritable, err, "create lock %s", path).At(path)
	}

	existing, err := Read(path)
	if err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return false, nil // holder released between stat and read; retry
		}
		return false, err
	}
	expires, perr := time.Parse(time.RFC3339Nano, existing.LeaseExpiresAt)
	if perr == nil && now.Before(expires) {
		return false, nil // live lease
	}

	// Stale takeover: replace the record in place. The atomic rename keeps
	// competing takeovers from interleaving partial writes.
	if err := runfs.AtomicWriteText(path, string(body)); err != nil {
		return false, err
	}
	return true, nil
}

// Read loads and validates the lock record at path.
func Read(path string) (Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, coreerr.New(coreerr.CodeNotFound, "no lock at %s", path).At(path)
		}
		return Record{}, coreerr.Wrap(coreerr.CodeWriteFailed, err, "read lock %s", path).At(path)
	}
	if err := schema.ValidateBytes(schema.Lock, raw); err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, coreerr.Wrap(coreerr.CodeInvalidJSON, err, "decode lock %s", path).At(path)
	}
	return rec, nil
}

// Heartbeat refreshes the lease. It fails with LOCK_HELD when the lock file
// is gone or owned by a different holder; the caller must abort its tick
// without writing.
func (l *Lock) Heartbeat() error {
	if err := l.check(); err != nil {
		return err
	}
	now := l.now()
	rec := Record{
		SchemaVersion:  "lock.v1",
		HolderID:       l.HolderID,
		AcquiredAt:     isoTime(now),
		LeaseExpiresAt: isoTime(now.Add(l.Lease)),
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "encode lock record")
	}
	return runfs.AtomicWriteText(l.Path, string(body)+"\n")
}

// Release removes the lock file when still held by this holder.
func (l *Lock) Release() error {
	if err := l.check(); err != nil {
		return err
	}
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "remove lock %s", l.Path).At(l.Path)
	}
	return nil
}

// Held reports whether the lock file still names this holder.
func (l *Lock) Held() bool { return l.check() == nil }

func (l *Lock) check() error {
	rec, err := Read(l.Path)
	if err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return coreerr.New(coreerr.CodeLockHeld, "lock lost: file removed at %s", l.Path).At(l.Path)
		}
		return err
	}
	if rec.HolderID != l.HolderID {
		return coreerr.New(coreerr.CodeLockHeld,
			"lock lost: now held by %s", rec.HolderID).At(l.Path)
	}
	return nil
}

func (l *Lock) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
