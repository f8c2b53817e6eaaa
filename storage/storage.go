// Package storage persists push subscription state for crash recovery.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"inbox-triage/pkg/triage"
)

// Store persists subscriptions to a Cloud Storage bucket, or to a local
// directory in development mode.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. Either bucket or localPath must be set;
// localPath wins when both are.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// subscriptionKey generates a stable, path-safe object name from a
// provider-issued subscription ID.
func subscriptionKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("watch-%s.json", hex.EncodeToString(sum[:16]))
}

// Save persists one subscription record.
func (s *Store) Save(ctx context.Context, sub *triage.Subscription) error {
	if sub.ID == "" {
		return errors.New("subscription has no id")
	}
	key := subscriptionKey(sub.ID)
	s.logger.Debug("Saving subscription", "key", key, "subscription_id", sub.ID)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Subscription saved to local storage", "path", filePath, "subscription_id", sub.ID, "status", sub.Status)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Subscription saved", "key", key, "subscription_id", sub.ID, "status", sub.Status)
	return nil
}

// Load loads a subscription by its provider-issued ID.
func (s *Store) Load(ctx context.Context, id string) (*triage.Subscription, error) {
	return s.loadKey(ctx, subscriptionKey(id))
}

func (s *Store) loadKey(ctx context.Context, key string) (*triage.Subscription, error) {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New("storage: object doesn't exist")
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var sub triage.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// Delete removes a subscription record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := subscriptionKey(id)
	s.logger.Debug("Deleting subscription", "key", key, "subscription_id", id)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Subscription deleted from local storage", "path", filePath, "subscription_id", id)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Subscription deleted", "key", key, "subscription_id", id)
	return nil
}

// List loads every persisted subscription.
func (s *Store) List(ctx context.Context) ([]*triage.Subscription, error) {
	var subs []*triage.Subscription

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "watch-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			sub, err := s.loadKey(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscription", "file", entry.Name(), "error", err)
				continue
			}
			subs = append(subs, sub)
		}
		return subs, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: "watch-",
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		sub, err := s.loadKey(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscription", "key", attrs.Name, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// IsNotFound checks if an error indicates a subscription was not found.
func IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "storage: object doesn't exist")
}
