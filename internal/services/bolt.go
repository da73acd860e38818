package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend. Each user's messages live in their own
// bucket, keyed by a big-endian sequence number so that iteration returns them in insertion order.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. The database file is created
// with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("users"))
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to initialize bolt db: %w", err)
	}

	return BoltDB{db: db}, nil
}

func messageBucketName(userID string) []byte {
	return []byte(fmt.Sprintf("user-%s", userID))
}

// AddMessage stores a message in the user's bucket, creating the bucket on first use. A missing ID or
// creation time is filled in, and the stored ID is returned.
func (b BoltDB) AddMessage(_ context.Context, userID string, message models.StoredMessage) (string, error) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.UserID = userID

	err := b.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte("users"))
		if err := users.Put([]byte(userID), nil); err != nil {
			return fmt.Errorf("failed to register user: %w", err)
		}

		b, err := tx.CreateBucketIfNotExists(messageBucketName(userID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put(key, v)
	})
	if err != nil {
		return "", err
	}

	return message.ID, nil
}

// Messages retrieves all messages stored for the user in the order they were added. A user without
// messages yields an empty slice.
func (b BoltDB) Messages(_ context.Context, userID string) ([]models.StoredMessage, error) {
	messages := []models.StoredMessage{}
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(userID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.StoredMessage
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Close releases the database file lock.
func (b BoltDB) Close() error {
	return b.db.Close()
}
