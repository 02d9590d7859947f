package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// DefaultCollection mirrors the relational table name.
const DefaultCollection = "user_fcm_tokens"

// FirestoreStore implements push.TokenStore using Google Cloud Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

var _ push.TokenStore = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

// tokenDoc is the stored document. Its ID is the token hash, which makes the
// token value the uniqueness key.
type tokenDoc struct {
	Token      string    `firestore:"fcm_token"`
	DeviceID   string    `firestore:"device_id"`
	UserEmail  string    `firestore:"user_email"`
	DeviceType string    `firestore:"device_type"`
	UpdatedAt  time.Time `firestore:"updated_at"`
}

func (s *FirestoreStore) Upsert(ctx context.Context, record push.TokenRecord) error {
	r := record.Normalize()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	doc := tokenDoc{
		Token:      r.Token,
		DeviceID:   r.DeviceID,
		UserEmail:  r.UserEmail,
		DeviceType: r.DeviceType,
		UpdatedAt:  r.UpdatedAt,
	}
	if _, err := s.tokenRef(r.Token).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore upsert failed: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteDeviceTokensExcept(ctx context.Context, deviceID, keepToken string) error {
	iter := s.client.Collection(s.collection).Where("device_id", "==", deviceID).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("firestore iteration failed: %w", err)
		}
		var doc tokenDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decoding %s: %w", snap.Ref.ID, err)
		}
		if doc.Token == keepToken {
			continue
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("deleting %s: %w", snap.Ref.ID, err)
		}
	}
	return nil
}

func (s *FirestoreStore) ListTokens(ctx context.Context, deviceType string) ([]push.TokenRecord, error) {
	q := s.client.Collection(s.collection).Query
	if deviceType != "" {
		q = q.Where("device_type", "==", deviceType)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	records := make([]push.TokenRecord, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}
		var doc tokenDoc
		if err := snap.DataTo(&doc); err != nil {
			// Skip corrupt rows; one bad document must not stop a broadcast.
			continue
		}
		records = append(records, push.TokenRecord{
			Token:      doc.Token,
			DeviceID:   doc.DeviceID,
			UserEmail:  doc.UserEmail,
			DeviceType: doc.DeviceType,
			UpdatedAt:  doc.UpdatedAt,
		})
	}
	return records, nil
}

func (s *FirestoreStore) DeleteTokens(ctx context.Context, tokens []string) error {
	for _, t := range tokens {
		// Deleting a missing document is not an error in Firestore.
		if _, err := s.tokenRef(t).Delete(ctx); err != nil {
			return fmt.Errorf("deleting token: %w", err)
		}
	}
	return nil
}

func (s *FirestoreStore) tokenRef(token string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(hashToken(token))
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
