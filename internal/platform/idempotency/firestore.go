package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "idempotencyKeys"

// ClientSource yields the shared Firestore client. platform/firestore.Provider satisfies it.
type ClientSource interface {
	Client(ctx context.Context) (*firestore.Client, error)
}

// FirestoreStore keeps records in a Firestore collection keyed by the SHA-256 of the scoped key.
type FirestoreStore struct {
	clients    ClientSource
	collection string
}

// NewFirestoreStore constructs a store. An empty collection uses "idempotencyKeys".
func NewFirestoreStore(clients ClientSource, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{clients: clients, collection: collection}
}

type firestoreEntry struct {
	Fingerprint     string              `firestore:"fingerprint"`
	Completed       bool                `firestore:"completed"`
	ResponseStatus  int                 `firestore:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

func (e firestoreEntry) toEntry() entry {
	return entry{
		Fingerprint: e.Fingerprint,
		Completed:   e.Completed,
		Response:    Response{Status: e.ResponseStatus, Headers: e.ResponseHeaders, Body: e.ResponseBody},
		ExpiresAt:   e.ExpiresAt,
	}
}

func (s *FirestoreStore) collectionRef(ctx context.Context) (*firestore.Client, *firestore.CollectionRef, error) {
	client, err := s.clients.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(s.collection), nil
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Response, error) {
	client, coll, err := s.collectionRef(ctx)
	if err != nil {
		return 0, Response{}, err
	}
	ref := coll.Doc(documentID(key))
	var (
		outcome Outcome
		resp    Response
	)
	err = client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var existing firestoreEntry
		snap, err := tx.Get(ref)
		found := err == nil
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if found {
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
		}
		var held bool
		outcome, resp, held, err = decide(existing.toEntry(), found, fingerprint, now)
		if err != nil || held {
			return err
		}
		return tx.Set(ref, firestoreEntry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl), UpdatedAt: now})
	})
	return outcome, resp, err
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	client, coll, err := s.collectionRef(ctx)
	if err != nil {
		return err
	}
	ref := coll.Doc(documentID(key))
	return client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err == nil {
			var existing firestoreEntry
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		return tx.Set(ref, firestoreEntry{
			Fingerprint:     fingerprint,
			Completed:       true,
			ResponseStatus:  resp.Status,
			ResponseHeaders: storableHeaders(resp.Headers),
			ResponseBody:    resp.Body,
			ExpiresAt:       now.Add(ttl),
			UpdatedAt:       now,
		})
	})
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, coll, err := s.collectionRef(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(documentID(key)).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// DeleteExpired removes up to limit expired records in one batch.
func (s *FirestoreStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	client, coll, err := s.collectionRef(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	docs, err := coll.Where("expiresAt", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := writer.Delete(doc.Ref)
		if err != nil {
			writer.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	writer.End()
	removed := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
