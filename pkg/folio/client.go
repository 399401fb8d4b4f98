package folio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// maxLockAttempts bounds how often Lock re-runs after a concurrent write
// invalidated its WATCH.
const maxLockAttempts = 3

// Client provides namespaced Redis operations for documents, signatures and
// the artifact catalog. It is safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a new client for the specified namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: deployment identifier (must not be empty)
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Namespace returns the key namespace this client writes under.
func (c *Client) Namespace() string {
	return c.namespace
}

// CreateDocument writes a new document row and adds it to the index.
// Fails if a document with the same ID already exists.
func (c *Client) CreateDocument(ctx context.Context, d *Document) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	hash, err := DocumentToHash(d)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	key := DocumentKey(c.namespace, d.ID)
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("document %s already exists", d.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			pipe.SAdd(ctx, DocumentIndexKey(c.namespace), d.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return &ConflictError{DocumentID: d.ID}
		}
		return &PersistenceError{Op: "create document", Err: err}
	}

	c.publish(ctx, Event{
		DocumentID: d.ID,
		DocType:    d.DocType,
		ToState:    d.State,
		Round:      d.Round,
		Version:    d.Version,
		ActorID:    d.CreatedBy,
		AtMs:       d.CreatedAtMs,
	})
	return nil
}

// GetDocument retrieves a document by ID.
// Returns an error wrapping ErrNotFound if the document doesn't exist.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	hashData, err := c.rdb.HGetAll(ctx, DocumentKey(c.namespace, documentID)).Result()
	if err != nil {
		return nil, &PersistenceError{Op: "read document", Err: err}
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}

	doc, err := HashToDocument(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns all indexed documents matching the filter, oldest first.
func (c *Client) ListDocuments(ctx context.Context, filter ListFilter) ([]*Document, error) {
	ids, err := c.rdb.SMembers(ctx, DocumentIndexKey(c.namespace)).Result()
	if err != nil {
		return nil, &PersistenceError{Op: "read document index", Err: err}
	}

	docs := make([]*Document, 0, len(ids))
	for _, id := range ids {
		doc, err := c.GetDocument(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter.Matches(doc) {
			docs = append(docs, doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAtMs == docs[j].CreatedAtMs {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].CreatedAtMs < docs[j].CreatedAtMs
	})
	return docs, nil
}

// ResolveDocumentID expands a unique ID prefix to the full document ID.
func (c *Client) ResolveDocumentID(ctx context.Context, prefix string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, DocumentIndexKey(c.namespace)).Result()
	if err != nil {
		return nil, &PersistenceError{Op: "read document index", Err: err}
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Lock runs fn while the document and its signatures are WATCHed and commits
// the returned mutation in a single MULTI/EXEC. If another writer touches the
// row first, fn is re-run against the fresh row so it can re-validate; after
// maxLockAttempts lost races a *ConflictError is returned.
//
// Errors returned by fn abort the operation without writing anything and are
// passed through unchanged.
func (c *Client) Lock(ctx context.Context, documentID string, fn LockFunc) (*Document, error) {
	docKey := DocumentKey(c.namespace, documentID)
	sigKey := SignaturesKey(c.namespace, documentID)

	var committed *Document
	var from State

	txf := func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, docKey).Result()
		if err != nil {
			return &PersistenceError{Op: "read document", Err: err}
		}
		if len(hashData) == 0 {
			return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		doc, err := HashToDocument(hashData)
		if err != nil {
			return fmt.Errorf("failed to deserialize document: %w", err)
		}

		rawSigs, err := tx.HGetAll(ctx, sigKey).Result()
		if err != nil {
			return &PersistenceError{Op: "read signatures", Err: err}
		}
		sigs, err := decodeSignatures(rawSigs)
		if err != nil {
			return err
		}

		from = doc.State
		mut, err := fn(doc, sigs)
		if err != nil {
			return err
		}
		if mut == nil || mut.Document == nil {
			return fmt.Errorf("lock function returned no document")
		}
		if err := mut.Document.Validate(); err != nil {
			return fmt.Errorf("invalid document: %w", err)
		}

		hash, err := DocumentToHash(mut.Document)
		if err != nil {
			return fmt.Errorf("failed to serialize document: %w", err)
		}

		sigValues := make([]interface{}, 0, len(mut.Signatures)*2)
		for i := range mut.Signatures {
			sig := mut.Signatures[i]
			if err := sig.Validate(); err != nil {
				return fmt.Errorf("invalid signature: %w", err)
			}
			data, err := json.Marshal(sig)
			if err != nil {
				return fmt.Errorf("failed to marshal signature: %w", err)
			}
			sigValues = append(sigValues, sig.SectionKey, string(data))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, docKey, hash)
			if len(sigValues) > 0 {
				pipe.HSet(ctx, sigKey, sigValues...)
			}
			if len(mut.Removed) > 0 {
				pipe.HDel(ctx, sigKey, mut.Removed...)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, redis.TxFailedErr) {
				return err
			}
			return &PersistenceError{Op: "commit document", Err: err}
		}

		committed = mut.Document
		return nil
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		err := c.rdb.Watch(ctx, txf, docKey, sigKey)
		if err == nil {
			c.publish(ctx, Event{
				DocumentID: committed.ID,
				DocType:    committed.DocType,
				FromState:  from,
				ToState:    committed.State,
				Round:      committed.Round,
				Version:    committed.Version,
				ActorID:    committed.UpdatedBy,
				AtMs:       committed.UpdatedAtMs,
			})
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}

	return nil, &ConflictError{DocumentID: documentID}
}

// Signatures returns the current signature rows of a document keyed by section.
func (c *Client) Signatures(ctx context.Context, documentID string) (map[string]Signature, error) {
	raw, err := c.rdb.HGetAll(ctx, SignaturesKey(c.namespace, documentID)).Result()
	if err != nil {
		return nil, &PersistenceError{Op: "read signatures", Err: err}
	}
	return decodeSignatures(raw)
}

// FindArtifact looks up the current catalog row for a document whose metadata
// carries the given category tag. Returns ErrNotFound if there is none.
func (c *Client) FindArtifact(ctx context.Context, documentID, category string) (*Artifact, error) {
	artifacts, err := c.Artifacts(ctx, documentID)
	if err != nil {
		return nil, err
	}
	// Artifacts are sorted newest first
	for _, a := range artifacts {
		if a.Category() == category {
			return a, nil
		}
	}
	return nil, fmt.Errorf("artifact %s/%s: %w", documentID, category, ErrNotFound)
}

// InsertArtifact adds a new catalog row.
func (c *Client) InsertArtifact(ctx context.Context, a *Artifact) error {
	return c.writeArtifact(ctx, a, "insert artifact")
}

// UpdateArtifact overwrites an existing catalog row in place.
func (c *Client) UpdateArtifact(ctx context.Context, a *Artifact) error {
	exists, err := c.rdb.HExists(ctx, ArtifactsKey(c.namespace, a.DocumentID), a.ID).Result()
	if err != nil {
		return &PersistenceError{Op: "check artifact", Err: err}
	}
	if !exists {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	return c.writeArtifact(ctx, a, "update artifact")
}

func (c *Client) writeArtifact(ctx context.Context, a *Artifact, op string) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	if err := c.rdb.HSet(ctx, ArtifactsKey(c.namespace, a.DocumentID), a.ID, string(data)).Err(); err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

// Artifacts returns every catalog row of a document, newest first.
func (c *Client) Artifacts(ctx context.Context, documentID string) ([]*Artifact, error) {
	raw, err := c.rdb.HVals(ctx, ArtifactsKey(c.namespace, documentID)).Result()
	if err != nil {
		return nil, &PersistenceError{Op: "read artifacts", Err: err}
	}

	artifacts := make([]*Artifact, 0, len(raw))
	for _, data := range raw {
		var a Artifact
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		if artifacts[i].GeneratedAtMs == artifacts[j].GeneratedAtMs {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].GeneratedAtMs > artifacts[j].GeneratedAtMs
	})
	return artifacts, nil
}

// publish sends a document event. Pub/Sub is at-most-once, so a failed
// publish is not reported to the caller whose write already committed.
func (c *Client) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.rdb.Publish(ctx, DocumentEventsChannel(c.namespace), data)
}

// Subscription represents an active Pub/Sub subscription to document events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of document events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors. The subscription
// continues after errors - malformed messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeDocumentEvents subscribes to document mutation events.
//
// Events are delivered on a buffered channel (size 10). If the subscriber is
// too slow, events may be dropped by Redis Pub/Sub (at-most-once delivery).
func (c *Client) SubscribeDocumentEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, DocumentEventsChannel(c.namespace))

	// Wait for subscription confirmation so no event published right after
	// this call returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to document events: %w", err)
	}

	eventsChan := make(chan *Event, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal document event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
