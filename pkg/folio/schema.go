package folio

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced so that multiple Folio
// deployments can share a Redis server.
//
// Key pattern: folio:{namespace}:{entity}:{uuid}
// Channel pattern: folio:{namespace}:{event_type}_events

// DocumentKey returns the Redis key for a document hash.
// Pattern: folio:{namespace}:document:{document_id}
func DocumentKey(namespace, documentID string) string {
	return fmt.Sprintf("folio:%s:document:%s", namespace, documentID)
}

// SignaturesKey returns the Redis key for a document's signature hash
// (field = section key, value = signature JSON).
// Pattern: folio:{namespace}:document:{document_id}:signatures
func SignaturesKey(namespace, documentID string) string {
	return fmt.Sprintf("folio:%s:document:%s:signatures", namespace, documentID)
}

// ArtifactsKey returns the Redis key for a document's artifact catalog hash
// (field = artifact ID, value = artifact JSON).
// Pattern: folio:{namespace}:document:{document_id}:artifacts
func ArtifactsKey(namespace, documentID string) string {
	return fmt.Sprintf("folio:%s:document:%s:artifacts", namespace, documentID)
}

// DocumentIndexKey returns the Redis key for the set of all document IDs.
// Pattern: folio:{namespace}:documents
func DocumentIndexKey(namespace string) string {
	return fmt.Sprintf("folio:%s:documents", namespace)
}

// DocumentEventsChannel returns the Pub/Sub channel for document mutations.
// Pattern: folio:{namespace}:document_events
func DocumentEventsChannel(namespace string) string {
	return fmt.Sprintf("folio:%s:document_events", namespace)
}
