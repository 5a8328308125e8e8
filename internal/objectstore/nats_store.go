// Package objectstore stores generated audio in a NATS JetStream object store
// and hands out public URLs for it.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/book-expert/tts-fulfillment/internal/tts/ttsutils"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// AudioRoute is the URL path prefix under which stored audio is served.
const AudioRoute = "/audio/"

const (
	contentTypeWAV     = "audio/wav"
	metadataContentKey = "content-type"
	metadataFolderKey  = "folder"
)

// Static errors.
var (
	ErrEmptyData    = errors.New("refusing to store empty object")
	ErrInvalidKey   = errors.New("invalid object key")
	ErrNotFound     = errors.New("object not found")
	ErrBucketNeeded = errors.New("bucket name cannot be empty")
)

// NatsObjectStore implements core.ObjectStore using NATS JetStream.
type NatsObjectStore struct {
	store         nats.ObjectStore
	bucket        string
	publicBaseURL string
}

// New creates the bucket, or binds to it when it already exists.
// publicBaseURL is the externally reachable address of the HTTP API.
func New(jetstreamContext nats.JetStreamContext, bucketName, publicBaseURL string) (*NatsObjectStore, error) {
	if bucketName == "" {
		return nil, ErrBucketNeeded
	}

	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Generated speech audio (%s).", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		store:         store,
		bucket:        bucketName,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

// Upload stores data under folder/name and returns its public URL. It makes
// one attempt.
func (n *NatsObjectStore) Upload(ctx context.Context, data []byte, folder, name string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyData
	}

	if ttsutils.SanitizeFilename(name) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}

	key := ttsutils.ObjectKey(folder, name)

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "speech audio",
		Metadata: map[string]string{
			metadataContentKey: contentTypeWAV,
			metadataFolderKey:  folder,
		},
	}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return n.PublicURL(key), nil
}

// Download retrieves an object by key.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// PublicURL returns the URL under which key is served.
func (n *NatsObjectStore) PublicURL(key string) string {
	segments := strings.Split(key, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}

	return n.publicBaseURL + AudioRoute + strings.Join(segments, "/")
}
