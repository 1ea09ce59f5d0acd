package serve

import (
	"errors"
	"fmt"
	"os"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/signedurl"
	"github.com/keithlinneman/openbmclapi-cluster/internal/store"
)

var ErrInvalidOptions = errors.New("invalid serve options")

const (
	// MaxMeasureMB caps the self-test payload size.
	MaxMeasureMB = 200

	defaultCacheControl = "public, max-age=2592000, immutable"
)

// FileStore is the read side of *store.Store.
type FileStore interface {
	Get(hash string) (*os.File, *store.CachedFile, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncDownload(result string)
	AddServedBytes(n int64)
}

type Options struct {
	Logger log.Logger
	Store  FileStore
	// Secret is the cluster secret, used for signature checks and /measure
	Secret   string
	Verifier signedurl.Verifier
	Metrics  Metrics

	CacheControl string
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.CacheControl == "" {
		o.CacheControl = defaultCacheControl
	}
}

func (o *Options) validate() error {
	if o.Store == nil {
		return fmt.Errorf("%w: Store is required", ErrInvalidOptions)
	}
	if o.Secret == "" {
		return fmt.Errorf("%w: Secret is required", ErrInvalidOptions)
	}
	return nil
}
