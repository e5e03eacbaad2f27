package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/convo-recorder/crypto"
	"github.com/onnwee/convo-recorder/record"
	"github.com/onnwee/convo-recorder/telemetry"
)

// Store is a record.Store that owns a resource.
type Store interface {
	record.Store
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string // file (default), bolt or postgres
	Path      string // file and bolt
	DB        *sql.DB
	Encryptor crypto.Encryptor // file and bolt; postgres uses the db package key
}

// Open builds the configured store wrapped with metrics.
func Open(opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch opts.Backend {
	case "", BackendFile:
		if opts.Path == "" {
			return nil, fmt.Errorf("snapshot: file backend needs a path")
		}
		s = NewFileStore(opts.Path, opts.Encryptor)
	case BackendBolt:
		if opts.Path == "" {
			return nil, fmt.Errorf("snapshot: bolt backend needs a path")
		}
		s, err = OpenBolt(opts.Path, opts.Encryptor)
	case BackendPostgres:
		if opts.DB == nil {
			return nil, fmt.Errorf("snapshot: postgres backend needs a database")
		}
		s = NewPostgresStore(opts.DB)
	default:
		return nil, fmt.Errorf("snapshot: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return instrumented{s}, nil
}

type instrumented struct{ Store }

func (i instrumented) Load(ctx context.Context) (map[int64]record.SessionSnapshot, error) {
	ctx, span := telemetry.StartSpan(ctx, "snapshot", "load")
	defer span.End()
	all, err := i.Store.Load(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("snapshot.sessions", len(all)))
	telemetry.SetSpanSuccess(span)
	return all, nil
}

func (i instrumented) Save(ctx context.Context, all map[int64]record.SessionSnapshot) error {
	ctx, span := telemetry.StartSpan(ctx, "snapshot", "save", attribute.Int("snapshot.sessions", len(all)))
	defer span.End()
	var err error
	telemetry.TimeFunc(telemetry.SnapshotSaveDuration, func() { err = i.Store.Save(ctx, all) })
	if err != nil {
		telemetry.Inc(telemetry.SnapshotFailures)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (i instrumented) Put(ctx context.Context, chatID int64, snap record.SessionSnapshot) error {
	err := i.Store.Put(ctx, chatID, snap)
	if err != nil {
		telemetry.Inc(telemetry.SnapshotFailures)
	}
	return err
}
