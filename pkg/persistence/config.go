package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsx "github.com/wehubfusion/Daedalus/internal/nats"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Config selects the sinks module output is written to. The file sink is always
// enabled unless Disabled is set; the others are enabled by their sections.
type Config struct {
	Disabled bool          `json:"disabled"`
	Dir      string        `json:"dir"`
	NATS     *NATSConfig   `json:"nats,omitempty"`
	Blob     *BlobConfig   `json:"blob,omitempty"`
	SQLite   *SQLiteConfig `json:"sqlite,omitempty"`
}

// NATSConfig configures the NATS sink
type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
	Token         string `json:"token"`
}

// BlobConfig configures the Azure Blob sink
type BlobConfig struct {
	ConnectionString string `json:"connection_string"`
	Container        string `json:"container"`
}

// SQLiteConfig configures the SQLite sink
type SQLiteConfig struct {
	Path string `json:"path"`
}

// Open builds the sink described by cfg. Sinks opened before a failure are closed.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Disabled {
		return MultiSink{}, nil
	}

	var sinks MultiSink
	fail := func(err error) (Sink, error) {
		return nil, errors.Join(err, sinks.Close())
	}

	file, err := NewFileSink(cfg.Dir)
	if err != nil {
		return fail(err)
	}
	sinks = append(sinks, file)
	logger.Debug("File sink enabled", zap.String("dir", file.Dir()))

	if cfg.NATS != nil {
		if cfg.NATS.URL == "" {
			return fail(sdkerrors.Configf("", "persistence.nats.url is required"))
		}
		connCfg := natsx.DefaultConnectionConfig(cfg.NATS.URL)
		connCfg.Token = cfg.NATS.Token
		if cfg.NATS.SubjectPrefix != "" {
			connCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		conn, err := natsx.Connect(ctx, connCfg, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, &ownedConnSink{NATSSink: NewNATSSink(conn, connCfg.SubjectPrefix), conn: conn})
		logger.Debug("NATS sink enabled", zap.String("subject_prefix", connCfg.SubjectPrefix))
	}

	if cfg.Blob != nil {
		container := cfg.Blob.Container
		if container == "" {
			container = "bmp-emulator"
		}
		client, err := storage.NewAzureBlobClient(cfg.Blob.ConnectionString, container, logger)
		if err != nil {
			return fail(fmt.Errorf("%w: persistence.blob: %v", sdkerrors.ErrConfiguration, err))
		}
		sinks = append(sinks, NewBlobSink(client, logger))
		logger.Debug("Blob sink enabled", zap.String("container", container))
	}

	if cfg.SQLite != nil {
		if cfg.SQLite.Path == "" {
			return fail(sdkerrors.Configf("", "persistence.sqlite.path is required"))
		}
		db, err := OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, db)
		logger.Debug("SQLite sink enabled", zap.String("path", cfg.SQLite.Path))
	}

	return sinks, nil
}

// ownedConnSink is a NATS sink that also owns its connection.
type ownedConnSink struct {
	*NATSSink
	conn *nats.Conn
}

func (o *ownedConnSink) Close() error {
	return errors.Join(o.NATSSink.Close(), natsx.Close(o.conn))
}
