// Command example is a minimal client embedding the collabdoc SDK: it
// creates one document, subscribes to its state changes, waits for its
// data to load, applies a sample edit, logs the resulting snapshot, and
// then logs state changes until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpggio/collabdoc/internal/cache"
	"github.com/rpggio/collabdoc/internal/config"
	"github.com/rpggio/collabdoc/internal/engine"
	"github.com/rpggio/collabdoc/internal/refs"
	"github.com/rpggio/collabdoc/internal/schema"
	"github.com/rpggio/collabdoc/internal/transport/wsloop"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(io.Writer(os.Stderr), &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	eng, closeCache, err := buildEngine(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}
	if closeCache != nil {
		defer closeCache()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, eng, logger); err != nil {
		logger.Error("example run failed", "error", err)
		os.Exit(1)
	}
}

func buildEngine(cfg config.Config, logger *slog.Logger) (*engine.Engine, func(), error) {
	var localCache *cache.Store
	var closeCache func()
	if cfg.Cache.Enabled {
		store, err := cache.Open(cfg.Cache.Path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open local cache: %w", err)
		}
		localCache = store
		closeCache = func() { _ = store.Close() }
	}

	factory := &wsloop.Factory{
		BaseURL: cfg.Endpoint.URL,
		Backoff: wsloop.Backoff{Min: cfg.Sync.ReconnectMinBackoff, Max: cfg.Sync.ReconnectMaxBackoff},
		Logger:  logger,
	}

	eng := engine.New(engine.Config{
		TransportFactory:    factory,
		SchemaRegistry:      engine.StaticRegistry{"Note": noteSchema()},
		AutoCreateDocuments: true,
		DBPrefix:            cfg.Cache.Prefix,
		LocalCache:          localCache,
		Logger:              logger,
	})
	return eng, closeCache, nil
}

func noteSchema() *schema.Schema {
	return &schema.Schema{
		Version: 1,
		Models: map[string]schema.Model{
			"Note": {
				Name: "Note",
				Kind: schema.KindRecord,
				Fields: []schema.FieldType{
					{Name: "title"},
					{Name: "body"},
				},
			},
		},
	}
}

func run(ctx context.Context, eng *engine.Engine, logger *slog.Logger) error {
	docRef, err := eng.CreateDocument(ctx, "Note", map[string]any{"name": "example notebook"})
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	logger.Info("document created", "docId", docRef.ID())

	unsubState, err := eng.OnStateChange(docRef, func(ref *refs.DocumentRef) {
		logger.Info("document state changed", "docId", ref.ID())
	})
	if err != nil {
		return fmt.Errorf("subscribe state: %w", err)
	}
	defer unsubState()

	if err := eng.WaitForDataLoad(ctx, docRef); err != nil {
		return fmt.Errorf("wait for data load: %w", err)
	}

	coll, err := eng.GetRecords(docRef, "Note")
	if err != nil {
		return fmt.Errorf("get collection: %w", err)
	}
	recRef, err := eng.RecordRef(coll, "welcome")
	if err != nil {
		return fmt.Errorf("mint record ref: %w", err)
	}
	if err := eng.SetRecord(recRef, map[string]any{"title": "Welcome", "body": "Hello, collaborative world."}); err != nil {
		return fmt.Errorf("set record: %w", err)
	}

	snapshot, err := eng.GetDocumentSnapshot(docRef)
	if err != nil {
		return fmt.Errorf("get snapshot: %w", err)
	}
	logger.Info("snapshot after edit", "notes", snapshot["Note"])

	<-ctx.Done()
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
