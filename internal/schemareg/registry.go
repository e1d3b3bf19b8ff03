package schemareg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"

	"github.com/pipemend-io/pipemend/internal/storage"
)

const (
	// CollectionSchemas holds one document per registered schema version.
	CollectionSchemas = "schema_records"

	// CollectionCatalogs holds one document per schema name: the version
	// chain and the fingerprint index used for idempotent registration.
	CollectionCatalogs = "schema_catalogs"

	// initialVersion starts every schema's version chain.
	initialVersion = "1.0.0"
)

type (
	// catalogEntry is one version in a schema name's chain.
	catalogEntry struct {
		Version     string `json:"version"`
		SchemaID    string `json:"schema_id"`
		Fingerprint string `json:"fingerprint"`
	}

	// catalog is the per-name version chain. Registration reads and writes
	// it inside one transaction, which serializes concurrent registrations
	// of the same name.
	catalog struct {
		SchemaName string         `json:"schema_name"`
		Entries    []catalogEntry `json:"entries"`
	}

	// RegisterRequest submits one schema for registration.
	RegisterRequest struct {
		SchemaName string
		Fields     []FieldDef
		Format     string
		SourceID   string
	}

	// RegistryConfig tunes the schema registry.
	RegistryConfig struct {
		// Logger receives structured operation logs. Nil means slog.Default().
		Logger *slog.Logger
	}

	// Registry versions schemas over the document store. Registration is
	// idempotent on schema content; version numbers are chosen by diffing
	// against the latest registered version.
	Registry struct {
		docs   storage.DocumentStore
		logger *slog.Logger
	}
)

// NewRegistry creates a schema registry over the given document store.
func NewRegistry(docs storage.DocumentStore, config RegistryConfig) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{docs: docs, logger: logger}
}

// Register stores a schema version. Submitting content that is already
// registered returns the existing record unchanged; otherwise the version is
// bumped from the latest in the chain — major on breaking changes, minor on
// other structural changes, patch when only identity-irrelevant details
// moved. A fingerprint match with differing content fails with
// ErrRegistryCorrupted.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*SchemaRecord, error) {
	if req.SchemaName == "" {
		return nil, fmt.Errorf("%w: schema_name is required", ErrInvalidSchema)
	}

	fields, err := normalizeFields(req.Fields)
	if err != nil {
		return nil, err
	}

	canonical, err := canonicalForm(req.SchemaName, req.Format, fields)
	if err != nil {
		return nil, err
	}

	fingerprint, err := Fingerprint(req.SchemaName, req.Format, fields)
	if err != nil {
		return nil, err
	}

	var registered *SchemaRecord

	err = r.docs.Transact(ctx, func(tx storage.DocumentTx) error {
		chain, err := r.loadCatalog(ctx, tx, req.SchemaName)
		if err != nil {
			return err
		}

		// Idempotency: same fingerprint returns the prior record, after
		// verifying the stored content actually matches.
		for _, entry := range chain.Entries {
			if entry.Fingerprint != fingerprint {
				continue
			}

			existing, err := r.getByIDTx(ctx, tx, entry.SchemaID)
			if err != nil {
				return err
			}

			storedCanonical, err := canonicalForm(existing.SchemaName, existing.Format, existing.Fields)
			if err != nil {
				return err
			}

			if storedCanonical != canonical {
				return fmt.Errorf("%w: schema %q fingerprint %s", ErrRegistryCorrupted, req.SchemaName, fingerprint)
			}

			registered = existing

			return nil
		}

		version, err := r.nextVersion(ctx, tx, chain, fields)
		if err != nil {
			return err
		}

		record := SchemaRecord{
			SchemaID:    uuid.NewString(),
			SchemaName:  req.SchemaName,
			Fields:      fields,
			Format:      req.Format,
			Version:     version,
			Fingerprint: fingerprint,
			SourceID:    req.SourceID,
			CreatedAt:   time.Now().UTC(),
		}

		if err := tx.Set(ctx, CollectionSchemas, record.SchemaID, record); err != nil {
			return fmt.Errorf("failed to persist schema record: %w", err)
		}

		chain.Entries = append(chain.Entries, catalogEntry{
			Version:     version,
			SchemaID:    record.SchemaID,
			Fingerprint: fingerprint,
		})

		if err := tx.Set(ctx, CollectionCatalogs, req.SchemaName, chain); err != nil {
			return fmt.Errorf("failed to persist schema catalog: %w", err)
		}

		registered = &record

		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("schema registered",
		slog.String("schema_name", registered.SchemaName),
		slog.String("version", registered.Version),
		slog.String("schema_id", registered.SchemaID),
	)

	return registered, nil
}

// GetSchema returns the latest version of a schema by name.
func (r *Registry) GetSchema(ctx context.Context, schemaName string) (*SchemaRecord, error) {
	chain, err := r.loadCatalogRead(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	latest, err := latestEntry(chain)
	if err != nil {
		return nil, err
	}

	return r.getByID(ctx, latest.SchemaID)
}

// GetSchemaVersion returns one specific version of a schema.
func (r *Registry) GetSchemaVersion(ctx context.Context, schemaName, version string) (*SchemaRecord, error) {
	chain, err := r.loadCatalogRead(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	for _, entry := range chain.Entries {
		if entry.Version == version {
			return r.getByID(ctx, entry.SchemaID)
		}
	}

	return nil, fmt.Errorf("%w: %s version %s", ErrSchemaNotFound, schemaName, version)
}

// ListVersions returns a schema's versions in ascending semver order.
func (r *Registry) ListVersions(ctx context.Context, schemaName string) ([]string, error) {
	chain, err := r.loadCatalogRead(ctx, schemaName)
	if err != nil {
		return nil, err
	}

	parsed := make([]*goversion.Version, 0, len(chain.Entries))

	for _, entry := range chain.Entries {
		v, err := goversion.NewVersion(entry.Version)
		if err != nil {
			return nil, fmt.Errorf("stored version %q is not semver: %w", entry.Version, err)
		}

		parsed = append(parsed, v)
	}

	sort.Sort(goversion.Collection(parsed))

	versions := make([]string, len(parsed))
	for i, v := range parsed {
		versions[i] = v.Original()
	}

	return versions, nil
}

// nextVersion chooses the semver for a new registration by diffing against
// the chain's latest version.
func (r *Registry) nextVersion(
	ctx context.Context, tx storage.DocumentTx, chain *catalog, fields []FieldDef,
) (string, error) {
	latest, err := latestEntry(chain)
	if errors.Is(err, ErrSchemaNotFound) {
		return initialVersion, nil
	}

	if err != nil {
		return "", err
	}

	previous, err := r.getByIDTx(ctx, tx, latest.SchemaID)
	if err != nil {
		return "", err
	}

	diff, err := CompareSchemas(previous.Fields, fields)
	if err != nil {
		return "", err
	}

	current, err := goversion.NewVersion(latest.Version)
	if err != nil {
		return "", fmt.Errorf("stored version %q is not semver: %w", latest.Version, err)
	}

	segments := current.Segments()

	switch {
	case diff.HasBreaking():
		return fmt.Sprintf("%d.0.0", segments[0]+1), nil
	case diff.HasChanges():
		return fmt.Sprintf("%d.%d.0", segments[0], segments[1]+1), nil
	default:
		return fmt.Sprintf("%d.%d.%d", segments[0], segments[1], segments[2]+1), nil
	}
}

// latestEntry returns the chain entry with the highest semver.
func latestEntry(chain *catalog) (*catalogEntry, error) {
	if len(chain.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, chain.SchemaName)
	}

	best := 0
	bestVersion, err := goversion.NewVersion(chain.Entries[0].Version)
	if err != nil {
		return nil, fmt.Errorf("stored version %q is not semver: %w", chain.Entries[0].Version, err)
	}

	for i := 1; i < len(chain.Entries); i++ {
		v, err := goversion.NewVersion(chain.Entries[i].Version)
		if err != nil {
			return nil, fmt.Errorf("stored version %q is not semver: %w", chain.Entries[i].Version, err)
		}

		if v.GreaterThan(bestVersion) {
			best = i
			bestVersion = v
		}
	}

	return &chain.Entries[best], nil
}

// loadCatalog reads a schema's catalog inside a transaction, returning an
// empty chain when the name is new.
func (r *Registry) loadCatalog(ctx context.Context, tx storage.DocumentTx, schemaName string) (*catalog, error) {
	raw, err := tx.Get(ctx, CollectionCatalogs, schemaName)
	if errors.Is(err, storage.ErrDocumentNotFound) {
		return &catalog{SchemaName: schemaName}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load schema catalog: %w", err)
	}

	return decodeCatalog(raw)
}

// loadCatalogRead reads a schema's catalog outside a transaction; a missing
// catalog means the schema was never registered.
func (r *Registry) loadCatalogRead(ctx context.Context, schemaName string) (*catalog, error) {
	if schemaName == "" {
		return nil, fmt.Errorf("%w: schema_name is required", ErrInvalidSchema)
	}

	raw, err := r.docs.Get(ctx, CollectionCatalogs, schemaName)
	if errors.Is(err, storage.ErrDocumentNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, schemaName)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load schema catalog: %w", err)
	}

	return decodeCatalog(raw)
}

func decodeCatalog(raw json.RawMessage) (*catalog, error) {
	var chain catalog
	if err := json.Unmarshal(raw, &chain); err != nil {
		return nil, fmt.Errorf("failed to decode schema catalog: %w", err)
	}

	return &chain, nil
}

func (r *Registry) getByID(ctx context.Context, schemaID string) (*SchemaRecord, error) {
	raw, err := r.docs.Get(ctx, CollectionSchemas, schemaID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: id %s", ErrSchemaNotFound, schemaID)
		}

		return nil, err
	}

	return decodeSchema(raw)
}

func (r *Registry) getByIDTx(ctx context.Context, tx storage.DocumentTx, schemaID string) (*SchemaRecord, error) {
	raw, err := tx.Get(ctx, CollectionSchemas, schemaID)
	if err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return nil, fmt.Errorf("%w: id %s", ErrSchemaNotFound, schemaID)
		}

		return nil, err
	}

	return decodeSchema(raw)
}

func decodeSchema(raw json.RawMessage) (*SchemaRecord, error) {
	var record SchemaRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode schema record: %w", err)
	}

	return &record, nil
}
