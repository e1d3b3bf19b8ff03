// Package migrations embeds the pipemend database schema and exposes a
// validated migration runner built on golang-migrate.
//
// Migration files are embedded at build time with go:embed, so the migrator
// binary carries its own schema and deploys with zero external files. Strict
// filename, pairing, sequence and checksum validation runs at startup and
// before every state-changing operation.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename standard: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Catalog provides validated access to the embedded migration files.
	// Checksums captured on first validation detect files that change
	// between validation passes within the same process.
	Catalog struct {
		fs        fs.FS
		checksums map[string]string
	}

	// MigrationInfo holds the parsed components of a migration filename.
	MigrationInfo struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewCatalog creates a Catalog over the given filesystem.
// Pass nil to use the migrations embedded in the binary.
func NewCatalog(filesystem fs.FS) *Catalog {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Catalog{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the migration filesystem for use as a golang-migrate source.
func (c *Catalog) FS() fs.FS {
	return c.fs
}

// List returns all migration files that conform to the naming standard,
// sorted lexicographically. Files with other names are ignored so a stray
// file cannot silently become a migration.
func (c *Catalog) List() ([]string, error) {
	entries, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && migrationFilenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded migration set: every filename parses, every
// up migration has a down counterpart, sequences start at 001 with no gaps,
// and file contents match the checksums captured on the previous pass.
func (c *Catalog) Validate() error {
	files, err := c.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	infos := make([]*MigrationInfo, 0, len(files))

	for _, file := range files {
		info, err := ParseMigrationFilename(file)
		if err != nil {
			return fmt.Errorf("filename validation failed: %w", err)
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	// Read every file once: verifies readability, compares against prior
	// checksums, and records checksums for the next pass.
	for _, file := range files {
		content, err := c.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := checksum(content)

		if prior, seen := c.checksums[file]; seen && prior != sum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}

		c.checksums[file] = sum
	}

	return nil
}

// Content returns the body of a single migration file.
func (c *Catalog) Content(filename string) ([]byte, error) {
	return fs.ReadFile(c.fs, filename)
}

// MaxVersion returns the highest migration sequence number in the catalog,
// or 0 when the catalog is empty or unreadable.
func (c *Catalog) MaxVersion() int {
	files, err := c.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if info, err := ParseMigrationFilename(file); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// ParseMigrationFilename extracts sequence, name and direction from a
// migration filename.
func ParseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a down counterpart and vice versa.
func validatePairing(infos []*MigrationInfo) error {
	type pair struct{ up, down bool }

	pairs := make(map[string]*pair)

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)

		p, ok := pairs[key]
		if !ok {
			p = &pair{}
			pairs[key] = p
		}

		switch info.Direction {
		case "up":
			p.up = true
		case "down":
			p.down = true
		}
	}

	for key, p := range pairs {
		if !p.up {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !p.down {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures sequences start at 001 and contain no gaps.
func validateSequence(infos []*MigrationInfo) error {
	seen := make(map[int]bool)

	for _, info := range infos {
		seen[info.Sequence] = true
	}

	if len(seen) == 0 {
		return nil
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if expected := sequences[i-1] + 1; sequences[i] != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, sequences[i])
		}
	}

	return nil
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}
