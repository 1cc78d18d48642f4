// Package migrations embeds the AuditBridge schema migrations and validates
// their naming, pairing, and sequencing at load time.
//
// All migrations are embedded at build time using go:embed, enabling
// zero-config deployment without external file dependencies. Both the
// migrator CLI and the integration-test harness consume FS() through a
// golang-migrate iofs source driver.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename standard: 001_migration_name.up.sql / 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

var (
	// ErrInvalidFilename is returned when an embedded file does not match the naming standard.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when a migration lacks its up or down counterpart.
	ErrUnpairedMigration = errors.New("migration missing up/down counterpart")

	// ErrSequenceGap is returned when migration sequence numbers are not contiguous from 1.
	ErrSequenceGap = errors.New("migration sequence numbers must be contiguous from 001")
)

// Info describes one embedded migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// FS returns the embedded migration filesystem.
func FS() fs.FS {
	return embedded
}

// List returns all embedded migration files sorted by sequence then direction.
// Files that do not conform to the naming standard are rejected with an error
// to prevent operational mistakes.
func List() ([]Info, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := filenameRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFilename, entry.Name())
		}

		seq, _ := strconv.Atoi(matches[1])
		infos = append(infos, Info{
			Sequence:  seq,
			Name:      matches[2],
			Direction: matches[3],
			Filename:  entry.Name(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Sequence != infos[j].Sequence {
			return infos[i].Sequence < infos[j].Sequence
		}

		return infos[i].Direction < infos[j].Direction
	})

	return infos, nil
}

// Validate checks pairing (every up has a down) and contiguous sequencing.
func Validate() error {
	infos, err := List()
	if err != nil {
		return err
	}

	ups := make(map[int]string)
	downs := make(map[int]string)

	for _, info := range infos {
		if info.Direction == "up" {
			ups[info.Sequence] = info.Filename
		} else {
			downs[info.Sequence] = info.Filename
		}
	}

	for seq, filename := range ups {
		if _, ok := downs[seq]; !ok {
			return fmt.Errorf("%w: %s has no down migration", ErrUnpairedMigration, filename)
		}
	}

	for seq, filename := range downs {
		if _, ok := ups[seq]; !ok {
			return fmt.Errorf("%w: %s has no up migration", ErrUnpairedMigration, filename)
		}
	}

	for i := 1; i <= len(ups); i++ {
		if _, ok := ups[i]; !ok {
			return fmt.Errorf("%w: missing sequence %03d", ErrSequenceGap, i)
		}
	}

	return nil
}
