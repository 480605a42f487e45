package mods

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Entry is one serveable mod archive. Name is the wire path the client
// requests ("/foo.zip"); FsPath is where it lives on disk.
type Entry struct {
	Name   string
	FsPath string
	Size   int64
}

// Inventory is the scanned catalog of mod archives. It is scanned once at
// startup and rescanned on demand from the console.
type Inventory struct {
	mu      sync.RWMutex
	dir     string
	entries []Entry
	total   int64
	log     zerolog.Logger
}

func NewInventory(dir string, log zerolog.Logger) *Inventory {
	return &Inventory{
		dir: dir,
		log: log.With().Str("component", "mods").Logger(),
	}
}

// Scan walks the mods directory and rebuilds the catalog from the *.zip files
// found there. A missing directory yields an empty catalog, not an error.
func (inv *Inventory) Scan() error {
	dirents, err := os.ReadDir(inv.dir)
	if err != nil {
		if os.IsNotExist(err) {
			inv.log.Info().Str("dir", inv.dir).Msg("Mods directory missing, serving no mods")
			inv.mu.Lock()
			inv.entries, inv.total = nil, 0
			inv.mu.Unlock()
			return nil
		}
		return fmt.Errorf("mods: scan %s: %w", inv.dir, err)
	}

	var entries []Entry
	var total int64
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(strings.ToLower(de.Name()), ".zip") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			inv.log.Warn().Err(err).Str("file", de.Name()).Msg("Skipping unreadable mod")
			continue
		}
		entries = append(entries, Entry{
			Name:   "/" + de.Name(),
			FsPath: filepath.Join(inv.dir, de.Name()),
			Size:   info.Size(),
		})
		total += info.Size()
	}

	inv.mu.Lock()
	inv.entries = entries
	inv.total = total
	inv.mu.Unlock()

	inv.log.Info().Int("mods", len(entries)).Int64("total_bytes", total).Msg("Mod inventory scanned")
	return nil
}

// Lookup finds an entry by its exact wire path.
func (inv *Inventory) Lookup(name string) (Entry, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, e := range inv.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns a snapshot of the catalog.
func (inv *Inventory) Entries() []Entry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return append([]Entry(nil), inv.entries...)
}

// Count returns the number of serveable mods.
func (inv *Inventory) Count() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.entries)
}

// TotalSize returns the combined archive size in bytes.
func (inv *Inventory) TotalSize() int64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.total
}

// WireList renders the catalog for the SR reply: every path then every size,
// each terminated by ';'. An empty catalog renders as "-".
func (inv *Inventory) WireList() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if len(inv.entries) == 0 {
		return "-"
	}
	var paths, sizes strings.Builder
	for _, e := range inv.entries {
		fmt.Fprintf(&paths, "%s;", e.Name)
		fmt.Fprintf(&sizes, "%d;", e.Size)
	}
	return paths.String() + sizes.String()
}

// BasenameList renders the catalog for the directory heartbeat:
// "/<basename>;" per mod.
func (inv *Inventory) BasenameList() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var b strings.Builder
	for _, e := range inv.entries {
		fmt.Fprintf(&b, "/%s;", filepath.Base(e.FsPath))
	}
	return b.String()
}
