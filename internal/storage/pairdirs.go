package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	commonDir = "common"
	dirPerm   = 0o750
)

// PairDirectories lays out per-pair storage under root:
//
//	<root>/<pairID>/common
//	<root>/<pairID>/<creatorID>
//	<root>/<pairID>/<joinerID>
type PairDirectories struct {
	root string
}

func NewPairDirectories(root string) *PairDirectories {
	return &PairDirectories{root: root}
}

func (d *PairDirectories) PairRoot(pairID int64) string {
	return filepath.Join(d.root, strconv.FormatInt(pairID, 10))
}

// EnsurePairDirs is idempotent; existing directories are left untouched.
func (d *PairDirectories) EnsurePairDirs(pairID, creatorID, joinerID int64) error {
	base := d.PairRoot(pairID)
	for _, name := range []string{
		commonDir,
		strconv.FormatInt(creatorID, 10),
		strconv.FormatInt(joinerID, 10),
	} {
		if err := os.MkdirAll(filepath.Join(base, name), dirPerm); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}
	return nil
}
