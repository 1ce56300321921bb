// Package fsutil holds small file ownership helpers.
package fsutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Owner holds a parsed UID/GID pair.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. It returns nil for "".
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidPart, gidPart, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidPart, ":") {
		return nil, fmt.Errorf("invalid format %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidPart)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", uidPart, err)
	}

	gid, err := strconv.Atoi(gidPart)
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", gidPart, err)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown sets ownership if owner is not nil.
func Chown(path string, owner *Owner) error {
	if owner == nil {
		return nil
	}

	return os.Chown(path, owner.UID, owner.GID)
}
