package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ScanOptions control the output-directory scan that populates file-level
// metadata under a node.
type ScanOptions struct {
	// Boost assumes all files within the same sub-folder share identical
	// subject/session metadata and hashes only the first file per folder.
	// Acceptable only when the producing tool writes one session per folder.
	Boost bool
	// SessionIDByPatient keys sessions as participant/session instead of the
	// bare session id, for datasets whose study ids are not globally unique.
	SessionIDByPatient bool
}

// ScanOutputDir walks the step's output tree and describes every regular
// file. Subject and session identity derive from the
// <participant>/<session>/... folder convention under dir. A missing
// directory yields an empty scan: a step may legitimately produce nothing.
func ScanOutputDir(dir string, opts ScanOptions) ([]ScannedFile, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat output dir: %w", err)
	}

	var files []ScannedFile
	hashedFolders := map[string]bool{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		participantID, sessionID := identityFromPath(rel, opts.SessionIDByPatient)

		f := ScannedFile{
			Path:          rel,
			SizeBytes:     info.Size(),
			ParticipantID: participantID,
			SessionID:     sessionID,
		}

		folder := filepath.Dir(path)
		if !opts.Boost || !hashedFolders[folder] {
			sum, err := hashFile(path)
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			f.SHA256 = sum
			hashedFolders[folder] = true
		}

		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	return files, nil
}

// identityFromPath extracts participant and session from the first two path
// components. Files above the session level carry what is known.
func identityFromPath(rel string, sessionIDByPatient bool) (participantID, sessionID string) {
	parts := strings.Split(rel, "/")
	if len(parts) >= 2 {
		participantID = parts[0]
	}
	if len(parts) >= 3 {
		sessionID = parts[1]
	}
	if sessionIDByPatient && participantID != "" && sessionID != "" {
		sessionID = participantID + "/" + sessionID
	}
	return participantID, sessionID
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
