package pipeline

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
)

// versionCeiling bounds the linear probe; past it a randomized suffix
// guarantees forward progress instead of looping forever.
const versionCeiling = 999

// VersionedPath returns the first free destination for a record's file in
// dir, probing <recordID>_v01<ext>, _v02, ... up to the ceiling.
func VersionedPath(dir, recordID, ext string) string {
	for v := 1; v <= versionCeiling; v++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_v%02d%s", recordID, v, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	for {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_r%06d%s", recordID, rand.Intn(1000000), ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// moveFile renames src to dst, copying across filesystems when rename is
// not possible. The shared mount and the working folders may live on
// different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to destination: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("flush destination: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}
