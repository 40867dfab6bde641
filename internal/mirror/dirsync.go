package mirror

import "os"

// DirSync calls fsync(2) on the directory to persist changes made within it
// (entry creation, rename, unlink). It must be called after every publish
// step so a crash immediately after doesn't lose the directory entry even
// though the file itself was fsynced.
func DirSync(d string) error {
	f, err := os.OpenFile(d, os.O_RDONLY, 0o755) // #nosec G304,G302 - d is a mirror-root-relative directory owned by the run
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
