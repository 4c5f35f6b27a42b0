package db

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	datafileMode      os.FileMode = 0o770
	ownedMode         os.FileMode = 0o775
	backupFileExt                 = ".bak"
	backupStampLayout             = "20060102-150405"
)

// Replaced in tests.
var (
	chown = os.Chown
	chmod = os.Chmod
)

// sidecarSuffixes are the files SQLite keeps next to a datafile.
var sidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// CheckExists reports whether a datafile is present at path.
// A directory at path is an error.
func CheckExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, classifyFSError(fmt.Errorf("failed to check datafile existence: %w", err))
	}
	if info.IsDir() {
		return false, fmt.Errorf("%w: datafile path is a directory, expected file: %s", ErrInvalidArgument, path)
	}
	return true, nil
}

// RemoveDatafile deletes the datafile and any SQLite sidecar files.
// Missing files are not an error.
func RemoveDatafile(path string) error {
	for _, p := range append([]string{path}, sidecars(path)...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return classifyFSError(fmt.Errorf("failed to remove %s: %w", p, err))
		}
	}
	return nil
}

func sidecars(path string) []string {
	out := make([]string, len(sidecarSuffixes))
	for i, s := range sidecarSuffixes {
		out[i] = path + s
	}
	return out
}

// createDatafile creates an empty datafile, failing if one is already there.
// Creating it explicitly surfaces an unwritable directory before SQLite does.
func createDatafile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, datafileMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: old datafile was not removed: %s", ErrAlreadyExists, path)
		}
		return classifyFSError(fmt.Errorf("failed to create datafile: %w", err))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close new datafile: %w", err)
	}
	// umask may have narrowed the requested mode
	if err := os.Chmod(path, datafileMode); err != nil {
		return classifyFSError(fmt.Errorf("failed to set datafile mode: %w", err))
	}
	return nil
}

// BackupDatafile copies the datafile to <path>.<stamp>.bak and keeps only
// the newest maxBackups copies. It returns the backup path.
func BackupDatafile(path string, now time.Time, maxBackups int, logger *zap.SugaredLogger) (string, error) {
	if info, err := os.Stat(path); err == nil {
		logger.Debugf("existing database file size: %d bytes", info.Size())
	}
	backupPath := fmt.Sprintf("%s.%s%s", path, now.Format(backupStampLayout), backupFileExt)
	if err := copyFile(path, backupPath, logger); err != nil {
		return "", classifyFSError(fmt.Errorf("failed to create datafile backup: %w", err))
	}
	logger.Infof("existing database backed up to %s", backupPath)
	pruneOldBackups(path, maxBackups, logger)
	return backupPath, nil
}

func copyFile(src, dst string, logger *zap.SugaredLogger) error {
	sourceFileStat, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !sourceFileStat.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func(source *os.File) {
		if err := source.Close(); err != nil {
			logger.Warnf("failed to close file %s: %v", src, err)
		}
	}(source)

	destination, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, sourceFileStat.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err = destination.ReadFrom(source); err != nil {
		destination.Close()
		return err
	}
	return destination.Close()
}

// backupsOf lists the backups of path, oldest first.
func backupsOf(path string) ([]string, error) {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + "."
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []string
	for _, f := range files {
		if strings.HasPrefix(f.Name(), prefix) && strings.HasSuffix(f.Name(), backupFileExt) {
			backups = append(backups, filepath.Join(dir, f.Name()))
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func pruneOldBackups(path string, max int, logger *zap.SugaredLogger) {
	if max <= 0 {
		return
	}
	backups, err := backupsOf(path)
	if err != nil {
		logger.Warnf("failed to read backup directory: %v", err)
		return
	}
	if len(backups) <= max {
		return
	}

	for _, file := range backups[:len(backups)-max] {
		if err := os.Remove(file); err != nil {
			logger.Warnf("failed to remove old backup %s: %v", file, err)
		} else {
			logger.Debugf("removed old backup: %s", file)
		}
	}
}

// Owner is a resolved "user.group" ownership specification.
type Owner struct {
	User  string
	Group string
	UID   int
	GID   int
}

func (o Owner) String() string {
	return o.User + "." + o.Group
}

// ParseOwner resolves "user.group" (or "user:group") against the local
// account database. Both parts must exist.
func ParseOwner(spec string) (*Owner, error) {
	name, group, ok := strings.Cut(spec, ".")
	if !ok {
		name, group, ok = strings.Cut(spec, ":")
	}
	if !ok || name == "" || group == "" {
		return nil, fmt.Errorf("%w: owner %q must have the form user.group", ErrInvalidArgument, spec)
	}

	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: user '%s' does not exist: %v", ErrInvalidArgument, name, err)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return nil, fmt.Errorf("%w: group '%s' does not exist: %v", ErrInvalidArgument, group, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("%w: user '%s' has non-numeric uid %q", ErrInvalidArgument, name, u.Uid)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return nil, fmt.Errorf("%w: group '%s' has non-numeric gid %q", ErrInvalidArgument, group, g.Gid)
	}
	return &Owner{User: name, Group: group, UID: uid, GID: gid}, nil
}

// apply hands path over to the owner and opens it to the group. If the
// mode cannot be set, the previous owner is restored.
func (o *Owner) apply(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return classifyFSError(fmt.Errorf("stat %s: %w", path, err))
	}
	if err := chown(path, o.UID, o.GID); err != nil {
		return classifyFSError(fmt.Errorf("chown %s %s: %w", o, path, err))
	}
	if err := chmod(path, ownedMode); err != nil {
		err = fmt.Errorf("chmod %o %s: %w", ownedMode, path, err)
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			if rerr := chown(path, int(st.Uid), int(st.Gid)); rerr != nil {
				err = fmt.Errorf("%w; restoring owner: %v", err, rerr)
			}
		}
		return classifyFSError(err)
	}
	return nil
}
