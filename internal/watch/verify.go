package watch

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"time"
)

// record is what the checks remember about a file between notifications.
type record struct {
	mtime time.Time
	hash  string
}

func (r *record) refresh(path string, mtime, hash bool) {
	if mtime {
		if info, err := os.Stat(path); err == nil {
			r.mtime = info.ModTime()
		}
	}
	if hash {
		if sum, err := fileMD5(path); err == nil {
			r.hash = sum
		}
	}
}

// check decides whether a notification is a real change and updates the
// record when it is.
type check func(path string, r *record) bool

func buildChecks(mtime, hash bool) []check {
	var checks []check
	if mtime {
		checks = append(checks, mtimeChanged)
	}
	if hash {
		checks = append(checks, contentChanged)
	}
	return checks
}

// verify runs the checks in order; the first one to refuse suppresses the
// notification.
func (r *record) verify(path string, checks []check) bool {
	for _, c := range checks {
		if !c(path, r) {
			return false
		}
	}
	return true
}

func mtimeChanged(path string, r *record) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.ModTime().Equal(r.mtime) {
		return false
	}
	r.mtime = info.ModTime()
	return true
}

func contentChanged(path string, r *record) bool {
	sum, err := fileMD5(path)
	if err != nil {
		return false
	}
	if sum == r.hash {
		return false
	}
	r.hash = sum
	return true
}

func fileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
