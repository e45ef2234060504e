// Package archive keeps on-disk copies of received AS2 transmissions.
//
// Every raw transmission is written as <YYYYmmddHHMMSS>-<ms>_<host>.as2
// with its HTTP headers next to it in a .headers file. Decrypted content
// and extracted payloads are stored as companions that share the raw
// file's name plus a suffix.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-as2/pkg/header"
)

// Archive writes transmissions below a directory
type Archive struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// Option configures an Archive
type Option func(*Archive)

// WithClock overrides the time source used for file names.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// New creates the archive directory if needed
func New(dir string, opts ...Option) (*Archive, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	a := &Archive{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Dir returns the archive directory
func (a *Archive) Dir() string { return a.dir }

// Path returns the absolute location of an archived file name
func (a *Archive) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Save writes a raw transmission and returns its archive name. When only the
// headers file fails, the name of the archived body is returned with the
// error.
func (a *Archive) Save(remote string, headers *header.Collection, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	base := fmt.Sprintf("%s-%03d_%s", now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond), hostPart(remote))

	name := base + ".as2"
	var (
		f   *os.File
		err error
	)
	for i := 1; ; i++ {
		f, err = os.OpenFile(a.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if !errors.Is(err, os.ErrExist) {
			break
		}
		name = fmt.Sprintf("%s-%d.as2", base, i)
	}
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing archive file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing archive file: %w", err)
	}

	if headers != nil && headers.Len() > 0 {
		if err := os.WriteFile(a.Path(name+".headers"), []byte(headers.String()+"\r\n"), 0o640); err != nil {
			return name, fmt.Errorf("writing headers file: %w", err)
		}
	}
	return name, nil
}

// SaveCompanion copies the file at path to name+suffix.
func (a *Archive) SaveCompanion(name, suffix, path string) error {
	if name == "" || strings.ContainsAny(name+suffix, `/\`) {
		return fmt.Errorf("invalid archive name %q", name+suffix)
	}
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening companion source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(a.Path(name+suffix), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating companion file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copying companion file: %w", err)
	}
	return dst.Close()
}

func hostPart(remote string) string {
	if remote == "" {
		return "unknownhost"
	}
	// IPv6 colons are not portable in file names.
	return strings.NewReplacer(":", "_", "/", "_", `\`, "_").Replace(remote)
}
