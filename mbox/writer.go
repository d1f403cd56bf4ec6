package mbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-to-mbox/model"
)

// Extension is appended to every archive file name.
const Extension = ".mbox"

var folderNameReplacer = strings.NewReplacer("/", "_", `\`, "_", ":", "_", "\x00", "_")

// FileName maps an IMAP folder to its archive file, relative to the
// archive root.
func FileName(folder string) string {
	name := folderNameReplacer.Replace(strings.TrimSpace(folder))
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return name + Extension
}

// YearFileName is the archive file for folder inside a per-year directory.
func YearFileName(year int, mailFile string) string {
	return filepath.Join(fmt.Sprintf("%04d", year), filepath.Base(mailFile))
}

type openFile struct {
	file *os.File
	mbox *mboxlib.Writer
}

// Writer appends messages to mbox files below a root directory, keeping
// each file open until Close.
type Writer struct {
	root string

	mu    sync.Mutex
	files map[string]*openFile
}

func NewWriter(root string) (*Writer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Writer{root: root, files: make(map[string]*openFile)}, nil
}

func (w *Writer) Root() string {
	return w.root
}

// Path returns the absolute location of mailFile.
func (w *Writer) Path(mailFile string) string {
	return filepath.Join(w.root, mailFile)
}

// Append writes one message to mailFile and returns the number of message
// bytes written.
func (w *Writer) Append(mailFile, from string, date time.Time, raw []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	of, err := w.open(mailFile)
	if err != nil {
		return 0, err
	}

	if from == "" {
		from = "MAILER-DAEMON"
	}
	if date.IsZero() {
		date = time.Now()
	}

	mw, err := of.mbox.CreateMessage(from, date.UTC())
	if err != nil {
		return 0, fmt.Errorf("create message in %s: %w", mailFile, err)
	}
	body := append(model.Canonical(raw), '\n')
	n, err := mw.Write(body)
	if err != nil {
		return int64(n), fmt.Errorf("write message to %s: %w", mailFile, err)
	}
	return int64(n), nil
}

func (w *Writer) open(mailFile string) (*openFile, error) {
	if of, ok := w.files[mailFile]; ok {
		return of, nil
	}

	path := w.Path(mailFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mbox %s: %w", path, err)
	}
	of := &openFile{file: file, mbox: mboxlib.NewWriter(file)}
	w.files[mailFile] = of
	return of, nil
}

// Close finishes every open mbox file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for name, of := range w.files {
		if err := of.mbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finish %s: %w", name, err))
		}
		if err := of.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", name, err))
		}
		if err := of.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(w.files, name)
	}
	return errors.Join(errs...)
}
