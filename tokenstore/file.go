package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var _ Store = (*File)(nil)

// fileDocument is the on-disk layout. Several records (for example one per
// OAuth client) may share one file; each is replaced as a whole.
type fileDocument struct {
	Records map[string]AuthTokens `json:"records"`
}

// File persists tokens as a JSON document on disk.
type File struct {
	path   string
	record string
}

// NewFile returns a store backed by path, keeping its tokens under record.
// An empty record uses DefaultRecord.
func NewFile(path, record string) *File {
	if record == "" {
		record = DefaultRecord
	}
	return &File{path: path, record: record}
}

// Path returns the token file location.
func (f *File) Path() string {
	return f.path
}

func (f *File) Get(_ context.Context) (AuthTokens, error) {
	doc, err := f.read()
	if err != nil {
		return AuthTokens{}, err
	}
	return doc.Records[f.record], nil
}

func (f *File) Save(_ context.Context, tokens AuthTokens) error {
	if err := tokens.Validate(); err != nil {
		return err
	}

	return f.update(func(doc *fileDocument) {
		doc.Records[f.record] = tokens
	})
}

func (f *File) Clear(_ context.Context) error {
	return f.update(func(doc *fileDocument) {
		delete(doc.Records, f.record)
	})
}

// read loads the document without locking. Readers only ever see a complete
// file because writers replace it with a rename.
func (f *File) read() (fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return fileDocument{}, nil
	}
	if err != nil {
		return fileDocument{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileDocument{}, fmt.Errorf("%w: failed to parse token file: %v", ErrCorruptRecord, err)
	}
	return doc, nil
}

// update applies mutate to the document under the file lock and writes the
// result atomically.
func (f *File) update(mutate func(doc *fileDocument)) (err error) {
	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("failed to release lock: %w", releaseErr)
		}
	}()

	// An unparsable file is rewritten from scratch.
	var doc fileDocument
	if existing, readErr := os.ReadFile(f.path); readErr == nil {
		if unmarshalErr := json.Unmarshal(existing, &doc); unmarshalErr != nil {
			doc = fileDocument{}
		}
	}
	if doc.Records == nil {
		doc.Records = make(map[string]AuthTokens)
	}

	mutate(&doc)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
