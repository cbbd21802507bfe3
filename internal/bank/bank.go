// Package bank reads question-bank files and imports them into the store.
//
// A bank file holds one list per part keyed A to F, in JSON or YAML:
//
//	A:
//	  - question: Please close the door.
//	B:
//	  - question: green tea ... I like
//	    rearranged: I like green tea
package bank

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/langexam/internal/model"
)

// Format is a bank file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the encoding from the file extension; anything that
// is not .yaml or .yml is read as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes and validates a bank file.
func Parse(data []byte, format Format) (model.QuestionSet, error) {
	var qs model.QuestionSet
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&qs); err != nil {
			return qs, fmt.Errorf("parse YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&qs); err != nil {
			return qs, fmt.Errorf("parse JSON: %w", err)
		}
	}
	return qs, Validate(qs)
}

// Validate checks that every question carries the fields its part needs.
func Validate(qs model.QuestionSet) error {
	var errs []error
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }
	check := func(part model.Part, i int, ok bool, what string) {
		if !ok {
			errs = append(errs, fmt.Errorf("part %s question %d: %s", part, i+1, what))
		}
	}
	for i, q := range qs.A {
		check(model.PartA, i, !blank(q.Question), "empty question")
	}
	for i, q := range qs.B {
		check(model.PartB, i, !blank(q.Question), "empty question")
		check(model.PartB, i, !blank(q.Rearranged), "missing rearranged sentence")
	}
	for i, q := range qs.C {
		check(model.PartC, i, !blank(q.Question), "empty question")
		check(model.PartC, i, len(q.Dialog) > 0, "missing dialog")
		check(model.PartC, i, hasKeyword(q.Keywords), "missing keywords")
	}
	for i, q := range qs.D {
		check(model.PartD, i, !blank(q.Question), "empty question")
		check(model.PartD, i, !blank(q.Answer), "missing answer")
	}
	for i, q := range qs.E {
		check(model.PartE, i, !blank(q.Question), "empty question")
	}
	for i, q := range qs.F {
		check(model.PartF, i, !blank(q.Question), "empty passage")
	}
	return errors.Join(errs...)
}

func hasKeyword(keywords []string) bool {
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			return true
		}
	}
	return false
}

// Store is the persistence needed to import a bank.
type Store interface {
	GetImportedFileHash(ctx context.Context, path string) (string, error)
	ImportQuestions(ctx context.Context, path, hash string, qs model.QuestionSet) (int, error)
}

var (
	// ErrAlreadyImported is returned when the same file content was imported before.
	ErrAlreadyImported = errors.New("bank file already imported")
	// ErrInvalid is returned for bank content that does not parse or validate.
	ErrInvalid = errors.New("invalid question bank")
)

// ImportData imports bank content under the given name. Content already
// recorded under that name is refused with ErrAlreadyImported.
func ImportData(ctx context.Context, st Store, name string, data []byte) (int, error) {
	hash := sha256sum(data)
	storedHash, err := st.GetImportedFileHash(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if storedHash == hash {
		return 0, fmt.Errorf("%s: %w", name, ErrAlreadyImported)
	}

	qs, err := Parse(data, FormatForPath(name))
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", name, ErrInvalid, err)
	}
	n, err := st.ImportQuestions(ctx, name, hash, qs)
	if err != nil {
		return 0, fmt.Errorf("import questions from %s: %w", name, err)
	}
	slog.Info("imported questions", "file", name, "count", n)
	return n, nil
}

// ImportFiles imports each bank file once. Unchanged files are skipped; a
// file that changed since it was imported is also skipped so that attempts
// already holding its questions keep a stable bank.
func ImportFiles(ctx context.Context, st Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		storedHash, err := st.GetImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == sha256sum(data) {
			slog.Info("questions file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("questions file changed since last import, skipping to avoid duplicating questions",
				"path", path)
			continue
		}

		if _, err := ImportData(ctx, st, path, data); err != nil {
			return err
		}
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
