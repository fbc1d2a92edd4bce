// Package archive keeps a copy of every verified raw webhook body so that
// deliveries can be audited or replayed.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Object is one raw webhook delivery.
type Object struct {
	Provider   string
	OwnerID    string
	WebhookID  string
	ReceivedAt time.Time
	Body       []byte
}

// Archiver stores raw bodies and returns where they went.
type Archiver interface {
	Archive(ctx context.Context, obj Object) (string, error)
}

// Key lays objects out by provider, owner and UTC day.
func Key(obj Object) string {
	at := obj.ReceivedAt.UTC()
	return path.Join(
		"webhooks",
		sanitize(obj.Provider),
		sanitize(obj.OwnerID),
		at.Format("2006"), at.Format("01"), at.Format("02"),
		sanitize(obj.WebhookID)+".json",
	)
}

func sanitize(part string) string {
	part = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r < 0x20:
			return '_'
		default:
			return r
		}
	}, part)
	part = strings.Trim(part, ".")
	if part == "" {
		return "_"
	}
	return part
}

// Nop discards bodies.
type Nop struct{}

func (Nop) Archive(context.Context, Object) (string, error) { return "", nil }

// DirArchiver writes bodies under a local directory.
type DirArchiver struct {
	baseDir string
}

func NewDirArchiver(baseDir string) *DirArchiver {
	return &DirArchiver{baseDir: baseDir}
}

func (d *DirArchiver) Archive(_ context.Context, obj Object) (string, error) {
	p := filepath.Join(d.baseDir, filepath.FromSlash(Key(obj)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, obj.Body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}
