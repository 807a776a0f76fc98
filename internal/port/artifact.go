package port

import (
	"context"
	"os"
)

type ArtifactStore interface {
	ArtifactValidator
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
	Open(ref string) (*os.File, os.FileInfo, error)
	IsLocal(ref string) bool
}
