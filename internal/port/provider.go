package port

import (
	"context"

	"github.com/bnema/audiograb/internal/domain"
)

// Credential is one secret usable against a provider. Name identifies it in
// logs and metrics and never carries the secret itself.
type Credential struct {
	Name     string
	Secret   string
	Endpoint string
}

type AcquireRequest struct {
	JobID       string
	SourceKey   string
	Quality     string
	Trim        domain.Trim
	ArtifactKey string
}

// Provider is a black-box conversion backend. Implementations classify their
// failures with domain.ProviderError where they happen.
type Provider interface {
	Name() string
	ResolveMetadata(ctx context.Context, sourceKey string, cred Credential) (*domain.Metadata, error)
	AcquireArtifact(ctx context.Context, req AcquireRequest, cred Credential) (*domain.Artifact, error)
}

type ArtifactValidator interface {
	Validate(ctx context.Context, ref string) error
}
