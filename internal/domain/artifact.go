package domain

import "time"

// Metadata describes the remote media behind a source key.
type Metadata struct {
	Title    string  `json:"title"`
	Uploader string  `json:"uploader,omitempty"`
	Duration float64 `json:"duration"`
}

// Artifact is a produced audio file. Ref is either an absolute local path
// inside the downloads directory or an http(s) URL served by a provider.
type Artifact struct {
	Ref      string
	Size     int64
	Duration float64
	Title    string
}

type BlockKind string

const (
	BlockSource  BlockKind = "source"
	BlockLocator BlockKind = "locator"
)

type BlockEntry struct {
	Kind      BlockKind `json:"kind"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (k BlockKind) Valid() bool {
	return k == BlockSource || k == BlockLocator
}
