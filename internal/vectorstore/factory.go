package vectorstore

import (
	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
)

// New constructs the Index selected by cfg.Backend ("qdrant" or "chromem").
func New(cfg config.VectorDBConfig, log *logging.Logger) (Index, error) {
	switch cfg.Backend {
	case "qdrant":
		return NewQdrantIndex(cfg.QdrantURL, cfg, log)
	case "chromem":
		return NewChromemIndex(cfg.DataDir, cfg, log)
	default:
		return nil, errs.New(errs.KindValidation, "unknown vectordb backend: "+cfg.Backend)
	}
}
