package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/engine"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

const (
	// CheckpointKind is the registry kind consulted for default model
	// selection.
	CheckpointKind = "sdxl-checkpoint"

	artifactKeyPrefix = "dreamforge/default/jobs"
	keyTimeLayout     = "20060102T150405"

	seedMax = int64(1)<<31 - 1
)

// GenerateHandler renders the requested item batch through the configured
// engine and uploads each frame before recording its artifact row.
type GenerateHandler struct {
	models            repos.ModelRepo
	store             services.ObjectStore
	engine            engine.Engine
	fallbackModelPath string
	flatCheck         bool
}

type GenerateHandlerConfig struct {
	Models repos.ModelRepo
	Store  services.ObjectStore
	Engine engine.Engine
	// FallbackModelPath is used when the registry has no eligible model.
	FallbackModelPath string
	// FlatCheck enables the solid-frame sanity check on engine output.
	// Off for the fake engine, whose frames are flat by construction.
	FlatCheck bool
}

func NewGenerateHandler(cfg GenerateHandlerConfig) *GenerateHandler {
	return &GenerateHandler{
		models:            cfg.Models,
		store:             cfg.Store,
		engine:            cfg.Engine,
		fallbackModelPath: cfg.FallbackModelPath,
		flatCheck:         cfg.FlatCheck,
	}
}

func (h *GenerateHandler) Name() string { return types.StepGenerate }

// resolveModel picks the checkpoint for this run: an explicit model_id wins,
// then the registry default, then the environment fallback path.
func (h *GenerateHandler) resolveModel(ctx context.Context, sc *StepContext) (localPath string, err error) {
	p := sc.Params

	if p.ModelID != nil {
		m, mErr := h.models.Get(ctx, nil, *p.ModelID)
		if mErr != nil {
			return "", mErr
		}
		if m == nil {
			return "", apperr.Newf(apperr.CodeNotFound, "model %s not found", p.ModelID)
		}
		if !m.Installed || !m.Enabled || m.LocalPath == nil || *m.LocalPath == "" {
			return "", apperr.Newf(apperr.CodeInvalidInput, "model %s is not installed and enabled", p.ModelID)
		}
		if evErr := sc.AppendEvent(ctx, types.EventModelSelected, types.LevelInfo, map[string]any{
			"model_id":   m.ID.String(),
			"local_path": *m.LocalPath,
			"source":     "registry",
		}); evErr != nil {
			return "", evErr
		}
		return *m.LocalPath, nil
	}

	m, mErr := h.models.GetDefault(ctx, nil, CheckpointKind)
	if mErr != nil {
		return "", mErr
	}
	if m != nil && m.LocalPath != nil && *m.LocalPath != "" {
		if evErr := sc.AppendEvent(ctx, types.EventModelSelected, types.LevelInfo, map[string]any{
			"model_id":   m.ID.String(),
			"local_path": *m.LocalPath,
			"source":     "registry",
		}); evErr != nil {
			return "", evErr
		}
		return *m.LocalPath, nil
	}

	if h.fallbackModelPath != "" {
		if evErr := sc.AppendEvent(ctx, types.EventModelSelected, types.LevelInfo, map[string]any{
			"model_id":   nil,
			"local_path": h.fallbackModelPath,
			"source":     "env_fallback",
		}); evErr != nil {
			return "", evErr
		}
		return h.fallbackModelPath, nil
	}

	return "", apperr.New(apperr.CodeInvalidInput, "no installed model available and no fallback model path configured")
}

// itemSeeds applies the seeding policy: a single-item run honors an explicit
// seed; everything else draws fresh uniform seeds per item.
func itemSeeds(p services.GenerateParams) []int64 {
	count := p.CountValue()
	seeds := make([]int64, count)
	if count == 1 && p.Seed != nil {
		seeds[0] = *p.Seed
		return seeds
	}
	for i := range seeds {
		seeds[i] = rand.Int64N(seedMax) + 1
	}
	return seeds
}

// GenerateKey builds the canonical object key for one generated frame.
func GenerateKey(jobID string, t time.Time, itemIndex, width, height int, seed int64, format string) string {
	return fmt.Sprintf("%s/%s/generate/%s_%d_%dx%d_%d.%s",
		artifactKeyPrefix, jobID, t.UTC().Format(keyTimeLayout), itemIndex, width, height, seed, format)
}

func (h *GenerateHandler) Run(ctx context.Context, sc *StepContext) error {
	p := sc.Params

	modelPath, err := h.resolveModel(ctx, sc)
	if err != nil {
		return err
	}

	existing, err := sc.ExistingArtifacts(ctx)
	if err != nil {
		return err
	}

	seeds := itemSeeds(p)
	for i := 0; i < p.CountValue(); i++ {
		if _, done := existing[i]; done {
			sc.Log.Info("item already produced, skipping", "item_index", i)
			continue
		}
		seed := seeds[i]

		data, genErr := h.engine.GenerateOne(ctx, engine.GenerateParams{
			ModelPath:      modelPath,
			Prompt:         p.Prompt,
			NegativePrompt: p.NegativePrompt,
			Width:          p.Width,
			Height:         p.Height,
			Steps:          p.Steps,
			Guidance:       p.Guidance,
			Seed:           seed,
		})
		if genErr != nil {
			return fmt.Errorf("generate item %d: %w", i, genErr)
		}

		if h.flatCheck {
			flat, flatErr := engine.IsFlat(data)
			if flatErr != nil {
				return fmt.Errorf("inspect item %d: %w", i, flatErr)
			}
			if flat {
				// a uniform frame means the pipeline silently broke
				return apperr.Newf(apperr.CodeInternal, "item %d produced a flat frame", i)
			}
		}

		key := GenerateKey(sc.Job.ID.String(), time.Now(), i, p.Width, p.Height, seed, p.Format)
		if putErr := h.store.Put(ctx, key, data, "image/png"); putErr != nil {
			return fmt.Errorf("upload item %d: %w", i, putErr)
		}

		sum := sha256.Sum256(data)
		checksum := hex.EncodeToString(sum[:])
		seedCopy := seed
		if _, artErr := sc.WriteArtifact(ctx, repos.NewArtifact{
			JobID:     sc.Job.ID,
			StepID:    sc.Step.ID,
			Format:    p.Format,
			Width:     p.Width,
			Height:    p.Height,
			Seed:      &seedCopy,
			ItemIndex: i,
			S3Key:     key,
			Checksum:  &checksum,
		}); artErr != nil {
			return artErr
		}
	}
	return nil
}
