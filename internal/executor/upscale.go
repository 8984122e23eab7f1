package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/engine"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/services"
	"github.com/dreamforge/dreamforge-backend/internal/types"
	"github.com/dreamforge/dreamforge-backend/internal/upscale"
)

// UpscaleHandler scales every frame the generate step produced, writing the
// results under a mirrored object key.
type UpscaleHandler struct {
	artifacts repos.ArtifactRepo
	store     services.ObjectStore
	registry  *upscale.Registry
}

func NewUpscaleHandler(artifacts repos.ArtifactRepo, store services.ObjectStore, registry *upscale.Registry) *UpscaleHandler {
	return &UpscaleHandler{
		artifacts: artifacts,
		store:     store,
		registry:  registry,
	}
}

func (h *UpscaleHandler) Name() string { return types.StepUpscale }

// UpscaleKey mirrors a generate key into the upscale namespace.
func UpscaleKey(sourceKey string) string {
	return strings.Replace(sourceKey, "/generate/", "/upscale/", 1)
}

func (h *UpscaleHandler) Run(ctx context.Context, sc *StepContext) error {
	var params services.UpscaleParams
	if err := json.Unmarshal(sc.Step.Metadata, &params); err != nil {
		return apperr.Wrap(apperr.CodeInternal, fmt.Errorf("decode upscale metadata: %w", err))
	}

	var genStep *types.Step
	for _, st := range sc.Steps {
		if st.Name == types.StepGenerate {
			genStep = st
			break
		}
	}
	if genStep == nil {
		return apperr.New(apperr.CodeInternal, "upscale step has no generate step to read from")
	}

	sources, err := h.artifacts.ListByStep(ctx, nil, genStep.ID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return apperr.New(apperr.CodeInternal, "generate step produced no artifacts to upscale")
	}

	up, resolvedImpl, err := h.registry.ForScale(params.Impl, params.Scale, params.StrictScale)
	if err != nil {
		return err
	}

	existing, err := sc.ExistingArtifacts(ctx)
	if err != nil {
		return err
	}

	for _, src := range sources {
		if _, done := existing[src.ItemIndex]; done {
			sc.Log.Info("item already upscaled, skipping", "item_index", src.ItemIndex)
			continue
		}

		data, getErr := h.store.Get(ctx, src.S3Key)
		if getErr != nil {
			return fmt.Errorf("fetch source %q: %w", src.S3Key, getErr)
		}
		img, _, _, decErr := engine.DecodePNG(data)
		if decErr != nil {
			return fmt.Errorf("decode source %q: %w", src.S3Key, decErr)
		}

		effectiveImpl := resolvedImpl
		scaled, runErr := up.Run(ctx, img, params.Scale, params.StrictScale)
		if runErr != nil {
			if params.StrictScale {
				return fmt.Errorf("upscale item %d: %w", src.ItemIndex, runErr)
			}
			// non-strict requests get one shot with the other implementation
			altImpl := upscale.Alternate(resolvedImpl)
			alt, ok := h.registry.ByName(altImpl)
			if !ok {
				return fmt.Errorf("upscale item %d: %w", src.ItemIndex, runErr)
			}
			sc.Log.Warn("upscaler failed, retrying with alternate impl",
				"item_index", src.ItemIndex, "impl", resolvedImpl, "alternate", altImpl, "error", runErr)
			scaled, runErr = alt.Run(ctx, img, params.Scale, false)
			if runErr != nil {
				return fmt.Errorf("upscale item %d: %w", src.ItemIndex, runErr)
			}
			effectiveImpl = altImpl
		}
		out, encErr := engine.EncodePNG(scaled)
		if encErr != nil {
			return encErr
		}

		key := UpscaleKey(src.S3Key)
		if putErr := h.store.Put(ctx, key, out, "image/png"); putErr != nil {
			return fmt.Errorf("upload item %d: %w", src.ItemIndex, putErr)
		}

		sum := sha256.Sum256(out)
		checksum := hex.EncodeToString(sum[:])
		if _, artErr := sc.WriteArtifact(ctx, repos.NewArtifact{
			JobID:     sc.Job.ID,
			StepID:    sc.Step.ID,
			Format:    src.Format,
			Width:     src.Width * params.Scale,
			Height:    src.Height * params.Scale,
			Seed:      src.Seed,
			ItemIndex: src.ItemIndex,
			S3Key:     key,
			Checksum:  &checksum,
			Metadata: map[string]any{
				"scale":        params.Scale,
				"impl":         effectiveImpl,
				"strict_scale": params.StrictScale,
			},
		}); artErr != nil {
			return artErr
		}
	}
	return nil
}
