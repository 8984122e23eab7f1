package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/types"
)

const (
	SidecarName   = "model.json"
	SchemaVersion = 1
)

// Adapter fetches model payloads for one URI scheme into a staging
// directory.
type Adapter interface {
	Supports(sourceURI string) bool
	Fetch(ctx context.Context, sourceURI, destDir string) error
}

// Sidecar is the model.json written next to installed files. It makes an
// install directory self-describing and verifiable without the database.
type Sidecar struct {
	SchemaVersion    int               `json:"schema_version"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	Version          string            `json:"version,omitempty"`
	SourceURI        string            `json:"source_uri"`
	CheckpointHash   string            `json:"checkpoint_hash,omitempty"`
	Capabilities     json.RawMessage   `json:"capabilities,omitempty"`
	ParametersSchema json.RawMessage   `json:"parameters_schema,omitempty"`
	Files            []types.ModelFile `json:"files"`
	LocalPath        string            `json:"local_path"`
}

type InstallSpec struct {
	Name             string
	Kind             string
	Version          string
	SourceURI        string
	Capabilities     map[string]any
	ParametersSchema map[string]any
}

// Installer stages, hashes and atomically installs model payloads under the
// models root, then records them in the registry.
type Installer struct {
	root     string
	models   repos.ModelRepo
	adapters []Adapter
	log      *logger.Logger
}

func NewInstaller(root string, models repos.ModelRepo, adapters []Adapter, log *logger.Logger) *Installer {
	if len(adapters) == 0 {
		adapters = []Adapter{&FileAdapter{}}
	}
	return &Installer{
		root:     root,
		models:   models,
		adapters: adapters,
		log:      log.With("service", "ModelInstaller"),
	}
}

// InstallDir is the canonical location of one model version.
func (i *Installer) InstallDir(spec InstallSpec) string {
	name := spec.Name
	if spec.Version != "" {
		name = spec.Name + "@" + spec.Version
	}
	return filepath.Join(i.root, spec.Kind, name)
}

func (i *Installer) adapterFor(sourceURI string) (Adapter, error) {
	for _, a := range i.adapters {
		if a.Supports(sourceURI) {
			return a, nil
		}
	}
	return nil, apperr.Newf(apperr.CodeInvalidInput, "no adapter supports source %q", sourceURI)
}

// Install fetches the model and moves it into place. Re-installing an
// already installed model whose file hashes match is a no-op.
func (i *Installer) Install(ctx context.Context, spec InstallSpec) (*types.Model, error) {
	if spec.Name == "" || spec.Kind == "" || spec.SourceURI == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "name, kind and source_uri are required")
	}
	adapter, err := i.adapterFor(spec.SourceURI)
	if err != nil {
		return nil, err
	}

	destDir := i.InstallDir(spec)
	if existing, vErr := i.verifyDir(destDir); vErr == nil && existing != nil {
		i.log.Info("model already installed", "name", spec.Name, "path", destDir)
		return i.record(ctx, spec, destDir, existing.Files, existing.CheckpointHash)
	}

	staging, err := os.MkdirTemp(filepath.Dir(destDir), ".staging-*")
	if err != nil {
		if mkErr := os.MkdirAll(filepath.Dir(destDir), 0o755); mkErr != nil {
			return nil, mkErr
		}
		staging, err = os.MkdirTemp(filepath.Dir(destDir), ".staging-*")
		if err != nil {
			return nil, err
		}
	}
	defer os.RemoveAll(staging)

	if err := adapter.Fetch(ctx, spec.SourceURI, staging); err != nil {
		return nil, fmt.Errorf("fetch %q: %w", spec.SourceURI, err)
	}

	files, err := hashTree(staging)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "source %q contained no files", spec.SourceURI)
	}
	checkpointHash := treeHash(files)

	sidecar := Sidecar{
		SchemaVersion:  SchemaVersion,
		Name:           spec.Name,
		Kind:           spec.Kind,
		Version:        spec.Version,
		SourceURI:      spec.SourceURI,
		CheckpointHash: checkpointHash,
		Files:          files,
		LocalPath:      destDir,
	}
	if spec.Capabilities != nil {
		sidecar.Capabilities, _ = json.Marshal(spec.Capabilities)
	}
	if spec.ParametersSchema != nil {
		sidecar.ParametersSchema, _ = json.Marshal(spec.ParametersSchema)
	}
	sidecarJSON, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, SidecarName), sidecarJSON, 0o644); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(destDir); err != nil {
		return nil, err
	}
	if err := os.Rename(staging, destDir); err != nil {
		return nil, fmt.Errorf("install %q: %w", destDir, err)
	}

	i.log.Info("model installed", "name", spec.Name, "kind", spec.Kind, "path", destDir)
	return i.record(ctx, spec, destDir, files, checkpointHash)
}

func (i *Installer) record(ctx context.Context, spec InstallSpec, destDir string, files []types.ModelFile, checkpointHash string) (*types.Model, error) {
	m := &types.Model{
		Name:    spec.Name,
		Kind:    spec.Kind,
		Enabled: true,
	}
	if spec.Version != "" {
		m.Version = &spec.Version
	}
	m.SourceURI = &spec.SourceURI
	if spec.Capabilities != nil {
		caps, _ := json.Marshal(spec.Capabilities)
		m.Capabilities = datatypes.JSON(caps)
	}
	if spec.ParametersSchema != nil {
		ps, _ := json.Marshal(spec.ParametersSchema)
		m.ParametersSchema = datatypes.JSON(ps)
	}

	saved, err := i.models.Upsert(ctx, nil, m)
	if err != nil {
		return nil, err
	}
	if err := i.models.MarkInstalled(ctx, nil, saved.ID, destDir, files, checkpointHash); err != nil {
		return nil, err
	}
	return i.models.Get(ctx, nil, saved.ID)
}

// Verify re-hashes the installed files of a model against its sidecar.
func (i *Installer) Verify(ctx context.Context, id uuid.UUID) error {
	m, err := i.models.Get(ctx, nil, id)
	if err != nil {
		return err
	}
	if m == nil {
		return apperr.Newf(apperr.CodeNotFound, "model %s not found", id)
	}
	if !m.Installed || m.LocalPath == nil {
		return apperr.Newf(apperr.CodeInvalidInput, "model %s is not installed", id)
	}
	sidecar, err := i.verifyDir(*m.LocalPath)
	if err != nil {
		return err
	}
	if m.CheckpointHash != nil && *m.CheckpointHash != sidecar.CheckpointHash {
		return apperr.Newf(apperr.CodeInternal, "checkpoint hash mismatch for model %s", id)
	}
	return nil
}

// verifyDir loads the sidecar and checks every listed file's hash and size.
func (i *Installer) verifyDir(dir string) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		return nil, err
	}
	var sidecar Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("parse sidecar in %q: %w", dir, err)
	}
	for _, f := range sidecar.Files {
		sum, size, hErr := hashFile(filepath.Join(dir, f.Path))
		if hErr != nil {
			return nil, hErr
		}
		if sum != f.SHA256 {
			return nil, apperr.Newf(apperr.CodeInternal, "hash mismatch for %q", f.Path)
		}
		if size != f.Size {
			return nil, apperr.Newf(apperr.CodeInternal, "size mismatch for %q", f.Path)
		}
	}
	return &sidecar, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// hashTree hashes every regular file under dir, keyed by relative path.
func hashTree(dir string) ([]types.ModelFile, error) {
	var files []types.ModelFile
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, rErr := filepath.Rel(dir, path)
		if rErr != nil {
			return rErr
		}
		if rel == SidecarName {
			return nil
		}
		sum, size, hErr := hashFile(path)
		if hErr != nil {
			return hErr
		}
		files = append(files, types.ModelFile{Path: rel, SHA256: sum, Size: size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(a, b int) bool { return files[a].Path < files[b].Path })
	return files, nil
}

// treeHash derives one stable hash over the file manifest.
func treeHash(files []types.ModelFile) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s:%s\n", f.Path, f.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileAdapter installs from a local path or file:// URI by copying the file
// or directory tree into the staging dir.
type FileAdapter struct{}

func (a *FileAdapter) Supports(sourceURI string) bool {
	return strings.HasPrefix(sourceURI, "file://") || !strings.Contains(sourceURI, "://")
}

func (a *FileAdapter) Fetch(ctx context.Context, sourceURI, destDir string) error {
	src := strings.TrimPrefix(sourceURI, "file://")
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, filepath.Join(destDir, filepath.Base(src)))
	}
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, rErr := filepath.Rel(src, path)
		if rErr != nil {
			return rErr
		}
		target := filepath.Join(destDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
