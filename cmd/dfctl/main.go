package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
	"github.com/dreamforge/dreamforge-backend/internal/db"
	"github.com/dreamforge/dreamforge-backend/internal/logger"
	"github.com/dreamforge/dreamforge-backend/internal/registry"
	"github.com/dreamforge/dreamforge-backend/internal/repos"
	"github.com/dreamforge/dreamforge-backend/internal/utils"
)

const (
	exitOK           = 0
	exitNotFound     = 2
	exitFailed       = 3
	exitVerifyFailed = 4
)

const usage = `usage: dfctl <command> [flags]

commands:
  model list                       list registered models
  model get -id <uuid>             show one model
  model install -name <n> -kind <k> -source <uri> [-version <v>]
  model verify -id <uuid>          re-hash installed files
  model enable -id <uuid>
  model disable -id <uuid>
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 || args[0] != "model" {
		fmt.Fprint(os.Stderr, usage)
		return exitNotFound
	}

	log := logger.NewNop()
	dbURL := utils.GetEnv("DF_DB_URL", "", nil)
	dbService, err := db.New(dbURL, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: %v\n", err)
		return exitFailed
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: migrate: %v\n", err)
		return exitFailed
	}
	models := repos.NewModelRepo(dbService.DB(), log)
	root := utils.GetEnv("DF_MODELS_ROOT", "models", nil)
	installer := registry.NewInstaller(root, models, nil, log)
	ctx := context.Background()

	switch args[1] {
	case "list":
		return modelList(ctx, models)
	case "get":
		return modelGet(ctx, models, args[2:])
	case "install":
		return modelInstall(ctx, installer, args[2:])
	case "verify":
		return modelVerify(ctx, installer, args[2:])
	case "enable":
		return modelSetEnabled(ctx, models, args[2:], true)
	case "disable":
		return modelSetEnabled(ctx, models, args[2:], false)
	default:
		fmt.Fprint(os.Stderr, usage)
		return exitNotFound
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func classify(err error) int {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case apperr.CodeNotFound, apperr.CodeInvalidInput:
			return exitNotFound
		}
	}
	return exitFailed
}

func parseID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: -id must be a uuid\n")
		return uuid.Nil, false
	}
	return id, true
}

func modelList(ctx context.Context, models repos.ModelRepo) int {
	all, err := models.List(ctx, nil, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: %v\n", err)
		return exitFailed
	}
	printJSON(all)
	return exitOK
}

func modelGet(ctx context.Context, models repos.ModelRepo, args []string) int {
	fs := flag.NewFlagSet("model get", flag.ExitOnError)
	rawID := fs.String("id", "", "model id")
	fs.Parse(args)
	id, ok := parseID(*rawID)
	if !ok {
		return exitNotFound
	}
	m, err := models.Get(ctx, nil, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: %v\n", err)
		return exitFailed
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "dfctl: model %s not found\n", id)
		return exitNotFound
	}
	printJSON(m)
	return exitOK
}

func modelInstall(ctx context.Context, installer *registry.Installer, args []string) int {
	fs := flag.NewFlagSet("model install", flag.ExitOnError)
	name := fs.String("name", "", "model name")
	kind := fs.String("kind", "sdxl-checkpoint", "model kind")
	version := fs.String("version", "", "model version")
	source := fs.String("source", "", "source uri")
	fs.Parse(args)

	m, err := installer.Install(ctx, registry.InstallSpec{
		Name:      *name,
		Kind:      *kind,
		Version:   *version,
		SourceURI: *source,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: install: %v\n", err)
		return classify(err)
	}
	printJSON(m)
	return exitOK
}

func modelVerify(ctx context.Context, installer *registry.Installer, args []string) int {
	fs := flag.NewFlagSet("model verify", flag.ExitOnError)
	rawID := fs.String("id", "", "model id")
	fs.Parse(args)
	id, ok := parseID(*rawID)
	if !ok {
		return exitNotFound
	}
	if err := installer.Verify(ctx, id); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && (ae.Code == apperr.CodeNotFound || ae.Code == apperr.CodeInvalidInput) {
			fmt.Fprintf(os.Stderr, "dfctl: verify: %v\n", err)
			return exitNotFound
		}
		fmt.Fprintf(os.Stderr, "dfctl: verify failed: %v\n", err)
		return exitVerifyFailed
	}
	fmt.Println("ok")
	return exitOK
}

func modelSetEnabled(ctx context.Context, models repos.ModelRepo, args []string, enabled bool) int {
	fs := flag.NewFlagSet("model enable", flag.ExitOnError)
	rawID := fs.String("id", "", "model id")
	fs.Parse(args)
	id, ok := parseID(*rawID)
	if !ok {
		return exitNotFound
	}
	m, err := models.Get(ctx, nil, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: %v\n", err)
		return exitFailed
	}
	if m == nil {
		fmt.Fprintf(os.Stderr, "dfctl: model %s not found\n", id)
		return exitNotFound
	}
	if err := models.SetEnabled(ctx, nil, id, enabled); err != nil {
		fmt.Fprintf(os.Stderr, "dfctl: %v\n", err)
		return exitFailed
	}
	fmt.Println("ok")
	return exitOK
}
