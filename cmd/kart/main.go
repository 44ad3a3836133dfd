// Command kart is the process entrypoint: it resolves a repository on
// disk, opens the object database (the working copy is not opened), and
// reports basic status. Command-line parsing itself is out of scope; the handful of
// flags here exist only to pick a repository and an object-database
// binding, the way
// dolthub-dolt/go/cmd/test_write_amplification/main.go's bare `flag`
// entrypoint drives a single library operation rather than a full
// command tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/objdb/gitstore"
	"github.com/koordinates/kart/pkg/objdb/loose"
	"github.com/koordinates/kart/pkg/repo"
)

var log = logrus.WithField("component", "cmd/kart")

var (
	repoDir = flag.String("repo", "", "path to the repository (default: current directory)")
	doInit  = flag.Bool("init", false, "create a new tidy-style repository at -repo instead of opening one")
	pureGo  = flag.Bool("pure-go", false, "use the pure-Go go-git object-database binding instead of libgit2")
	verbose = flag.Bool("verbose", false, "enable debug-level logging")
)

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(context.Background()); err != nil {
		log.WithError(err).Error("kart failed")
		os.Exit(exitCodeFor(err))
	}
}

func run(ctx context.Context) error {
	dir := *repoDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	if *doInit {
		return initRepo(ctx, dir)
	}
	return reportStatus(ctx, dir)
}

func openStore(gitDir string) (objdb.Store, error) {
	if *pureGo {
		return loose.Open(gitDir)
	}
	return gitstore.Open(gitDir)
}

func initStore(gitDir string, bare bool) (objdb.Store, error) {
	if *pureGo {
		return loose.Init(gitDir, bare)
	}
	return gitstore.Init(gitDir, bare)
}

func initRepo(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	layout := repo.Tidy
	gitDir := filepath.Join(dir, ".repo")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return err
	}
	store, err := initStore(gitDir, true)
	if err != nil {
		return err
	}
	if err := repo.InitLayout(gitDir, dir, layout); err != nil {
		return err
	}
	if _, err := repo.Open(store, gitDir, dir, layout, nil); err != nil {
		return err
	}
	log.WithField("dir", dir).Info("initialised repository")
	return nil
}

func reportStatus(ctx context.Context, dir string) error {
	gitDir := filepath.Join(dir, ".repo")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		gitDir = dir
	}

	store, err := openStore(gitDir)
	if err != nil {
		return kerr.Wrapf(kerr.KindNotFound, err, "no repository found at %s", dir).WithCode(kerr.ExitNoRepo)
	}

	r, err := repo.Open(store, gitDir, dir, repo.Tidy, nil)
	if err != nil {
		return err
	}

	state, err := r.State()
	if err != nil {
		return err
	}

	datasets, err := r.Datasets(ctx, "HEAD")
	if err != nil {
		return err
	}

	fmt.Printf("repository: %s\n", dir)
	fmt.Printf("state: %s\n", state)
	fmt.Printf("datasets: %d\n", len(datasets))
	for path := range datasets {
		fmt.Printf("  %s\n", path)
	}
	return nil
}

func exitCodeFor(err error) int {
	var kerrErr *kerr.Error
	if errors.As(err, &kerrErr) {
		return kerrErr.ExitCode()
	}
	return 11 // uncategorised, as kerr.Error.ExitCode uses for unmapped kinds
}
