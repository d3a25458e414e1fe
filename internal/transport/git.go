package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gtransport "github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"
)

const (
	indexDir = "index"
	blobDir  = "blobs"
)

// GitConfig configures the git-backed remote.
type GitConfig struct {
	// URL is the remote repository holding the shared index.
	URL string

	// Branch is the branch publications are committed to.
	Branch string

	// CacheDir is the local clone location.
	CacheDir string
}

// Git implements Transport on top of a git remote: the shared store is a
// repository with one index file and one sealed blob file per fix hash,
// and the returned commit ref is the commit hash.
type Git struct {
	cfg    GitConfig
	logger *zap.Logger

	repo *git.Repository
}

// NewGit creates a git transport. The remote is not contacted until the
// first Push or Pull.
func NewGit(cfg GitConfig, logger *zap.Logger) (*Git, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote url is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("cache dir is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Git{cfg: cfg, logger: logger}, nil
}

// ensureRepo opens the local clone, cloning (or initializing against an
// empty remote) on first use.
func (t *Git) ensureRepo(ctx context.Context) error {
	if t.repo != nil {
		return nil
	}

	repo, err := git.PlainOpen(t.cfg.CacheDir)
	if err == nil {
		t.repo = repo
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("%w: open clone: %v", ErrTransport, err)
	}

	repo, err = git.PlainCloneContext(ctx, t.cfg.CacheDir, false, &git.CloneOptions{
		URL:           t.cfg.URL,
		ReferenceName: plumbing.NewBranchReferenceName(t.cfg.Branch),
		SingleBranch:  true,
	})
	if err == nil {
		t.repo = repo
		return nil
	}
	if !errors.Is(err, gtransport.ErrEmptyRemoteRepository) {
		return fmt.Errorf("%w: clone %s: %v", ErrTransport, t.cfg.URL, err)
	}

	// Empty remote: initialize a fresh clone pointed at it. The first push
	// creates the branch.
	repo, err = git.PlainInit(t.cfg.CacheDir, false)
	if err != nil {
		return fmt.Errorf("%w: init clone: %v", ErrTransport, err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{t.cfg.URL},
	}); err != nil {
		return fmt.Errorf("%w: configure remote: %v", ErrTransport, err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(t.cfg.Branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return fmt.Errorf("%w: set head: %v", ErrTransport, err)
	}

	t.repo = repo
	return nil
}

// refresh pulls the remote branch into the local clone. Benign outcomes
// (already up to date, remote still empty) are not errors.
func (t *Git) refresh(ctx context.Context) error {
	wt, err := t.repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: worktree: %v", ErrTransport, err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(t.cfg.Branch),
		SingleBranch:  true,
	})
	switch {
	case err == nil,
		errors.Is(err, git.NoErrAlreadyUpToDate),
		errors.Is(err, gtransport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil
	default:
		return fmt.Errorf("%w: pull: %v", ErrTransport, err)
	}
}

// Push writes the index entry and sealed blob into the worktree, commits,
// and pushes. Identical content produces a clean worktree and returns the
// current head without a new commit, which is what makes re-publication a
// safe no-op.
func (t *Git) Push(ctx context.Context, entry *RemoteIndexEntry, blob *SealedBlob) (string, error) {
	if err := entry.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := t.ensureRepo(ctx); err != nil {
		return "", err
	}
	if err := t.refresh(ctx); err != nil {
		t.logger.Debug("pre-push refresh failed", zap.Error(err))
	}

	wt, err := t.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("%w: worktree: %v", ErrTransport, err)
	}
	fs := wt.Filesystem

	entryData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal entry: %v", ErrTransport, err)
	}
	if err := fs.MkdirAll(indexDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir: %v", ErrTransport, err)
	}
	entryPath := path.Join(indexDir, entry.FixHash+".json")
	if err := util.WriteFile(fs, entryPath, entryData, 0o644); err != nil {
		return "", fmt.Errorf("%w: write entry: %v", ErrTransport, err)
	}
	if _, err := wt.Add(entryPath); err != nil {
		return "", fmt.Errorf("%w: stage entry: %v", ErrTransport, err)
	}

	if blob != nil {
		blobData, err := json.Marshal(blob)
		if err != nil {
			return "", fmt.Errorf("%w: marshal blob: %v", ErrTransport, err)
		}
		if err := fs.MkdirAll(blobDir, 0o755); err != nil {
			return "", fmt.Errorf("%w: mkdir: %v", ErrTransport, err)
		}
		blobPath := path.Join(blobDir, entry.FixHash+".json")
		if err := util.WriteFile(fs, blobPath, blobData, 0o644); err != nil {
			return "", fmt.Errorf("%w: write blob: %v", ErrTransport, err)
		}
		if _, err := wt.Add(blobPath); err != nil {
			return "", fmt.Errorf("%w: stage blob: %v", ErrTransport, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("%w: status: %v", ErrTransport, err)
	}
	if status.IsClean() {
		head, err := t.repo.Head()
		if err != nil {
			return "", fmt.Errorf("%w: head: %v", ErrTransport, err)
		}
		return head.Hash().String(), nil
	}

	commit, err := wt.Commit(commitMessage(entry), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "fixd",
			Email: entry.AuthorID + "@fixd.invalid",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: commit: %v", ErrTransport, err)
	}

	branch := plumbing.NewBranchReferenceName(t.cfg.Branch)
	err = t.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(branch + ":" + branch)},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("%w: push: %v", ErrTransport, err)
	}

	return commit.String(), nil
}

// Pull refreshes the clone and reads every index entry. Entries that fail
// to parse are skipped with a log line; one bad entry must not fail the
// whole sync.
func (t *Git) Pull(ctx context.Context) ([]*RemoteIndexEntry, error) {
	if err := t.ensureRepo(ctx); err != nil {
		return nil, err
	}
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}

	wt, err := t.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: worktree: %v", ErrTransport, err)
	}
	fs := wt.Filesystem

	infos, err := fs.ReadDir(indexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read index: %v", ErrTransport, err)
	}

	var entries []*RemoteIndexEntry
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		data, err := util.ReadFile(fs, path.Join(indexDir, info.Name()))
		if err != nil {
			t.logger.Warn("skipping unreadable index entry",
				zap.String("file", info.Name()), zap.Error(err))
			continue
		}
		var entry RemoteIndexEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			t.logger.Warn("skipping malformed index entry",
				zap.String("file", info.Name()), zap.Error(err))
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Fetch reads the sealed blob for fixHash from the clone.
func (t *Git) Fetch(ctx context.Context, fixHash string) (*SealedBlob, error) {
	if err := t.ensureRepo(ctx); err != nil {
		return nil, err
	}

	wt, err := t.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%w: worktree: %v", ErrTransport, err)
	}

	data, err := util.ReadFile(wt.Filesystem, path.Join(blobDir, fixHash+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, fixHash)
		}
		return nil, fmt.Errorf("%w: read blob: %v", ErrTransport, err)
	}

	var blob SealedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed blob %s: %v", ErrTransport, fixHash, err)
	}
	return &blob, nil
}

func commitMessage(entry *RemoteIndexEntry) string {
	return fmt.Sprintf("publish %s (%s)", shortHash(entry.FixHash), entry.ErrorType)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
