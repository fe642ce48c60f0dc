// Package gitrepo mirrors file versions into one git repository per
// organization, giving every version an auditable commit outside the
// primary store.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	nodesDir      = "nodes"
	versionMarker = "Version: "
	pathMarker    = "Path: "
)

var ErrNotArchived = errors.New("not archived")

// Commit is one archived version.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Path      string    `json:"path"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is a version to archive.
type Entry struct {
	OrganizationID string
	FileID         string
	Path           string
	Version        int
	Content        string
	Author         string
	Message        string
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// CommitVersion writes the content of one file version and commits it.
func (a *Archive) CommitVersion(entry Entry) (Commit, error) {
	if entry.OrganizationID == "" || entry.FileID == "" {
		return Commit{}, errors.New("commit version: organization and file are required")
	}
	lock := a.orgLock(entry.OrganizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.ensureRepo(entry.OrganizationID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	name := nodeFile(entry.FileID)
	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Commit{}, fmt.Errorf("create nodes dir: %w", err)
	}
	if err := os.WriteFile(target, []byte(entry.Content), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write node content: %w", err)
	}
	if _, err := worktree.Add(name); err != nil {
		return Commit{}, fmt.Errorf("git add node content: %w", err)
	}

	message := entry.Message
	if message == "" {
		message = fmt.Sprintf("Update %s", entry.Path)
	}
	message = fmt.Sprintf("%s\n\n%s%s\n%s%d\n", message, pathMarker, entry.Path, versionMarker, entry.Version)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            a.signature(entry.Author),
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit node content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// RemoveFile records the deletion of a file. Files never archived are
// ignored.
func (a *Archive) RemoveFile(organizationID, fileID, path, author string) error {
	lock := a.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(organizationID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	name := nodeFile(fileID)
	if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(name))); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := worktree.Remove(name); err != nil {
		return fmt.Errorf("git rm node content: %w", err)
	}
	message := fmt.Sprintf("Delete %s\n\n%s%s\n", path, pathMarker, path)
	if _, err := worktree.Commit(message, &git.CommitOptions{Author: a.signature(author)}); err != nil {
		return fmt.Errorf("commit node removal: %w", err)
	}
	return nil
}

// History lists the archived commits touching a file, newest first.
func (a *Archive) History(organizationID, fileID string, limit int) ([]Commit, error) {
	lock := a.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(organizationID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	name := nodeFile(fileID)
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &name})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the archived content of a file as of commit hash.
func (a *Archive) ContentAt(organizationID, fileID, hash string) (string, error) {
	lock := a.orgLock(organizationID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(organizationID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(nodeFile(fileID))
	if errors.Is(err, object.ErrFileNotFound) {
		return "", ErrNotArchived
	}
	if err != nil {
		return "", fmt.Errorf("load node content: %w", err)
	}
	return file.Contents()
}

func (a *Archive) ensureRepo(organizationID string) (*git.Repository, error) {
	path := a.repoPath(organizationID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	readme := fmt.Sprintf("File version archive for organization %s.\n", organizationID)
	if err := os.WriteFile(filepath.Join(path, "README"), []byte(readme), 0o644); err != nil {
		return nil, fmt.Errorf("write readme: %w", err)
	}
	if _, err := worktree.Add("README"); err != nil {
		return nil, fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initialize archive", &git.CommitOptions{Author: a.signature("treesync")})
	if err != nil {
		return nil, fmt.Errorf("commit readme: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *Archive) repoPath(organizationID string) string {
	return filepath.Join(a.baseDir, safeSegment(organizationID))
}

func (a *Archive) orgLock(organizationID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[organizationID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[organizationID] = lock
	return lock
}

func (a *Archive) signature(author string) *object.Signature {
	if strings.TrimSpace(author) == "" {
		author = "treesync"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.treesync.local", sanitizeEmail(author)),
		When:  a.now(),
	}
}

func nodeFile(fileID string) string {
	return nodesDir + "/" + safeSegment(fileID)
}

func toCommit(commitObj *object.Commit) Commit {
	c := Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.SplitN(commitObj.Message, "\n", 2)[0],
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		switch {
		case strings.HasPrefix(line, versionMarker):
			c.Version, _ = strconv.Atoi(strings.TrimPrefix(line, versionMarker))
		case strings.HasPrefix(line, pathMarker):
			c.Path = strings.TrimPrefix(line, pathMarker)
		}
	}
	return c
}

// safeSegment keeps ids usable as a single path element.
func safeSegment(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
