package remediation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/errwatch/internal/errs"
)

// ErrNothingToCommit is returned when the staged files carry no change.
var ErrNothingToCommit = errors.New("nothing to commit")

// ErrProtectedPath is returned when a fix targets a protected path.
var ErrProtectedPath = errors.New("path is protected")

// ErrLocalChanges is returned when switching commits would overwrite a
// locally modified path.
var ErrLocalChanges = errors.New("local changes would be overwritten")

// workingCopy wraps one go-git repository and its worktree.
type workingCopy struct {
	repo *git.Repository
	wt   *git.Worktree
	root string
}

// openWorkingCopy opens the repository containing path. Anything other than
// a non-bare repository with at least one commit fails the precondition.
func openWorkingCopy(path string) (*workingCopy, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, &errs.WorkflowPreconditionError{Path: path, Reason: "not a git working copy", Err: err}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, &errs.WorkflowPreconditionError{Path: path, Reason: "repository has no worktree", Err: err}
	}
	if _, err := repo.Head(); err != nil {
		return nil, &errs.WorkflowPreconditionError{Path: path, Reason: "repository has no commits", Err: err}
	}
	return &workingCopy{repo: repo, wt: wt, root: wt.Filesystem.Root()}, nil
}

// dirtyFiles lists modified, staged and untracked paths.
func (w *workingCopy) dirtyFiles() ([]string, error) {
	st, err := w.wt.Status()
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var out []string
	for path, s := range st {
		if s.Staging != git.Unmodified || s.Worktree != git.Unmodified {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// currentBranch returns the short branch name of HEAD, or "" when detached.
func (w *workingCopy) currentBranch() (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// resolveBase picks the branch new remediation branches start from: the
// preferred branch when it exists locally or on remote, else HEAD.
// The name is empty when HEAD is detached.
func (w *workingCopy) resolveBase(preferred, remote string) (string, plumbing.Hash, error) {
	if preferred != "" {
		candidates := []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(preferred),
			plumbing.NewRemoteReferenceName(remote, preferred),
		}
		for _, name := range candidates {
			if ref, err := w.repo.Reference(name, true); err == nil {
				return preferred, ref.Hash(), nil
			}
		}
	}
	head, err := w.repo.Head()
	if err != nil {
		return "", plumbing.ZeroHash, fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), head.Hash(), nil
	}
	return "", head.Hash(), nil
}

// restoreHead switches back to orig unless HEAD already points at it.
func (w *workingCopy) restoreHead(orig *plumbing.Reference) error {
	cur, err := w.repo.Head()
	if err != nil {
		return fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	if !orig.Name().IsBranch() {
		if !cur.Name().IsBranch() && cur.Hash() == orig.Hash() {
			return nil
		}
		return w.switchTo("", orig.Hash())
	}
	if cur.Name() == orig.Name() {
		return nil
	}
	ref, err := w.repo.Reference(orig.Name(), true)
	if err != nil {
		return fmt.Errorf("git show-ref %s: %w", orig.Name().Short(), err)
	}
	return w.switchTo(orig.Name(), ref.Hash())
}

// switchTo moves HEAD to hash, attached to branch when one is given, and
// rewrites only the tracked paths that differ between the two commits.
// Untracked and ignored files stay in place. A differing path with local
// changes aborts the switch before anything moves.
func (w *workingCopy) switchTo(branch plumbing.ReferenceName, hash plumbing.Hash) error {
	head, err := w.repo.Head()
	if err != nil {
		return fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	from, err := w.treeAt(head.Hash())
	if err != nil {
		return err
	}
	to, err := w.treeAt(hash)
	if err != nil {
		return err
	}
	changes, err := object.DiffTree(from, to)
	if err != nil {
		return fmt.Errorf("git diff-tree: %w", err)
	}

	var paths []string
	if len(changes) > 0 {
		st, err := w.wt.Status()
		if err != nil {
			return fmt.Errorf("git status: %w", err)
		}
		for _, ch := range changes {
			name := ch.To.Name
			if name == "" {
				name = ch.From.Name
			}
			if s, ok := st[name]; ok && (s.Staging != git.Unmodified || s.Worktree != git.Unmodified) {
				return fmt.Errorf("%w: %s", ErrLocalChanges, name)
			}
			paths = append(paths, name)
		}
	}

	opts := &git.CheckoutOptions{Branch: branch, Keep: true}
	if branch == "" {
		opts.Hash = hash
	}
	if err := w.wt.Checkout(opts); err != nil {
		return fmt.Errorf("git checkout %s: %w", describeTarget(branch, hash), err)
	}
	return w.syncPaths(to, paths)
}

func describeTarget(branch plumbing.ReferenceName, hash plumbing.Hash) string {
	if branch != "" {
		return branch.Short()
	}
	return hash.String()
}

func (w *workingCopy) treeAt(hash plumbing.Hash) (*object.Tree, error) {
	commit, err := w.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("git cat-file %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", hash, err)
	}
	return tree, nil
}

// discard drops written paths from the index and worktree, restoring
// the HEAD version of tracked files and removing new ones.
func (w *workingCopy) discard(paths []string) error {
	head, err := w.repo.Head()
	if err != nil {
		return fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	tree, err := w.treeAt(head.Hash())
	if err != nil {
		return err
	}
	return w.syncPaths(tree, paths)
}

// syncPaths makes each path in the worktree and index match tree. Paths
// absent from tree are removed.
func (w *workingCopy) syncPaths(tree *object.Tree, paths []string) error {
	var errList []error
	for _, p := range paths {
		full, err := w.resolve(p)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		name := filepath.ToSlash(filepath.Clean(p))
		f, err := tree.File(name)
		switch {
		case errors.Is(err, object.ErrFileNotFound):
			_, err := w.wt.Remove(name)
			switch {
			case err == nil:
			case !errors.Is(err, index.ErrEntryNotFound):
				errList = append(errList, fmt.Errorf("git rm %s: %w", p, err))
			default:
				// untracked: remove only what made it to disk
				if _, err := os.Lstat(full); err != nil {
					continue
				}
				if err := os.Remove(full); err != nil {
					errList = append(errList, fmt.Errorf("remove %s: %w", p, err))
				}
			}
		case err != nil:
			errList = append(errList, fmt.Errorf("read %s: %w", p, err))
		default:
			contents, err := f.Contents()
			if err != nil {
				errList = append(errList, fmt.Errorf("read %s: %w", p, err))
				continue
			}
			perm := os.FileMode(0o644)
			if f.Mode == filemode.Executable {
				perm = 0o755
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				errList = append(errList, fmt.Errorf("create directory for %s: %w", p, err))
				continue
			}
			if err := os.WriteFile(full, []byte(contents), perm); err != nil {
				errList = append(errList, fmt.Errorf("restore %s: %w", p, err))
				continue
			}
			if _, err := w.wt.Add(name); err != nil {
				errList = append(errList, fmt.Errorf("git add %s: %w", p, err))
			}
		}
	}
	return errors.Join(errList...)
}

// checkoutBranch switches to name, creating it at from when absent.
// It reports whether the branch already existed.
func (w *workingCopy) checkoutBranch(name string, from plumbing.Hash) (bool, error) {
	ref := plumbing.NewBranchReferenceName(name)
	if err := ref.Validate(); err != nil {
		return false, fmt.Errorf("invalid branch name %q: %w", name, err)
	}

	existing, err := w.repo.Reference(ref, true)
	switch {
	case err == nil:
		if cur, cerr := w.currentBranch(); cerr == nil && cur == name {
			return true, nil
		}
		return true, w.switchTo(ref, existing.Hash())
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		if from.IsZero() {
			head, err := w.repo.Head()
			if err != nil {
				return false, fmt.Errorf("git rev-parse HEAD: %w", err)
			}
			from = head.Hash()
		}
		if err := w.repo.Storer.SetReference(plumbing.NewHashReference(ref, from)); err != nil {
			return false, fmt.Errorf("git branch %s: %w", name, err)
		}
		if err := w.switchTo(ref, from); err != nil {
			_ = w.repo.Storer.RemoveReference(ref)
			return false, err
		}
		return false, nil
	default:
		return false, fmt.Errorf("git show-ref %s: %w", name, err)
	}
}

// writeFile writes content at a path relative to the worktree root.
func (w *workingCopy) writeFile(rel string, content []byte) error {
	full, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (w *workingCopy) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("path %q escapes the working copy", rel)
	}
	return filepath.Join(w.root, clean), nil
}

// stage adds the given paths to the index.
func (w *workingCopy) stage(paths []string) error {
	for _, p := range paths {
		if _, err := w.resolve(p); err != nil {
			return err
		}
		if _, err := w.wt.Add(filepath.ToSlash(filepath.Clean(p))); err != nil {
			return fmt.Errorf("git add %s: %w", p, err)
		}
	}
	return nil
}

// hasStagedChanges reports whether any of paths differs from HEAD in the index.
func (w *workingCopy) hasStagedChanges(paths []string) (bool, error) {
	st, err := w.wt.Status()
	if err != nil {
		return false, fmt.Errorf("git diff --cached: %w", err)
	}
	for _, p := range paths {
		s, ok := st[filepath.ToSlash(filepath.Clean(p))]
		if !ok {
			continue
		}
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			return true, nil
		}
	}
	return false, nil
}

// commit stages paths and commits them. An empty staged diff returns
// ErrNothingToCommit.
func (w *workingCopy) commit(paths []string, message string, author *object.Signature) (string, error) {
	if len(paths) == 0 {
		return "", ErrNothingToCommit
	}
	if err := w.stage(paths); err != nil {
		return "", err
	}
	changed, err := w.hasStagedChanges(paths)
	if err != nil {
		return "", err
	}
	if !changed {
		return "", ErrNothingToCommit
	}

	hash, err := w.wt.Commit(message, &git.CommitOptions{Author: author})
	if err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	return hash.String(), nil
}

// headCommit returns the hash HEAD points at.
func (w *workingCopy) headCommit() (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// push sends branch to remote. A token enables HTTPS basic auth.
func (w *workingCopy) push(ctx context.Context, remote, branch, token string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	opts := &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}
	err := w.repo.PushContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("git push %s %s: %w", remote, branch, err)
	}
	return nil
}

func signature(name, email string, now time.Time) *object.Signature {
	if strings.TrimSpace(name) == "" {
		name = "errwatch"
	}
	if strings.TrimSpace(email) == "" {
		email = "errwatch@localhost"
	}
	return &object.Signature{Name: name, Email: email, When: now}
}
