package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusctl/pkg/match"
	"github.com/3leaps/nimbusctl/pkg/provider"
	"github.com/3leaps/nimbusctl/pkg/retry"
)

// Direction is the sync direction.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Upload, Download:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q (want upload or download)", s)
}

// SymlinkPolicy decides how the planner treats symbolic links.
type SymlinkPolicy string

const (
	// SymlinksReject fails the plan on the first symlink.
	SymlinksReject SymlinkPolicy = "reject"

	// SymlinksFollow plans links to regular files as their target's content
	// and still rejects links to directories.
	SymlinksFollow SymlinkPolicy = "follow"
)

// ParseSymlinkPolicy validates a policy name. Empty means reject.
func ParseSymlinkPolicy(s string) (SymlinkPolicy, error) {
	switch p := SymlinkPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", SymlinksReject:
		return SymlinksReject, nil
	case SymlinksFollow:
		return p, nil
	}
	return "", fmt.Errorf("unknown symlink policy %q (want reject or follow)", s)
}

// Item is one file to transfer.
type Item struct {
	Direction Direction `json:"direction"`

	// RelPath is the slash separated path below the local root.
	RelPath   string `json:"rel_path"`
	LocalPath string `json:"local_path"`
	RemoteKey string `json:"remote_key"`
	Size      int64  `json:"size"`

	// Hash is the lowercase hex sha256 of the source content.
	Hash string `json:"sha256"`
}

// Plan is the set of items a sync will copy, plus those already identical
// at the destination.
type Plan struct {
	Direction    Direction `json:"direction"`
	LocalRoot    string    `json:"local_root"`
	RemotePrefix string    `json:"remote_prefix"`
	Items        []Item    `json:"items"`
	Unchanged    []Item    `json:"unchanged"`
	CreatedAt    time.Time `json:"created_at"`
}

// Bytes is the total size of the items to transfer.
func (p *Plan) Bytes() int64 {
	var n int64
	for _, it := range p.Items {
		n += it.Size
	}
	return n
}

// Planner builds plans against one remote provider.
type Planner struct {
	Remote   provider.Provider
	Matcher  *match.Matcher
	Symlinks SymlinkPolicy
	Logger   *zap.Logger

	// PageSize is the List page size. Zero uses the provider default.
	PageSize int

	// Retrier governs List, Head and hash calls against the remote. Nil
	// uses the default policy.
	Retrier *retry.Retrier

	Now func() time.Time
}

// Plan hashes every selected source file and compares it with the
// destination, listed once. Equal size and equal sha256 mean unchanged.
func (p *Planner) Plan(ctx context.Context, localRoot, remotePrefix string, dir Direction) (*Plan, error) {
	if p.Remote == nil {
		return nil, errors.New("planner: remote provider is required")
	}
	if localRoot == "" {
		return nil, errors.New("planner: local root is required")
	}
	root, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve local root: %w", err)
	}

	plan := &Plan{
		Direction:    dir,
		LocalRoot:    root,
		RemotePrefix: strings.Trim(remotePrefix, "/"),
		CreatedAt:    p.now().UTC(),
	}

	switch dir {
	case Upload:
		err = p.planUpload(ctx, plan)
	case Download:
		err = p.planDownload(ctx, plan)
	default:
		err = fmt.Errorf("unknown direction %q", dir)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(plan.Items, func(i, j int) bool { return plan.Items[i].RelPath < plan.Items[j].RelPath })
	sort.Slice(plan.Unchanged, func(i, j int) bool { return plan.Unchanged[i].RelPath < plan.Unchanged[j].RelPath })
	p.logger().Debug("Plan built",
		zap.String("direction", string(dir)),
		zap.String("local_root", root),
		zap.String("remote_prefix", plan.RemotePrefix),
		zap.Int("items", len(plan.Items)),
		zap.Int("unchanged", len(plan.Unchanged)),
	)
	return plan, nil
}

func (p *Planner) planUpload(ctx context.Context, plan *Plan) error {
	root, err := filepath.EvalSymlinks(plan.LocalRoot)
	if err != nil {
		return fmt.Errorf("local root: %w", err)
	}
	st, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("local root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("local root %s is not a directory", plan.LocalRoot)
	}

	remote, err := p.listRemote(ctx, plan.RemotePrefix, []string{""})
	if err != nil {
		return err
	}

	m := p.matcher()
	return filepath.WalkDir(root, func(full string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if m.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := p.regularInfo(full, d)
		if err != nil {
			return err
		}
		if !m.MatchFile(rel, info.Size()) {
			return nil
		}

		hash, err := hashFile(ctx, full)
		if err != nil {
			return err
		}
		item := Item{
			Direction: Upload,
			RelPath:   rel,
			LocalPath: filepath.Join(plan.LocalRoot, filepath.FromSlash(rel)),
			RemoteKey: joinKey(plan.RemotePrefix, rel),
			Size:      info.Size(),
			Hash:      hash,
		}

		same, err := p.remoteMatches(ctx, remote, item)
		if err != nil {
			return err
		}
		if same {
			plan.Unchanged = append(plan.Unchanged, item)
		} else {
			plan.Items = append(plan.Items, item)
		}
		return nil
	})
}

// regularInfo applies the symlink policy and returns the info of the
// content that would be read.
func (p *Planner) regularInfo(full string, d fs.DirEntry) (fs.FileInfo, error) {
	mode := d.Type()
	if mode&fs.ModeSymlink != 0 {
		if p.Symlinks != SymlinksFollow {
			return nil, &UnsupportedEntryError{Path: full, Reason: "symbolic link (symlink policy is reject)"}
		}
		target, err := os.Stat(full)
		if err != nil {
			return nil, &UnsupportedEntryError{Path: full, Reason: "broken symbolic link"}
		}
		if target.IsDir() {
			return nil, &UnsupportedEntryError{Path: full, Reason: "symbolic link to a directory"}
		}
		if !target.Mode().IsRegular() {
			return nil, &UnsupportedEntryError{Path: full, Reason: "symbolic link to " + describeMode(target.Mode())}
		}
		return target, nil
	}
	if !mode.IsRegular() {
		return nil, &UnsupportedEntryError{Path: full, Reason: describeMode(mode)}
	}
	return d.Info()
}

func describeMode(m fs.FileMode) string {
	switch {
	case m&fs.ModeNamedPipe != 0:
		return "named pipe"
	case m&fs.ModeSocket != 0:
		return "socket"
	case m&fs.ModeDevice != 0:
		return "device"
	case m&fs.ModeIrregular != 0:
		return "irregular file"
	}
	return "non-regular file (" + m.String() + ")"
}

func (p *Planner) planDownload(ctx context.Context, plan *Plan) error {
	m := p.matcher()
	remote, err := p.listRemote(ctx, plan.RemotePrefix, m.Prefixes())
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(remote))
	for k := range remote {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	base := keyBase(plan.RemotePrefix)
	for _, key := range keys {
		obj := remote[key]
		rel := strings.TrimPrefix(key, base)
		if rel == "" || !m.MatchFile(rel, obj.Size) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return &UnsupportedEntryError{Path: key, Reason: "key escapes the local root"}
		}

		hash, err := p.remoteHash(ctx, obj)
		if err != nil {
			return err
		}
		item := Item{
			Direction: Download,
			RelPath:   rel,
			LocalPath: filepath.Join(plan.LocalRoot, filepath.FromSlash(rel)),
			RemoteKey: key,
			Size:      obj.Size,
			Hash:      hash,
		}

		same, err := localMatches(ctx, item)
		if err != nil {
			return err
		}
		if same {
			plan.Unchanged = append(plan.Unchanged, item)
		} else {
			plan.Items = append(plan.Items, item)
		}
	}
	return nil
}

// listRemote lists every object under prefix once, following pagination.
func (p *Planner) listRemote(ctx context.Context, prefix string, subPrefixes []string) (map[string]provider.ObjectSummary, error) {
	out := make(map[string]provider.ObjectSummary)
	if len(subPrefixes) == 0 {
		subPrefixes = []string{""}
	}
	for _, sub := range subPrefixes {
		listPrefix := keyBase(prefix) + sub
		for obj, err := range provider.Objects(ctx, retryingLister{p.Remote, p.retrier()}, listPrefix, p.PageSize) {
			if err != nil {
				return nil, fmt.Errorf("list %q: %w", listPrefix, err)
			}
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			out[obj.Key] = obj
		}
	}
	return out, nil
}

func (p *Planner) remoteMatches(ctx context.Context, remote map[string]provider.ObjectSummary, item Item) (bool, error) {
	obj, ok := remote[item.RemoteKey]
	if !ok || obj.Size != item.Size {
		return false, nil
	}
	if obj.SHA256 != "" {
		return obj.SHA256 == item.Hash, nil
	}
	// The listing had no hash; a recorded one from Head is good enough to
	// skip, never to verify.
	meta, err := p.head(ctx, item.RemoteKey)
	if err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return meta.SHA256 != "" && meta.SHA256 == item.Hash, nil
}

// remoteHash returns the sha256 of a remote object, asking the provider to
// hash it when neither the listing nor Head carries one.
func (p *Planner) remoteHash(ctx context.Context, obj provider.ObjectSummary) (string, error) {
	if obj.SHA256 != "" {
		return obj.SHA256, nil
	}
	meta, err := p.head(ctx, obj.Key)
	if err != nil {
		return "", err
	}
	if meta.SHA256 != "" {
		return meta.SHA256, nil
	}
	hasher, ok := p.Remote.(provider.ObjectHasher)
	if !ok {
		return "", fmt.Errorf("remote provider cannot hash %s", obj.Key)
	}
	return retry.DoValue(ctx, p.retrier(), "hash", obj.Key, func(ctx context.Context) (string, error) {
		return hasher.HashObject(ctx, obj.Key)
	})
}

func (p *Planner) head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return retry.DoValue(ctx, p.retrier(), "head", key, func(ctx context.Context) (*provider.ObjectMeta, error) {
		return p.Remote.Head(ctx, key)
	})
}

func (p *Planner) retrier() *retry.Retrier {
	if p.Retrier != nil {
		return p.Retrier
	}
	return retry.New(retry.DefaultPolicy())
}

// retryingLister retries each page fetch on its own, so a transient error
// late in a long listing does not restart it.
type retryingLister struct {
	provider.Provider
	r *retry.Retrier
}

func (l retryingLister) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	return retry.DoValue(ctx, l.r, "list", opts.Prefix, func(ctx context.Context) (*provider.ListResult, error) {
		return l.Provider.List(ctx, opts)
	})
}

func localMatches(ctx context.Context, item Item) (bool, error) {
	st, err := os.Stat(item.LocalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !st.Mode().IsRegular() || st.Size() != item.Size {
		return false, nil
	}
	hash, err := hashFile(ctx, item.LocalPath)
	if err != nil {
		return false, err
	}
	return hash == item.Hash, nil
}

func hashFile(ctx context.Context, name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Planner) matcher() *match.Matcher {
	if p.Matcher == nil {
		return match.All()
	}
	return p.Matcher
}

func (p *Planner) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Planner) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func keyBase(prefix string) string {
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func joinKey(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}
