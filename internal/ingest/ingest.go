// Package ingest turns directories of markdown flashcards into materials.
// Every .md file becomes one material; re-ingesting a file keeps the review
// state of cards whose content did not change.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/gitsource"
	"github.com/conorfennell/recall/internal/knol"
	"github.com/conorfennell/recall/internal/parser"
	"github.com/conorfennell/recall/internal/review"
	"github.com/conorfennell/recall/internal/storage"
)

// Metadata keys stamped on ingested cards.
const (
	MetaSource = "source"
	MetaFile   = "file"
)

// Sources is the registry of directories and repositories to sync.
type Sources interface {
	GetAllSources() ([]storage.Source, error)
	UpdateSourceLastScanned(sourceID int64) error
}

// GitSyncer fetches a repository into a local directory.
type GitSyncer interface {
	Sync(ctx context.Context, repoURL, localPath string) error
}

// Ingester writes parsed flashcards into a review.Store.
type Ingester struct {
	store    *review.Store
	sources  Sources
	git      GitSyncer
	reposDir string
	log      *slog.Logger

	// Concurrency bounds parallel git fetches during Sync.
	Concurrency int
}

// New returns an Ingester. sources and git may be nil when only IngestDir
// is used.
func New(store *review.Store, sources Sources, git GitSyncer, reposDir string, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		store:       store,
		sources:     sources,
		git:         git,
		reposDir:    reposDir,
		log:         log.With("component", "ingest"),
		Concurrency: 4,
	}
}

// Result counts what one ingestion changed.
type Result struct {
	Files     int `json:"files"`
	Added     int `json:"added"`
	Kept      int `json:"kept"`
	Removed   int `json:"removed"`
	Materials int `json:"materialsRemoved"`
	Errors    int `json:"errors"`
}

func (r *Result) merge(o Result) {
	r.Files += o.Files
	r.Added += o.Added
	r.Kept += o.Kept
	r.Removed += o.Removed
	r.Materials += o.Materials
	r.Errors += o.Errors
}

// ErrDuplicateMaterial is returned when two files of one source map to the
// same material id.
var ErrDuplicateMaterial = errors.New("ingest: files map to the same material")

// ErrForeignMaterial is returned when a material id already holds cards that
// did not come from the source being ingested.
var ErrForeignMaterial = errors.New("ingest: material belongs to another source")

type mdFile struct {
	path string
	rel  string
	id   string
}

// IngestDir walks root and reconciles every markdown file with its material.
// Materials previously ingested from root whose file is gone are deleted.
// Parse errors are logged and counted; the walk continues. When a file's id is
// already taken by another source, the id gets a suffix derived from root.
func (in *Ingester) IngestDir(root string) (Result, error) {
	var res Result
	abs, err := filepath.Abs(root)
	if err != nil {
		return res, fmt.Errorf("resolve %s: %w", root, err)
	}

	files, err := in.collect(abs)
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		res.Files++
		id := in.claim(f.id, abs)
		seen[id] = true
		cards, err := parser.ParseFile(f.path)
		if err != nil {
			in.log.Warn("Failed to parse file", "path", f.path, "error", err)
			res.Errors++
			continue
		}
		r, err := in.reconcile(id, abs, f.rel, cards)
		if errors.Is(err, ErrForeignMaterial) {
			in.log.Error("Skipping file", "path", f.path, "material", id, "error", err)
			res.Errors++
			continue
		}
		if err != nil {
			return res, err
		}
		res.merge(r)
	}

	gone, err := in.pruneMissing(abs, seen)
	res.Materials = gone
	if err != nil {
		return res, err
	}
	if err := in.store.SyncAllQuestionsView(); err != nil {
		return res, err
	}

	in.log.Info("Ingest complete",
		"path", abs,
		"files", res.Files,
		"added", res.Added,
		"kept", res.Kept,
		"removed", res.Removed,
		"errors", res.Errors,
	)
	return res, nil
}

// collect lists the markdown files under root, skipping dot directories, and
// fails before anything is written if two of them share a material id.
func (in *Ingester) collect(root string) ([]mdFile, error) {
	var files []mdFile
	byID := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		id := MaterialID(rel)
		if other, ok := byID[id]; ok {
			return fmt.Errorf("%w: %s and %s are both %q", ErrDuplicateMaterial, other, rel, id)
		}
		byID[id] = rel
		files = append(files, mdFile{path: path, rel: rel, id: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

// claim returns id, or id suffixed with a tag of source when another source
// already owns id.
func (in *Ingester) claim(id, source string) string {
	if owner, ok := in.owner(id); !ok || owner == source {
		return id
	}
	return id + "-" + sourceTag(source)
}

// owner reports the source recorded on a material's cards. ok is false when
// the material has no cards.
func (in *Ingester) owner(id string) (string, bool) {
	cards := in.store.QuestionsByMaterial(id)
	if len(cards) == 0 {
		return "", false
	}
	return cards[0].Meta(MetaSource), true
}

func sourceTag(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:4])
}

func (in *Ingester) reconcile(materialID, source, file string, parsed []domain.Flashcard) (Result, error) {
	var res Result

	old := in.store.QuestionsByMaterial(materialID)
	if len(old) > 0 && old[0].Meta(MetaSource) != source {
		return res, fmt.Errorf("%w: %s", ErrForeignMaterial, materialID)
	}
	existing := make(map[string][]domain.Flashcard)
	for _, c := range old {
		h := c.Hash
		if h == "" {
			h = knol.Hash(c)
		}
		existing[h] = append(existing[h], c)
	}

	next := make([]domain.Flashcard, 0, len(parsed))
	for _, p := range parsed {
		h := knol.Hash(p)
		if prev := existing[h]; len(prev) > 0 {
			c := prev[0]
			existing[h] = prev[1:]
			c.Question, c.Answer, c.Context = p.Question, p.Answer, p.Context
			next = append(next, stampSource(c, source, file))
			res.Kept++
			continue
		}
		p.Hash = h
		next = append(next, stampSource(p, source, file))
		res.Added++
	}
	res.Removed = len(old) - res.Kept

	if err := in.store.SaveQuestionsByMaterial(materialID, next); err != nil {
		return res, fmt.Errorf("save material %s: %w", materialID, err)
	}
	return res, nil
}

func stampSource(c domain.Flashcard, source, file string) domain.Flashcard {
	return c.WithMeta(map[string]string{MetaSource: source, MetaFile: file})
}

// pruneMissing deletes materials that came from source but were not seen.
func (in *Ingester) pruneMissing(source string, seen map[string]bool) (int, error) {
	ids, err := in.store.Materials()
	if err != nil {
		return 0, err
	}
	var n int
	for _, id := range ids {
		if seen[id] {
			continue
		}
		cards := in.store.QuestionsByMaterial(id)
		if len(cards) == 0 || cards[0].Meta(MetaSource) != source {
			continue
		}
		in.log.Info("File removed, deleting material", "material", id)
		if err := in.store.DeleteMaterial(id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Sync ingests every registered source. Git sources are fetched into the
// repos directory first, in parallel. A failing source is logged and
// skipped.
func (in *Ingester) Sync(ctx context.Context) (Result, error) {
	var total Result
	if in.sources == nil {
		return total, fmt.Errorf("ingest: no source registry configured")
	}
	sources, err := in.sources.GetAllSources()
	if err != nil {
		return total, fmt.Errorf("failed to get sources: %w", err)
	}
	if len(sources) == 0 {
		in.log.Info("No sources configured. Add one with `recall source add <path/or/url.git>`")
		return total, nil
	}

	dirs := make([]string, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(in.Concurrency, 1))
	for i, src := range sources {
		if src.Type != storage.SourceGit {
			dirs[i] = src.Path
			continue
		}
		g.Go(func() error {
			local, err := gitsource.LocalPath(in.reposDir, src.Path)
			if err != nil {
				in.log.Error("Error determining local path for git repo", "url", src.Path, "error", err)
				return nil
			}
			if in.git == nil {
				in.log.Error("Git source without a git syncer", "url", src.Path)
				return nil
			}
			if err := in.git.Sync(gctx, src.Path, local); err != nil {
				in.log.Error("Error syncing git repo", "url", src.Path, "error", err)
				return nil
			}
			dirs[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	if err := ctx.Err(); err != nil {
		return total, err
	}

	for i, src := range sources {
		if dirs[i] == "" {
			total.Errors++
			continue
		}
		if _, err := os.Stat(dirs[i]); err != nil {
			in.log.Error("Source path unavailable", "id", src.ID, "path", dirs[i], "error", err)
			total.Errors++
			continue
		}
		in.log.Info("Syncing source", "id", src.ID, "type", src.Type, "path", src.Path)
		r, err := in.IngestDir(dirs[i])
		total.merge(r)
		if err != nil {
			in.log.Error("Error ingesting source", "id", src.ID, "error", err)
			total.Errors++
			continue
		}
		if err := in.sources.UpdateSourceLastScanned(src.ID); err != nil {
			in.log.Warn("Failed to update last scanned for source", "source_id", src.ID, "error", err)
		}
	}
	in.log.Info("Sync process complete", "sources", len(sources))
	return total, nil
}

// MaterialID derives a material id from a file path relative to its source:
// accents are stripped, the .md extension dropped and every run of
// characters other than letters and digits becomes a single dash.
// "Biología/Células 1.md" becomes "biologia-celulas-1".
func MaterialID(rel string) string {
	rel = strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(stripMarks, rel)
	if err != nil {
		plain = rel
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	id := strings.TrimSuffix(b.String(), "-")
	if id == "" {
		return domain.UnassignedMaterial
	}
	return id
}
