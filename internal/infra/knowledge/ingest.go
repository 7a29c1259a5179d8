package knowledge

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tutu-network/devpilot/internal/domain"
)

// IngestDir adds every markdown file under dir. The document id is the
// slash-separated path relative to dir; the category is its first directory
// ("general" at the top level). A leading front matter block may set title,
// category and tags:
//
//	---
//	title: Release checklist
//	tags: release, ci
//	---
func (s *Store) IngestDir(ctx context.Context, dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		meta, body := parseDocument(rel, string(raw))
		meta.UpdatedAt = info.ModTime().UTC()
		if strings.TrimSpace(body) == "" {
			s.logger.Debug("skipping empty document", "file", rel)
			return nil
		}
		if err := s.Add(ctx, rel, body, meta); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("ingest %s: %w", dir, err)
	}
	s.logger.Info("knowledge documents ingested", "dir", dir, "count", count)
	return count, nil
}

func parseDocument(rel, text string) (domain.KnowledgeMetadata, string) {
	meta := domain.KnowledgeMetadata{Filename: rel, Category: "general"}
	if i := strings.IndexByte(rel, '/'); i > 0 {
		meta.Category = rel[:i]
	}

	body := text
	if rest, ok := strings.CutPrefix(text, "---\n"); ok {
		if end := strings.Index(rest, "\n---"); end >= 0 {
			applyFrontMatter(&meta, rest[:end])
			body = strings.TrimPrefix(rest[end+len("\n---"):], "\n")
		}
	}

	if meta.Title == "" {
		sc := bufio.NewScanner(strings.NewReader(body))
		for sc.Scan() {
			if h, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "# "); ok {
				meta.Title = strings.TrimSpace(h)
				break
			}
		}
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	}
	return meta, body
}

func applyFrontMatter(meta *domain.KnowledgeMetadata, block string) {
	for _, line := range strings.Split(block, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "title":
			meta.Title = value
		case "category":
			meta.Category = value
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					meta.Tags = append(meta.Tags, tag)
				}
			}
		}
	}
}
