package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DecodeDefinitions reads one or more YAML documents, one definition each.
func DecodeDefinitions(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var out []Definition
	for n := 1; ; n++ {
		var def Definition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", n, err)
		}
		if err := ValidateDefinition(def); err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", n, def.ID, err)
		}
		out = append(out, def)
	}
}

func LoadDefinitionFile(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := DecodeDefinitions(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Seed makes every definition in files the published default of its id.
// A definition whose content matches the current default is left alone, so
// restarts do not mint new versions.
func (s *Service) Seed(ctx context.Context, files []string) error {
	for _, path := range files {
		defs, err := LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if err := s.seedOne(ctx, def); err != nil {
				return fmt.Errorf("seed %s from %s: %w", def.ID, path, err)
			}
		}
	}
	return nil
}

func (s *Service) seedOne(ctx context.Context, def Definition) error {
	current, err := s.defs.Get(ctx, def.ID, nil)
	switch {
	case err == nil:
		if sameContent(current, def) {
			s.logger.Debug("definition unchanged; skipping seed", zap.String("workflow_id", def.ID), zap.Int("version", current.Version))
			return nil
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}
	saved, err := s.SaveDraft(ctx, def)
	if err != nil {
		return err
	}
	if _, err := s.Publish(ctx, saved.ID, saved.Version); err != nil {
		return err
	}
	s.logger.Info("definition seeded", zap.String("workflow_id", saved.ID), zap.Int("version", saved.Version))
	return nil
}

// sameContent compares the authored part of two definitions.
func sameContent(a, b Definition) bool {
	return bytes.Equal(contentKey(a), contentKey(b))
}

func contentKey(d Definition) []byte {
	d.Version = 0
	d.IsDraft, d.IsPublished, d.IsActive = false, false, false
	d.CreatedBy = ""
	d.CreatedAt = time.Time{}
	d.PublishedAt = nil
	d.Tags = normalizeTags(d.Tags)
	raw, _ := json.Marshal(d)
	return raw
}
