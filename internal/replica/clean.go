package replica

import (
	"context"

	"locomote/internal/model"
	"locomote/internal/origin"
	"locomote/internal/store"
)

// CleanOrigin removes tombstoned records and their cached content, then
// prunes commit markers left without any files. Safe to run at any
// time; refresh runs it automatically after each sync.
func (s *Service) CleanOrigin(ctx context.Context, o *origin.Origin) error {
	st, err := s.storeFor(o)
	if err != nil {
		return err
	}
	return s.cleanOrigin(ctx, o, st)
}

func (s *Service) cleanOrigin(ctx context.Context, o *origin.Origin, st store.Store) error {
	var tombstones []*model.FileRecord
	err := st.ForEach(ctx, store.IndexStatus, string(model.StatusDeleted), func(rec *model.FileRecord) error {
		tombstones = append(tombstones, rec)
		return nil
	})
	if err != nil {
		return err
	}

	removed := 0
	for _, rec := range tombstones {
		// Content eviction only applies to categories with a cache; a
		// record of an unknown category is still dropped from the store.
		cache, err := s.cacheFor(o.Fileset(rec.Category))
		if err != nil {
			return err
		}
		if cache != nil {
			if err := cache.Delete(ctx, rec.Path); err != nil {
				return err
			}
		}
		if err := st.Delete(ctx, rec.Path); err != nil {
			return err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("cleanup removed tombstones", "origin", o.URL, "records", removed)
	}
	return s.pruneEmptyCommits(ctx, st)
}

// pruneEmptyCommits drops commit markers whose commit has no file
// records left. The checkpoint and the head commit's marker survive;
// the head may legitimately carry only bookkeeping changes.
func (s *Service) pruneEmptyCommits(ctx context.Context, st store.Store) error {
	head := ""
	latest, err := st.Read(ctx, model.LatestCommitPath)
	if err != nil {
		return err
	}
	if latest != nil {
		head = latest.Commit
	}
	markers, err := recordsWithPathPrefix(ctx, st, model.CommitPathPrefix)
	if err != nil {
		return err
	}
	for _, marker := range markers {
		if marker.Path == model.LatestCommitPath || marker.Commit == head {
			continue
		}
		n, err := commitFileCount(ctx, st, marker.Commit)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := st.Delete(ctx, marker.Path); err != nil {
			return err
		}
	}
	return nil
}
