package replica

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// StaticsCacheName is the named cache holding static assets configured
// outside any origin.
const StaticsCacheName = "statics"

// RefreshStatics downloads every configured static URL into the statics
// cache. Individual download failures are collected; the rest of the
// list still refreshes.
func (s *Service) RefreshStatics(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	cache, err := s.caches.Open(StaticsCacheName)
	if err != nil {
		return err
	}
	var errs []error
	for _, u := range urls {
		if err := s.cacheStatic(ctx, cache, u); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("statics refreshed", "urls", len(urls), "failed", len(errs))
	return errors.Join(errs...)
}

// StaticContent serves a static URL from the statics cache, downloading
// it on a miss.
func (s *Service) StaticContent(ctx context.Context, u string) (*Resolved, error) {
	key, err := staticKey(u)
	if err != nil {
		return nil, err
	}
	cache, err := s.caches.Open(StaticsCacheName)
	if err != nil {
		return nil, err
	}
	item, err := cache.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		if err := s.cacheStatic(ctx, cache, u); err != nil {
			return nil, err
		}
		item, err = cache.Match(ctx, key)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return &Resolved{Status: 404}, nil
		}
	}
	return &Resolved{Status: 200, ContentType: item.ContentType, Body: item.Body}, nil
}

func (s *Service) cacheStatic(ctx context.Context, cache Cache, u string) error {
	key, err := staticKey(u)
	if err != nil {
		return err
	}
	resp, err := s.fetcher.Fetch(ctx, u)
	if err != nil {
		return fmt.Errorf("fetching static %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.Status != 200 {
		return fmt.Errorf("fetching static %s: status %d", u, resp.Status)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = MIMEType(key)
	}
	if err := cache.Put(ctx, key, contentType, resp.Body); err != nil {
		return fmt.Errorf("caching static %s: %w", u, err)
	}
	return nil
}

// staticKey derives the cache key for a static URL from its path
// component, so lookups by local request path find it.
func staticKey(u string) (string, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("parsing static url %s: %w", u, err)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return "", fmt.Errorf("static url %s has no path", u)
	}
	return key, nil
}
