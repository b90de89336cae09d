package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
)

// SyncTags lists the configured background-sync tags.
func (s *Service) SyncTags() []string {
	out := make([]string, 0, len(s.cfg.Sync.Tags))
	for tag := range s.cfg.Sync.Tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Sync replays the pending actions of tag in order. It stops at the first
// failure and returns how many actions were replayed and removed before it.
func (s *Service) Sync(ctx context.Context, tag string) (int, error) {
	path, ok := s.cfg.Sync.Tags[tag]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
	actions, err := s.queue.Pending(ctx, tag)
	if err != nil {
		return 0, fmt.Errorf("sync %s: load pending: %w", tag, err)
	}

	replayed := 0
	for _, a := range actions {
		if err := s.replay(ctx, path, a); err != nil {
			return replayed, fmt.Errorf("sync %s: replay %s: %w", tag, a.ID, err)
		}
		if err := s.queue.Remove(ctx, tag, a.ID); err != nil {
			return replayed, fmt.Errorf("sync %s: remove %s: %w", tag, a.ID, err)
		}
		replayed++
	}
	s.log.Info().Str("tag", tag).Int("replayed", replayed).Msg("sync done")
	return replayed, nil
}

func (s *Service) replay(ctx context.Context, path string, a PendingAction) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(a.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Action-Id", a.ID)

	ent, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !ent.OK() {
		return fmt.Errorf("status %d", ent.Status)
	}
	return nil
}

// EnqueueSyncAction queues payload for the next sync of tag.
func (s *Service) EnqueueSyncAction(ctx context.Context, tag string, payload []byte) (PendingAction, error) {
	if _, ok := s.cfg.Sync.Tags[tag]; !ok {
		return PendingAction{}, fmt.Errorf("%w: %s", ErrUnknownSyncTag, tag)
	}
	if !json.Valid(payload) {
		return PendingAction{}, fmt.Errorf("payload is not valid JSON")
	}
	return s.queue.Enqueue(ctx, tag, json.RawMessage(payload))
}
