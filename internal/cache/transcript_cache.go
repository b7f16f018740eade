package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"promptly/internal/model"
)

// TranscriptCache keeps a session's node list in Redis. Writers mark the
// session dirty before changing it and drop the cached copy after commit.
// Both steps bump a per-session version. A reader fills the cache only if
// the version it saw before reading the store is still current and no dirty
// marker is set, checked atomically under WATCH.
type TranscriptCache struct {
	client         *redisv9.Client
	transcriptTTL  time.Duration
	dirtyMarkerTTL time.Duration
}

func NewTranscriptCache(client *redisv9.Client, transcriptTTL, dirtyMarkerTTL time.Duration) *TranscriptCache {
	if transcriptTTL <= 0 {
		transcriptTTL = 60 * time.Second
	}
	if dirtyMarkerTTL <= 0 {
		dirtyMarkerTTL = 5 * time.Second
	}
	return &TranscriptCache{
		client:         client,
		transcriptTTL:  transcriptTTL,
		dirtyMarkerTTL: dirtyMarkerTTL,
	}
}

// cachedNode keeps the fields the JSON form of model.Node hides.
type cachedNode struct {
	model.Node
	Seq uint `json:"seq"`
}

func (c *TranscriptCache) GetTranscript(ctx context.Context, sessionID string) ([]model.Node, bool, error) {
	raw, err := c.client.Get(ctx, c.transcriptKey(sessionID)).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get transcript failed: %w", err)
	}

	var cached []cachedNode
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached transcript failed: %w", err)
	}
	nodes := make([]model.Node, len(cached))
	for i, c := range cached {
		nodes[i] = c.Node
		nodes[i].Seq = c.Seq
	}
	return nodes, true, nil
}

var errStaleFill = errors.New("transcript changed since it was read")

// Version is the session's write version. Read it before loading the
// transcript from the store and pass it to SetTranscript.
func (c *TranscriptCache) Version(ctx context.Context, sessionID string) (int64, error) {
	version, err := c.client.Get(ctx, c.versionKey(sessionID)).Int64()
	if errors.Is(err, redisv9.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get transcript version failed: %w", err)
	}
	return version, nil
}

// SetTranscript stores nodes read at version. It reports false without error
// when a writer got in between and the copy was not stored.
func (c *TranscriptCache) SetTranscript(ctx context.Context, sessionID string, nodes []model.Node, version int64) (bool, error) {
	cached := make([]cachedNode, len(nodes))
	for i, n := range nodes {
		cached[i] = cachedNode{Node: n, Seq: n.Seq}
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return false, fmt.Errorf("marshal transcript cache failed: %w", err)
	}

	versionKey, dirtyKey := c.versionKey(sessionID), c.dirtyKey(sessionID)
	err = c.client.Watch(ctx, func(tx *redisv9.Tx) error {
		current, err := tx.Get(ctx, versionKey).Int64()
		if err != nil && !errors.Is(err, redisv9.Nil) {
			return err
		}
		if current != version {
			return errStaleFill
		}
		dirty, err := tx.Exists(ctx, dirtyKey).Result()
		if err != nil {
			return err
		}
		if dirty > 0 {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
			pipe.Set(ctx, c.transcriptKey(sessionID), payload, c.transcriptTTL)
			return nil
		})
		return err
	}, versionKey, dirtyKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStaleFill), errors.Is(err, redisv9.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis set transcript failed: %w", err)
	}
}

// DeleteTranscript drops the cached copy and bumps the version so a fill
// that read the store before the write cannot land afterwards.
func (c *TranscriptCache) DeleteTranscript(ctx context.Context, sessionID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Del(ctx, c.transcriptKey(sessionID))
		c.bump(ctx, pipe, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete transcript failed: %w", err)
	}
	return nil
}

func (c *TranscriptCache) MarkDirty(ctx context.Context, sessionID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Set(ctx, c.dirtyKey(sessionID), "1", c.dirtyMarkerTTL)
		c.bump(ctx, pipe, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set dirty marker failed: %w", err)
	}
	return nil
}

// bump keeps the version key alive longer than any cached transcript.
func (c *TranscriptCache) bump(ctx context.Context, pipe redisv9.Pipeliner, sessionID string) {
	pipe.Incr(ctx, c.versionKey(sessionID))
	pipe.Expire(ctx, c.versionKey(sessionID), 10*c.transcriptTTL)
}

func (c *TranscriptCache) IsDirty(ctx context.Context, sessionID string) (bool, error) {
	exists, err := c.client.Exists(ctx, c.dirtyKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check dirty marker failed: %w", err)
	}
	return exists > 0, nil
}

func (c *TranscriptCache) transcriptKey(sessionID string) string {
	return "promptly:transcript:" + sessionID
}

func (c *TranscriptCache) dirtyKey(sessionID string) string {
	return "promptly:transcript:dirty:" + sessionID
}

func (c *TranscriptCache) versionKey(sessionID string) string {
	return "promptly:transcript:version:" + sessionID
}
