// Package conversation persists the question/answer history of each video.
package conversation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/kv"
)

const keyPrefix = "conversation_"

// Entry is one answered question.
type Entry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEntry(question, answer string) Entry {
	return Entry{Question: question, Answer: answer, Timestamp: time.Now().UTC()}
}

// Key is the storage key of videoID's history.
func Key(videoID string) string { return keyPrefix + videoID }

// Store keeps one ordered entry list per video. A single tab writes a given video at a time, so
// the last write wins.
type Store struct {
	kv kv.Store
}

func NewStore(s kv.Store) *Store {
	return &Store{kv: s}
}

// Load returns videoID's history. Missing or corrupt data yields an empty history.
func (s *Store) Load(ctx context.Context, videoID string) []Entry {
	raw, err := s.kv.Get(ctx, Key(videoID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			log.Warn().Err(err).Str("component", "conversation").Str("video_id", videoID).Msg("history unreadable")
		}
		return []Entry{}
	}
	var out []Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn().Err(err).Str("component", "conversation").Str("video_id", videoID).Msg("history corrupt, starting empty")
		return []Entry{}
	}
	if out == nil {
		out = []Entry{}
	}
	return out
}

// Append adds e to videoID's history and persists the whole list.
func (s *Store) Append(ctx context.Context, videoID string, e Entry) ([]Entry, error) {
	if strings.TrimSpace(videoID) == "" {
		return nil, errors.New("conversation: empty video id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	entries := append(s.Load(ctx, videoID), e)
	if err := s.Save(ctx, videoID, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Save replaces videoID's history.
func (s *Store) Save(ctx context.Context, videoID string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "conversation: encode")
	}
	return errors.Wrapf(s.kv.Set(ctx, Key(videoID), raw), "conversation: save %s", videoID)
}

// Clear removes videoID's history entirely.
func (s *Store) Clear(ctx context.Context, videoID string) error {
	return errors.Wrapf(s.kv.Delete(ctx, Key(videoID)), "conversation: clear %s", videoID)
}

// Exists tells a video that was never asked about from one whose history was cleared or never
// written.
func (s *Store) Exists(ctx context.Context, videoID string) bool {
	_, err := s.kv.Get(ctx, Key(videoID))
	return err == nil
}

// Videos lists the videos that have a stored history.
func (s *Store) Videos(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, keyPrefix))
	}
	return out, nil
}
