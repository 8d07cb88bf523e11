package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrUnknownBackend = errors.New("kv: unknown backend")

// Store is the key-value backend used by body commands. Get returns "" with
// a nil error for a missing key.
type Store interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	Size(ctx context.Context) (int, error)
	Close() error
}

// SkipListStore keeps everything in process memory
type SkipListStore struct {
	list *SkipList[string, string]
}

func NewSkipListStore(maxLevel int) *SkipListStore {
	return &SkipListStore{list: NewSkipList[string, string](maxLevel)}
}

func (s *SkipListStore) Set(_ context.Context, key, value string) error {
	s.list.Set(key, value)
	return nil
}

func (s *SkipListStore) Get(_ context.Context, key string) (string, error) {
	v, _ := s.list.Get(key)
	return v, nil
}

func (s *SkipListStore) Del(_ context.Context, key string) error {
	s.list.Del(key)
	return nil
}

func (s *SkipListStore) Size(context.Context) (int, error) {
	return s.list.Len(), nil
}

func (s *SkipListStore) Close() error { return nil }

// MarshalSnapshot encodes every entry as a protobuf Struct of string values
func (s *SkipListStore) MarshalSnapshot() ([]byte, error) {
	snap := &structpb.Struct{Fields: make(map[string]*structpb.Value, s.list.Len())}
	s.list.Range(func(k, v string) bool {
		snap.Fields[k] = structpb.NewStringValue(v)
		return true
	})
	return proto.MarshalOptions{Deterministic: true}.Marshal(snap)
}

// UnmarshalSnapshot merges an encoded snapshot into the store. Non-string
// values are rejected.
func (s *SkipListStore) UnmarshalSnapshot(data []byte) (int, error) {
	var snap structpb.Struct
	if err := proto.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("kv: decode snapshot: %w", err)
	}
	for k, v := range snap.Fields {
		sv, ok := v.Kind.(*structpb.Value_StringValue)
		if !ok {
			return 0, fmt.Errorf("kv: snapshot key %q is not a string", k)
		}
		s.list.Set(k, sv.StringValue)
	}
	return len(snap.Fields), nil
}

// SaveSnapshot writes the store to path, replacing it atomically
func (s *SkipListStore) SaveSnapshot(path string) error {
	data, err := s.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("kv: encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("kv: create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("kv: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kv: write snapshot: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSnapshot reads path into the store. A missing file loads nothing.
func (s *SkipListStore) LoadSnapshot(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: read snapshot: %w", err)
	}
	return s.UnmarshalSnapshot(data)
}
