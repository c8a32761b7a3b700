// Package catalog resolves a channel UUID to its upstream source. spec.md
// §6 treats the Catalog as an external collaborator the core calls and
// gets back (upstream_url, user_agent, transcode_cmd) or an error; this
// package is the one concrete implementation of that contract, backed by
// the same coordination store as everything else rather than a separate
// database this module would otherwise need to stand up.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adred/iptv-proxy/internal/kv"
)

// ErrNotFound is returned when channelID has no catalog entry.
var ErrNotFound = fmt.Errorf("channel not found in catalog")

// Entry is one channel's resolved upstream source.
type Entry struct {
	URL          string
	UserAgent    string
	TranscodeCmd []string
}

// Catalog resolves channel UUIDs to upstream sources.
type Catalog interface {
	Resolve(ctx context.Context, channelID string) (Entry, error)
	Put(ctx context.Context, channelID string, entry Entry) error
}

func catalogKey(channelID string) string { return fmt.Sprintf("catalog:%s", channelID) }

// KVCatalog resolves channels from hash entries in the coordination store,
// so registering a channel's upstream doesn't require a second datastore.
type KVCatalog struct {
	store kv.Store
}

// NewKVCatalog wraps store as a Catalog.
func NewKVCatalog(store kv.Store) *KVCatalog {
	return &KVCatalog{store: store}
}

// Resolve looks up channelID's upstream source.
func (k *KVCatalog) Resolve(ctx context.Context, channelID string) (Entry, error) {
	fields, found, err := k.store.HashGetAll(ctx, catalogKey(channelID))
	if err != nil {
		return Entry{}, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	if !found {
		return Entry{}, ErrNotFound
	}

	entry := Entry{
		URL:       fields["url"],
		UserAgent: fields["user_agent"],
	}
	if raw := fields["transcode_cmd"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.TranscodeCmd); err != nil {
			return Entry{}, fmt.Errorf("resolve channel %s: decode transcode_cmd: %w", channelID, err)
		}
	}
	if entry.URL == "" && len(entry.TranscodeCmd) == 0 {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put registers or overwrites channelID's catalog entry. Channels are
// expected to live indefinitely once registered, so the hash carries no TTL
// (unlike every other KV key this module writes).
func (k *KVCatalog) Put(ctx context.Context, channelID string, entry Entry) error {
	transcodeJSON := "[]"
	if len(entry.TranscodeCmd) > 0 {
		b, err := json.Marshal(entry.TranscodeCmd)
		if err != nil {
			return fmt.Errorf("put channel %s: encode transcode_cmd: %w", channelID, err)
		}
		transcodeJSON = string(b)
	}
	fields := map[string]string{
		"url":           entry.URL,
		"user_agent":    entry.UserAgent,
		"transcode_cmd": transcodeJSON,
	}
	if err := k.store.HashSet(ctx, catalogKey(channelID), fields, 0); err != nil {
		return fmt.Errorf("put channel %s: %w", channelID, err)
	}
	return nil
}
