package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hearth/pkg/dbs"
	"hearth/pkg/event"
	"hearth/pkg/id"
	"hearth/pkg/logger"
	"hearth/pkg/room"
	"hearth/pkg/store"
)

// Fetcher retrieves a server's published key document from the network.
// Implemented by the federation client's key endpoint.
type Fetcher interface {
	ServerKeys(ctx context.Context, serverName string) (json.RawMessage, error)
}

// serverKey is one cached verify key.
type serverKey struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts,omitempty"`
}

// keyDoc mirrors the federation key/v2 document shape.
type keyDoc struct {
	ServerName    string               `json:"server_name"`
	VerifyKeys    map[string]serverKey `json:"verify_keys"`
	OldVerifyKeys map[string]serverKey `json:"old_verify_keys"`
	ValidUntilTS  int64                `json:"valid_until_ts"`
}

// Cache resolves (origin, key_id) to verify keys. Lookups go memory →
// node-room state → network fetch; fetched documents are persisted as
// m.key state events in the node pseudo-room.
type Cache struct {
	d       *dbs.DBS
	ring    *Ring
	fetcher Fetcher

	nodeRoom id.ID

	mu  sync.Mutex
	mem map[string]keyDoc
}

// NewCache builds the cache over the events database.
func NewCache(d *dbs.DBS, ring *Ring, fetcher Fetcher) *Cache {
	return &Cache{
		d:        d,
		ring:     ring,
		fetcher:  fetcher,
		nodeRoom: id.ID("!nodes:" + ring.Origin()),
		mem:      map[string]keyDoc{},
	}
}

// NodeRoom returns the internal pseudo-room holding key state events.
func (c *Cache) NodeRoom() id.ID { return c.nodeRoom }

// Verify resolves the key and checks sig over msg.
func (c *Cache) Verify(ctx context.Context, origin, keyID string, msg, sig []byte) error {
	pub, err := c.Get(ctx, origin, keyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("signature by %s/%s does not verify", origin, keyID)
	}
	return nil
}

// Get returns the Ed25519 verify key for origin/keyID.
func (c *Cache) Get(ctx context.Context, origin, keyID string) (ed25519.PublicKey, error) {
	if origin == c.ring.Origin() && keyID == c.ring.KeyID() {
		return c.ring.Public(), nil
	}
	c.mu.Lock()
	doc, ok := c.mem[origin]
	c.mu.Unlock()
	if !ok {
		stored, err := c.load(ctx, origin)
		if err == nil {
			doc, ok = stored, true
			c.mu.Lock()
			c.mem[origin] = stored
			c.mu.Unlock()
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if ok {
		if pub, err := docKey(doc, keyID); err == nil {
			return pub, nil
		}
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("no key %s for %s and no fetcher", keyID, origin)
	}
	raw, err := c.fetcher.ServerKeys(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("fetch keys for %s: %w", origin, err)
	}
	var fetched keyDoc
	if err := json.Unmarshal(raw, &fetched); err != nil {
		return nil, fmt.Errorf("malformed key document from %s: %w", origin, err)
	}
	if fetched.ServerName != origin {
		return nil, fmt.Errorf("key document names %s, want %s", fetched.ServerName, origin)
	}
	if err := c.persist(ctx, origin, raw); err != nil {
		logger.Warn("key_persist_failed", "origin", origin, "error", err)
	}
	c.mu.Lock()
	c.mem[origin] = fetched
	c.mu.Unlock()
	return docKey(fetched, keyID)
}

func docKey(doc keyDoc, keyID string) (ed25519.PublicKey, error) {
	k, ok := doc.VerifyKeys[keyID]
	if !ok {
		k, ok = doc.OldVerifyKeys[keyID]
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %s", store.ErrNotFound, keyID)
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(k.Key, "="))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("malformed verify key %s", keyID)
	}
	return ed25519.PublicKey(raw), nil
}

// load reads the persisted key document from the node room's
// ("m.key", origin) state cell.
func (c *Cache) load(ctx context.Context, origin string) (keyDoc, error) {
	r := room.View(c.d, c.nodeRoom)
	idx, err := r.State().Get(ctx, "m.key", origin)
	if err != nil {
		return keyDoc{}, err
	}
	e, err := c.d.Fetch(idx)
	if err != nil {
		return keyDoc{}, err
	}
	var doc keyDoc
	if err := json.Unmarshal(e.Content, &doc); err != nil {
		return keyDoc{}, fmt.Errorf("stored key document for %s: %w", origin, err)
	}
	return doc, nil
}

// persist writes the key document as an m.key state event in the node
// room through the regular write plan.
func (c *Cache) persist(ctx context.Context, origin string, doc json.RawMessage) error {
	sk := origin
	e := &event.Event{
		Type:           "m.key",
		StateKey:       &sk,
		RoomID:         c.nodeRoom,
		Sender:         id.ID("@:" + c.ring.Origin()),
		Origin:         c.ring.Origin(),
		OriginServerTS: time.Now().UnixMilli(),
		Content:        doc,
	}
	eid, err := id.Generate(id.EVENT, c.ring.Origin())
	if err != nil {
		return err
	}
	e.EventID = eid
	b := c.d.DB.NewBatch()
	defer b.Close()
	idx, err := c.d.NextIdx(b)
	if err != nil {
		return err
	}
	if err := c.d.Write(b, e, dbs.WriteOpts{Op: dbs.SET, EventIdx: idx}); err != nil {
		return err
	}
	return b.Commit()
}

// Expire drops origins whose documents are past valid_until_ts; the
// reaper runs it on a schedule.
func (c *Cache) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for origin, doc := range c.mem {
		if doc.ValidUntilTS > 0 && doc.ValidUntilTS < now.UnixMilli() {
			delete(c.mem, origin)
			n++
		}
	}
	return n
}

// LocalDocument renders this server's own key/v2 document, signed.
func (c *Cache) LocalDocument(validFor time.Duration) (json.RawMessage, error) {
	doc := map[string]any{
		"server_name": c.ring.Origin(),
		"verify_keys": map[string]any{
			c.ring.KeyID(): map[string]any{"key": c.ring.PublicB64()},
		},
		"old_verify_keys": map[string]any{},
		"valid_until_ts":  time.Now().Add(validFor).UnixMilli(),
	}
	sig, err := event.SignJSON(doc, c.ring.Private())
	if err != nil {
		return nil, err
	}
	doc["signatures"] = map[string]any{
		c.ring.Origin(): map[string]string{c.ring.KeyID(): sig},
	}
	return json.Marshal(doc)
}
