package chunking

import (
	"encoding/json"
	"fmt"
	"sort"
)

// chunkPair is the wire shape of one sender's buffered fragments inside the
// ".chunks" snapshot blob: a two-element JSON array [clientId, fragments].
// The shape is shared with other runtime implementations and must not
// change.
type chunkPair struct {
	ClientID  string
	Fragments []string
}

func (p chunkPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ClientID, p.Fragments})
}

func (p *chunkPair) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("chunk pair must have 2 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &p.ClientID); err != nil {
		return fmt.Errorf("invalid chunk pair client id: %w", err)
	}
	if err := json.Unmarshal(arr[1], &p.Fragments); err != nil {
		return fmt.Errorf("invalid chunk pair fragments: %w", err)
	}

	return nil
}

// HasPartial reports whether any inbound fragments are buffered.
func (c *Codec) HasPartial() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.partial) > 0
}

// SerializePartial returns the reassembly buffer as a ".chunks" blob: a
// JSON array of [clientId, fragments] pairs, sorted by client ID so equal
// buffers serialize identically.
func (c *Codec) SerializePartial() ([]byte, error) {
	c.mu.Lock()
	pairs := make([]chunkPair, 0, len(c.partial))
	for clientID, fragments := range c.partial {
		copied := make([]string, len(fragments))
		copy(copied, fragments)
		pairs = append(pairs, chunkPair{ClientID: clientID, Fragments: copied})
	}
	c.mu.Unlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ClientID < pairs[j].ClientID })

	data, err := json.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize partial chunks: %w", err)
	}

	return data, nil
}

// RestorePartial replaces the reassembly buffer with the contents of a
// ".chunks" blob written by SerializePartial. Called when loading a
// document from a snapshot.
func (c *Codec) RestorePartial(data []byte) error {
	var pairs []chunkPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("failed to parse partial chunks blob: %w", err)
	}

	partial := make(map[string][]string, len(pairs))
	for _, pair := range pairs {
		partial[pair.ClientID] = pair.Fragments
	}

	c.mu.Lock()
	c.partial = partial
	c.mu.Unlock()

	return nil
}
