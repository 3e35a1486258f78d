package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SummaryType discriminates the node kinds of a summary tree.
type SummaryType string

const (
	// SummaryTypeTree is a named hierarchy of child summary nodes.
	SummaryTypeTree SummaryType = "tree"

	// SummaryTypeBlob is a leaf carrying serialized content.
	SummaryTypeBlob SummaryType = "blob"

	// SummaryTypeHandle references content from a previous summary that is
	// unchanged and must not be re-uploaded.
	SummaryTypeHandle SummaryType = "handle"
)

// SummaryNode is one node of a summary tree. Exactly one of Tree, Content,
// or Handle is meaningful, selected by Type.
type SummaryNode struct {
	Type SummaryType `json:"type"`

	// Tree holds the child nodes by path segment when Type is tree.
	Tree map[string]*SummaryNode `json:"tree,omitempty"`

	// Content holds the serialized payload when Type is blob.
	Content string `json:"content,omitempty"`

	// Handle holds the stable reference to previously uploaded content when
	// Type is handle. HandleType records what kind of node it points at.
	Handle     string      `json:"handle,omitempty"`
	HandleType SummaryType `json:"handleType,omitempty"`
}

// NewSummaryTree returns an empty summary tree node.
func NewSummaryTree() *SummaryNode {
	return &SummaryNode{Type: SummaryTypeTree, Tree: make(map[string]*SummaryNode)}
}

// NewSummaryBlob returns a blob node with the given content.
func NewSummaryBlob(content string) *SummaryNode {
	return &SummaryNode{Type: SummaryTypeBlob, Content: content}
}

// NewSummaryHandle returns a handle node referencing previously uploaded
// content of the given kind.
func NewSummaryHandle(handle string, handleType SummaryType) *SummaryNode {
	return &SummaryNode{Type: SummaryTypeHandle, Handle: handle, HandleType: handleType}
}

// Add inserts a child node under the given path segment and returns the
// receiver for chaining. It panics if the receiver is not a tree node;
// building a summary under a blob is a programming error.
func (n *SummaryNode) Add(path string, child *SummaryNode) *SummaryNode {
	if n.Type != SummaryTypeTree {
		panic(fmt.Sprintf("summary: cannot add child to %q node", n.Type))
	}
	if n.Tree == nil {
		n.Tree = make(map[string]*SummaryNode)
	}
	n.Tree[path] = child

	return n
}

// FileMode is the git-style mode recorded on legacy tree entries.
type FileMode string

const (
	// FileModeFile marks a regular blob entry.
	FileModeFile FileMode = "100644"

	// FileModeDirectory marks a nested tree entry.
	FileModeDirectory FileMode = "040000"

	// FileModeCommit marks a submodule-style reference to a separately
	// stored version.
	FileModeCommit FileMode = "160000"
)

// EntryType discriminates the value kinds of legacy tree entries.
type EntryType string

const (
	EntryTypeBlob   EntryType = "Blob"
	EntryTypeTree   EntryType = "Tree"
	EntryTypeCommit EntryType = "Commit"
)

// Blob is raw content addressed by a tree entry. Encoding is either
// EncodingUTF8 or EncodingBase64.
type Blob struct {
	Contents string `json:"contents"`
	Encoding string `json:"encoding"`
}

// Blob encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// Tree is the legacy snapshot hierarchy written to storage.
//
// A non-empty ID states that the tree content is unchanged since the stored
// tree with that ID; writers reference the prior version instead of storing
// the entries again.
type Tree struct {
	ID      string      `json:"id,omitempty"`
	Entries []TreeEntry `json:"entries"`
}

// TreeEntry is one named value inside a Tree. The wire shape carries the
// value under a single polymorphic "value" key selected by Type, so the
// entry implements custom JSON encoding.
type TreeEntry struct {
	Path string
	Type EntryType
	Mode FileMode

	// Blob is set when Type is EntryTypeBlob.
	Blob *Blob

	// Tree is set when Type is EntryTypeTree.
	Tree *Tree

	// Commit holds the referenced version ID when Type is EntryTypeCommit.
	Commit string
}

// NewBlobEntry returns a file entry holding the given content.
func NewBlobEntry(path, contents, encoding string) TreeEntry {
	return TreeEntry{
		Path: path,
		Type: EntryTypeBlob,
		Mode: FileModeFile,
		Blob: &Blob{Contents: contents, Encoding: encoding},
	}
}

// NewTreeEntry returns a directory entry holding a nested tree.
func NewTreeEntry(path string, tree *Tree) TreeEntry {
	return TreeEntry{
		Path: path,
		Type: EntryTypeTree,
		Mode: FileModeDirectory,
		Tree: tree,
	}
}

// NewCommitEntry returns a submodule-style entry referencing a separately
// stored version.
func NewCommitEntry(path, versionID string) TreeEntry {
	return TreeEntry{
		Path:   path,
		Type:   EntryTypeCommit,
		Mode:   FileModeCommit,
		Commit: versionID,
	}
}

type treeEntryWire struct {
	Path  string          `json:"path"`
	Type  EntryType       `json:"type"`
	Mode  FileMode        `json:"mode"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the entry with its value under the polymorphic
// "value" key.
func (e TreeEntry) MarshalJSON() ([]byte, error) {
	var value any
	switch e.Type {
	case EntryTypeBlob:
		value = e.Blob
	case EntryTypeTree:
		value = e.Tree
	case EntryTypeCommit:
		value = e.Commit
	default:
		return nil, fmt.Errorf("tree entry %q: unknown type %q", e.Path, e.Type)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("tree entry %q: %w", e.Path, err)
	}

	return json.Marshal(treeEntryWire{Path: e.Path, Type: e.Type, Mode: e.Mode, Value: raw})
}

// UnmarshalJSON decodes the polymorphic "value" key according to the
// entry's type.
func (e *TreeEntry) UnmarshalJSON(data []byte) error {
	var wire treeEntryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*e = TreeEntry{Path: wire.Path, Type: wire.Type, Mode: wire.Mode}

	switch wire.Type {
	case EntryTypeBlob:
		e.Blob = &Blob{}
		return json.Unmarshal(wire.Value, e.Blob)
	case EntryTypeTree:
		e.Tree = &Tree{}
		return json.Unmarshal(wire.Value, e.Tree)
	case EntryTypeCommit:
		return json.Unmarshal(wire.Value, &e.Commit)
	default:
		return fmt.Errorf("tree entry %q: unknown type %q", wire.Path, wire.Type)
	}
}

// Version identifies one stored snapshot of the document or of a single
// component.
type Version struct {
	// ID is the stable version identifier returned by Storage.Write.
	ID string `json:"id"`

	// TreeID points at the stored root tree for this version.
	TreeID string `json:"treeId"`

	// Message is the human-readable description recorded at write time.
	Message string `json:"message,omitempty"`

	// Date is the storage-side write time.
	Date time.Time `json:"date,omitempty"`
}
