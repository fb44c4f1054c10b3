package dracoon

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

// NodeType distinguishes rooms, folders and files.
type NodeType string

const (
	NodeTypeRoom   NodeType = "room"
	NodeTypeFolder NodeType = "folder"
	NodeTypeFile   NodeType = "file"
)

// ErrEncryptedUnsupported is returned for nodes in end-to-end encrypted
// rooms. Their file keys are not handled, so content would be read or
// written as ciphertext.
var ErrEncryptedUnsupported = errors.New("dracoon: encrypted rooms are not supported")

// Node is a room, folder or file. Fields the server omits are left zero.
type Node struct {
	ID          uint64     `json:"id"`
	Type        NodeType   `json:"type"`
	Name        string     `json:"name"`
	ParentID    uint64     `json:"parentId"`
	ParentPath  string     `json:"parentPath"`
	Size        int64      `json:"size"`
	IsEncrypted bool       `json:"isEncrypted"`
	Hash        string     `json:"hash"`
	CreatedAt   *time.Time `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`

	TimestampCreation     *time.Time `json:"timestampCreation"`
	TimestampModification *time.Time `json:"timestampModification"`
}

// ModTime returns the client-supplied modification time if present, else
// the server's update time.
func (n *Node) ModTime() time.Time {
	switch {
	case n.TimestampModification != nil:
		return *n.TimestampModification
	case n.UpdatedAt != nil:
		return *n.UpdatedAt
	default:
		return time.Time{}
	}
}

// CheckUnencrypted returns ErrEncryptedUnsupported for an encrypted node.
// Rooms, folders and files inside an encrypted room all report encryption.
func (n *Node) CheckUnencrypted() error {
	if n.IsEncrypted {
		return fmt.Errorf("%w: %s", ErrEncryptedUnsupported, n.Name)
	}

	return nil
}

// IsContainer reports whether the node can hold children.
func (n *Node) IsContainer() bool {
	return n.Type == NodeTypeRoom || n.Type == NodeTypeFolder
}

// GetNode fetches one node by ID.
func (c *Client) GetNode(ctx context.Context, id uint64) (*Node, error) {
	var n Node
	if err := c.api.DoJSON(ctx, &api.Request{Path: "/nodes/" + strconv.FormatUint(id, 10)}, &n); err != nil {
		return nil, fmt.Errorf("dracoon: getting node %d: %w", id, err)
	}

	return &n, nil
}

// Children pages through the direct children of parentID. A parentID of 0
// lists the top-level rooms.
func (c *Client) Children(parentID uint64, params api.ListParams) *api.Paginator[Node] {
	extra := url.Values{}
	for k, vs := range params.Extra {
		extra[k] = vs
	}

	extra.Set("parent_id", strconv.FormatUint(parentID, 10))
	params.Extra = extra

	return api.Paginate[Node](c.api, "/nodes", params)
}

// NameFilter returns a node filter matching name exactly.
func NameFilter(name string) string {
	return "name:eq:" + name
}

// ResolvePath walks a slash-separated path of room, folder and file names
// from the top level. The empty path and "/" resolve to the root, a
// container with ID 0.
func (c *Client) ResolvePath(ctx context.Context, path string) (*Node, error) {
	node := &Node{Name: "/", Type: NodeTypeRoom}

	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}

		if !node.IsContainer() {
			return nil, fmt.Errorf("dracoon: %q: %s is not a room or folder", path, node.Name)
		}

		child, err := c.findChild(ctx, node.ID, name)
		if err != nil {
			return nil, fmt.Errorf("dracoon: resolving %q: %w", path, err)
		}

		node = child
	}

	return node, nil
}

func (c *Client) findChild(ctx context.Context, parentID uint64, name string) (*Node, error) {
	p := c.Children(parentID, api.ListParams{Filter: NameFilter(name)})

	for n, err := range p.All(ctx) {
		if err != nil {
			return nil, err
		}

		// The server filter is case-insensitive.
		if n.Name == name {
			return &n, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", api.ErrNotFound, name)
}
