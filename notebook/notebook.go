package notebook

import (
	"encoding/json"
	"fmt"
)

// CellType is the kind of a notebook cell.
type CellType string

const (
	CellSQL      CellType = "Sql"
	CellMarkdown CellType = "Markdown"
)

// UnmarshalJSON rejects unknown cell types.
func (c *CellType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch CellType(s) {
	case CellSQL, CellMarkdown:
		*c = CellType(s)
		return nil
	}
	return fmt.Errorf("unknown cell type %q", s)
}

// ExecutionState is the execution state of a cell.
type ExecutionState string

const (
	StateIdle    ExecutionState = "Idle"
	StateRunning ExecutionState = "Running"
	StateSuccess ExecutionState = "Success"
	StateError   ExecutionState = "Error"
)

// Cell is one notebook cell. Output is stored as given.
type Cell struct {
	ID             string          `json:"id"`
	CellType       CellType        `json:"cell_type"`
	Content        string          `json:"content"`
	Output         json.RawMessage `json:"output,omitempty"`
	State          ExecutionState  `json:"state"`
	ExecutionCount *uint32         `json:"execution_count,omitempty"`
	CreatedAt      int64           `json:"created_at"`
	ModifiedAt     int64           `json:"modified_at"`
	Collapsed      bool            `json:"collapsed"`
}

// UnmarshalJSON applies the Idle default to cells saved without a state.
func (c *Cell) UnmarshalJSON(data []byte) error {
	type plain Cell
	v := plain{State: StateIdle}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = Cell(v)
	return nil
}

// Metadata describes a notebook. Timestamps are milliseconds since the Unix
// epoch.
type Metadata struct {
	Title        string   `json:"title,omitempty"`
	Author       string   `json:"author,omitempty"`
	Tags         []string `json:"tags"`
	CreatedAt    int64    `json:"created_at"`
	ModifiedAt   int64    `json:"modified_at"`
	Description  string   `json:"description,omitempty"`
	NostrEventID string   `json:"nostr_event_id,omitempty"`
}

// Notebook is a user-authored document. Charts are stored as given.
type Notebook struct {
	ID         string            `json:"id"`
	Version    uint32            `json:"version"`
	Metadata   Metadata          `json:"metadata"`
	Cells      []Cell            `json:"cells"`
	LoadedData []string          `json:"loaded_data"`
	Charts     []json.RawMessage `json:"charts"`
}

// Summary is the list view of a notebook.
type Summary struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
	CellCount    uint32   `json:"cell_count"`
	Tags         []string `json:"tags"`
	NostrEventID string   `json:"nostr_event_id,omitempty"`
}

// DefaultTitle is shown for notebooks without a title.
const DefaultTitle = "Untitled"

// Summary returns the list view of the notebook.
func (n *Notebook) Summary() Summary {
	title := n.Metadata.Title
	if title == "" {
		title = DefaultTitle
	}
	tags := n.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	return Summary{
		ID:           n.ID,
		Title:        title,
		CreatedAt:    n.Metadata.CreatedAt,
		UpdatedAt:    n.Metadata.ModifiedAt,
		CellCount:    uint32(len(n.Cells)), //nolint:gosec // cell counts are small
		Tags:         tags,
		NostrEventID: n.Metadata.NostrEventID,
	}
}

// normalize replaces nil slices so documents encode with empty arrays.
func (n *Notebook) normalize() {
	if n.Metadata.Tags == nil {
		n.Metadata.Tags = []string{}
	}
	if n.Cells == nil {
		n.Cells = []Cell{}
	}
	if n.LoadedData == nil {
		n.LoadedData = []string{}
	}
	if n.Charts == nil {
		n.Charts = []json.RawMessage{}
	}
}
