package notebook

import (
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/kkpan11/ipyflow/internal/cells"
)

// cellSource absorbs the two encodings nbformat allows for cell source: a
// single string or a list of line strings.
type cellSource string

func (s *cellSource) UnmarshalJSON(data []byte) error {
	var one string
	if err := sonic.Unmarshal(data, &one); err == nil {
		*s = cellSource(one)
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("source is neither string nor string list: %w", err)
	}
	*s = cellSource(strings.Join(many, ""))
	return nil
}

type rawCell struct {
	ID             string     `json:"id"`
	CellType       string     `json:"cell_type"`
	Source         cellSource `json:"source"`
	ExecutionCount *int       `json:"execution_count"`
}

type rawNotebook struct {
	NBFormat      int       `json:"nbformat"`
	NBFormatMinor int       `json:"nbformat_minor"`
	Cells         []rawCell `json:"cells"`
}

func kindOf(cellType string) cells.Kind {
	switch cellType {
	case "code":
		return cells.Code
	case "markdown":
		return cells.Markdown
	default:
		return cells.Raw
	}
}

// Parse decodes an nbformat-4 document into ordered cell snapshots.
func Parse(data []byte) ([]cells.Cell, error) {
	var nb rawNotebook
	if err := sonic.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook: %w", err)
	}
	if nb.NBFormat != 4 {
		return nil, fmt.Errorf("unsupported nbformat %d (want 4)", nb.NBFormat)
	}

	out := make([]cells.Cell, 0, len(nb.Cells))
	for i, rc := range nb.Cells {
		id := cells.ID(rc.ID)
		if id == "" {
			// Notebooks below nbformat 4.5 carry no cell ids.
			id = cells.ID(fmt.Sprintf("cell-%d", i))
		}
		c := cells.Cell{ID: id, Kind: kindOf(rc.CellType), Index: i, Source: string(rc.Source)}
		if rc.ExecutionCount != nil {
			n := *rc.ExecutionCount
			c.Counter = &n
		}
		out = append(out, c)
	}
	return out, nil
}

// Load reads path and builds a Document from it.
func Load(path string) (*cells.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	doc, err := cells.NewDocument(list)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return doc, nil
}

// Reload re-reads path into an existing document. Surviving cells keep their
// runtime state; changed sources are marked dirty and announced through the
// document's content subscription.
func Reload(doc *cells.Document, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read notebook: %w", err)
	}
	list, err := Parse(data)
	if err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	if err := doc.Replace(list); err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	return nil
}
