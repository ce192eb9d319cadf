package testutil

import (
	"github.com/bytedance/sonic"
)

// NBCell describes one cell of a generated test notebook.
type NBCell struct {
	ID     string
	Type   string
	Source string
}

// CodeCell is shorthand for an NBCell of type "code".
func CodeCell(id, source string) NBCell {
	return NBCell{ID: id, Type: "code", Source: source}
}

// MarkdownCell is shorthand for an NBCell of type "markdown".
func MarkdownCell(id, source string) NBCell {
	return NBCell{ID: id, Type: "markdown", Source: source}
}

// NotebookJSON renders a minimal nbformat 4 document from the given cells.
func NotebookJSON(cells ...NBCell) string {
	rawCells := make([]map[string]any, 0, len(cells))
	for _, c := range cells {
		raw := map[string]any{
			"id":        c.ID,
			"cell_type": c.Type,
			"source":    c.Source,
			"metadata":  map[string]any{},
		}
		if c.Type == "code" {
			raw["execution_count"] = nil
			raw["outputs"] = []any{}
		}
		rawCells = append(rawCells, raw)
	}
	doc := map[string]any{
		"nbformat":       4,
		"nbformat_minor": 5,
		"cells":          rawCells,
		"metadata":       map[string]any{},
	}
	out, err := sonic.Marshal(doc)
	if err != nil {
		// The inputs are plain maps; marshalling them cannot fail.
		panic(err)
	}
	return string(out)
}
