package blocks

import "sort"

// CrdtEntry is the scalar view of one block inside the live CRDT document:
// identifier, type tag, sibling position, and the current text sequence.
type CrdtEntry struct {
	BlockID  string
	Type     string
	Position float64
	Text     string
}

// ReconciledBlock is the client-facing merged view of one block.
type ReconciledBlock struct {
	BlockID          string
	ParentID         *string
	Type             BlockType
	Content          Content
	PropertiesJSON   string
	Position         float64
	Version          int64
	CreatedBy        string
	CreatedAtSeconds int64
	UpdatedAtSeconds int64
}

// Reconcile merges relational block rows with the live CRDT entries into one
// ordered list. With no CRDT state loaded the rows win; once a snapshot is
// live the CRDT entries are authoritative for membership, type, position,
// and content, while row-only metadata (properties, creator, timestamps,
// version counter) is recovered from the matching row. Rows without a CRDT
// entry are dropped from the live view.
func Reconcile(rows []Block, entries []CrdtEntry) ([]ReconciledBlock, error) {
	if entries == nil {
		return reconcileRows(rows)
	}

	rowsByID := make(map[string]Block, len(rows))
	for _, row := range rows {
		rowsByID[row.BlockID] = row
	}

	sorted := make([]CrdtEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].BlockID < sorted[j].BlockID
	})

	result := make([]ReconciledBlock, 0, len(sorted))
	for _, entry := range sorted {
		blockType, err := ParseBlockType(entry.Type)
		if err != nil {
			return nil, err
		}
		content, err := ContentFromText(blockType, entry.Text)
		if err != nil {
			return nil, err
		}
		merged := ReconciledBlock{
			BlockID:        entry.BlockID,
			Type:           blockType,
			Content:        content,
			PropertiesJSON: "{}",
			Position:       entry.Position,
			Version:        1,
		}
		if row, ok := rowsByID[entry.BlockID]; ok {
			merged.ParentID = row.ParentID
			merged.PropertiesJSON = row.PropertiesJSON
			merged.Version = row.Version
			merged.CreatedBy = row.CreatedBy
			merged.CreatedAtSeconds = row.CreatedAtSeconds
			merged.UpdatedAtSeconds = row.UpdatedAtSeconds
		}
		result = append(result, merged)
	}
	return result, nil
}

func reconcileRows(rows []Block) ([]ReconciledBlock, error) {
	sorted := make([]Block, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].BlockID < sorted[j].BlockID
	})

	result := make([]ReconciledBlock, 0, len(sorted))
	for _, row := range sorted {
		blockType, err := ParseBlockType(row.Type)
		if err != nil {
			return nil, err
		}
		content, err := DecodeContent(blockType, row.ContentJSON)
		if err != nil {
			return nil, err
		}
		result = append(result, ReconciledBlock{
			BlockID:          row.BlockID,
			ParentID:         row.ParentID,
			Type:             blockType,
			Content:          content,
			PropertiesJSON:   row.PropertiesJSON,
			Position:         row.Position,
			Version:          row.Version,
			CreatedBy:        row.CreatedBy,
			CreatedAtSeconds: row.CreatedAtSeconds,
			UpdatedAtSeconds: row.UpdatedAtSeconds,
		})
	}
	return result, nil
}
