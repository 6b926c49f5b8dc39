package blocks

// BlockView is the state a catching-up client holds for one block while
// folding operation log entries.
type BlockView struct {
	BlockID          string
	ParentID         *string
	Type             string
	ContentJSON      string
	PropertiesJSON   string
	Position         float64
	UpdatedAtSeconds int64
}

// View accumulates operation log entries into a per-block map plus the
// highest version seen. Apply is idempotent and tolerates duplicate or
// out-of-order delivery: conflicting field updates are tie-broken on the
// entry timestamp, re-created blocks are left as-is, and deletes are sticky
// against older re-deliveries.
type View struct {
	Blocks        map[string]*BlockView
	LatestVersion int64

	deletedAt map[string]int64
}

// NewView returns an empty replay view.
func NewView() *View {
	return &View{
		Blocks:    make(map[string]*BlockView),
		deletedAt: make(map[string]int64),
	}
}

// Apply folds one operation log entry into the view.
func (v *View) Apply(entry Operation) error {
	payload, err := DecodePayload(entry.PayloadJSON)
	if err != nil {
		return err
	}
	if entry.Version > v.LatestVersion {
		v.LatestVersion = entry.Version
	}

	switch OperationKind(entry.Kind) {
	case OperationKindCreate, OperationKindDuplicate:
		v.applyCreate(payload, entry.AppliedAtSeconds)
	case OperationKindUpdate:
		v.applyUpdate(payload, entry.AppliedAtSeconds)
	case OperationKindDelete:
		v.applyDelete(payload, entry.AppliedAtSeconds)
	case OperationKindReorder:
		v.applyReorder(payload)
	}
	return nil
}

func (v *View) applyCreate(payload OperationPayload, appliedAt int64) {
	if payload.BlockID == "" {
		return
	}
	if deletedAt, ok := v.deletedAt[payload.BlockID]; ok && deletedAt >= appliedAt {
		return
	}
	if _, exists := v.Blocks[payload.BlockID]; exists {
		return
	}
	block := &BlockView{
		BlockID:          payload.BlockID,
		ParentID:         payload.ParentID,
		Type:             payload.Type,
		ContentJSON:      payload.ContentJSON,
		PropertiesJSON:   payload.Properties,
		UpdatedAtSeconds: appliedAt,
	}
	if payload.Position != nil {
		block.Position = *payload.Position
	}
	v.Blocks[payload.BlockID] = block
}

func (v *View) applyUpdate(payload OperationPayload, appliedAt int64) {
	block, ok := v.Blocks[payload.BlockID]
	if !ok {
		return
	}
	if appliedAt < block.UpdatedAtSeconds {
		return
	}
	if payload.Type != "" {
		block.Type = payload.Type
	}
	if payload.ContentJSON != "" {
		block.ContentJSON = payload.ContentJSON
	}
	if payload.Properties != "" {
		block.PropertiesJSON = payload.Properties
	}
	if payload.Position != nil {
		block.Position = *payload.Position
	}
	block.UpdatedAtSeconds = appliedAt
}

func (v *View) applyDelete(payload OperationPayload, appliedAt int64) {
	if payload.BlockID == "" {
		return
	}
	delete(v.Blocks, payload.BlockID)
	if v.deletedAt[payload.BlockID] < appliedAt {
		v.deletedAt[payload.BlockID] = appliedAt
	}
}

func (v *View) applyReorder(payload OperationPayload) {
	for blockID, position := range payload.Positions {
		if block, ok := v.Blocks[blockID]; ok {
			block.Position = position
		}
	}
}
