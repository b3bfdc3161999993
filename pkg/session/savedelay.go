package session

// DefaultStoreInfoSaveDelay is the number of deferred saves coalesced into
// one physical StoreInfo write.
const DefaultStoreInfoSaveDelay = 96

// SaveDelay coalesces StoreInfo saves. Each deferred save is a Tick; every
// threshold ticks one physical save is due. A forced save resets the count.
type SaveDelay struct {
	threshold int
	remaining int
	pending   bool
}

// NewSaveDelay returns a SaveDelay that makes every threshold-th tick due.
// A threshold below 1 makes every tick due.
func NewSaveDelay(threshold int) *SaveDelay {
	if threshold < 1 {
		threshold = 1
	}
	return &SaveDelay{threshold: threshold, remaining: threshold}
}

// Tick records a change that needs saving and reports whether the save is
// due now. When it returns true the counter starts over.
func (d *SaveDelay) Tick() bool {
	d.remaining--
	if d.remaining <= 0 {
		d.ForceSave()
		return true
	}
	d.pending = true
	return false
}

// ForceSave records that a physical save is happening now.
func (d *SaveDelay) ForceSave() {
	d.remaining = d.threshold
	d.pending = false
}

// Pending reports whether changes were deferred since the last save.
func (d *SaveDelay) Pending() bool {
	return d.pending
}

// Remaining returns how many ticks are left before a save is due.
func (d *SaveDelay) Remaining() int {
	return d.remaining
}
