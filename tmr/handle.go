package tmr

// Kind tells whether a handle is backed by a hardware unit
type Kind int

const (
	HardwareBacked Kind = iota
	SoftwareOnly
)

func (k Kind) String() string {
	if k == HardwareBacked {
		return "hardware"
	}
	return "software"
}

// Handle is what attach returns to scripts. Software handles have no unit
// and their Start and Stop do nothing.
type Handle struct {
	svc  *Service
	kind Kind
	unit int
}

// Kind returns the handle kind
func (h *Handle) Kind() Kind {
	return h.kind
}

// Unit returns the backing unit; ok is false for software handles
func (h *Handle) Unit() (unit int, ok bool) {
	return h.unit, h.kind == HardwareBacked
}

// Start starts the unit's countdown
func (h *Handle) Start() error {
	if h.kind == SoftwareOnly {
		return nil
	}
	if err := h.svc.drv.Start(uint8(h.unit)); err != nil {
		return driverError(h.unit, err)
	}
	return nil
}

// Stop halts the unit's countdown
func (h *Handle) Stop() error {
	if h.kind == SoftwareOnly {
		return nil
	}
	if err := h.svc.drv.Stop(uint8(h.unit)); err != nil {
		return driverError(h.unit, err)
	}
	return nil
}
