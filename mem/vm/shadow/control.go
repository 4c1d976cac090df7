package shadow

import "github.com/sirupsen/logrus"

// ControlKind selects an administrative verb.
type ControlKind int

// Administrative verbs.
const (
	OpOff ControlKind = iota
	OpEnableTest
	OpEnable
	OpGetAllocation
	OpSetAllocation
)

func (k ControlKind) String() string {
	switch k {
	case OpOff:
		return "off"
	case OpEnableTest:
		return "enable_test"
	case OpEnable:
		return "enable"
	case OpGetAllocation:
		return "get_allocation"
	case OpSetAllocation:
		return "set_allocation"
	default:
		return "unknown"
	}
}

// A ControlOp is one administrative request.
type ControlOp struct {
	Kind ControlKind
	Mode ModeFlags
	MB   int
}

// ControlResult carries what a request reports back.
type ControlResult struct {
	MB int
}

// Control carries out an administrative request. A resize that yields
// returns ErrPreempted; the caller issues the same request again.
func (d *Domain) Control(op ControlOp) (ControlResult, error) {
	d.log.WithFields(logrus.Fields{
		"op": op.Kind.String(),
		"mb": op.MB,
	}).Debug("shadow control")

	switch op.Kind {
	case OpOff:
		g := d.Lock()
		defer g.Unlock()

		if d.mode == ModeEnable {
			return ControlResult{}, d.disableTest(g)
		}

		return ControlResult{}, nil
	case OpEnableTest:
		return ControlResult{}, d.EnableTest()
	case OpEnable:
		return ControlResult{}, d.Enable(op.Mode)
	case OpGetAllocation:
		g := d.Lock()
		defer g.Unlock()

		return ControlResult{MB: d.Allocation()}, nil
	case OpSetAllocation:
		return d.setAllocationMB(op.MB)
	default:
		return ControlResult{}, ErrInvalid
	}
}

func (d *Domain) setAllocationMB(mb int) (ControlResult, error) {
	g := d.Lock()
	defer g.Unlock()

	if mb < 0 {
		return ControlResult{}, ErrInvalid
	}

	if mb == 0 && d.mode.Enabled() {
		d.log.Error("cannot set shadow allocation to zero while shadows are in use")
		return ControlResult{}, ErrInvalid
	}

	err := d.SetAllocation(g, mb*pagesPerMB, true)
	if err != nil {
		return ControlResult{}, err
	}

	return ControlResult{MB: d.Allocation()}, nil
}
